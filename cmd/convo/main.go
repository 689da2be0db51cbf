// Command convo is an interactive client for a single conversation.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/convo/internal/apiclient"
	"github.com/xiaot623/gogo/convo/internal/auth"
	"github.com/xiaot623/gogo/convo/internal/config"
	"github.com/xiaot623/gogo/convo/internal/conversation"
	"github.com/xiaot623/gogo/convo/internal/credstore"
	"github.com/xiaot623/gogo/convo/internal/domain"
	"github.com/xiaot623/gogo/convo/internal/events"
	"github.com/xiaot623/gogo/convo/internal/logging"
)

type options struct {
	configPath       string
	email            string
	password         string
	conversationID   string
	serviceRequestID string
	forceLogin       bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "YAML config file (optional)")
	flag.StringVar(&opts.email, "email", os.Getenv("CONVO_EMAIL"), "login email")
	flag.StringVar(&opts.password, "password", os.Getenv("CONVO_PASSWORD"), "login password")
	flag.StringVar(&opts.conversationID, "conversation", "", "conversation ID to open")
	flag.StringVar(&opts.serviceRequestID, "service-request", "", "open the conversation of this service request")
	flag.BoolVar(&opts.forceLogin, "login", false, "log in even if stored credentials exist")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := logging.NewConsole(cfg.LogLevel)

	store, err := credstore.NewSQLiteStore(cfg.CredentialsDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	coord := auth.NewCoordinator(store, auth.NewHTTPRefresher(cfg.APIBaseURL, nil), logger)
	client := apiclient.NewClient(cfg.APIBaseURL, cfg.RequestTimeout, store, coord, logger)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	if err := ensureLoggedIn(ctx, store, client, opts); err != nil {
		return err
	}

	conversationID, err := resolveConversation(ctx, client, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Opening conversation %s...\n", conversationID)
	session, err := conversation.Open(cfg, client, coord, conversationID, logger)
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	defer session.Close()

	fmt.Println("\nType a message and press Enter to send.")
	fmt.Println("Commands: /typing <text>, /reconnect, /history, /logout, /quit")
	fmt.Println()

	return loop(session, client, logger)
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Load()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ensureLoggedIn(ctx context.Context, store credstore.Store, client *apiclient.Client, opts options) error {
	creds, err := credstore.Load(ctx, store)
	if err != nil {
		return err
	}
	if !creds.Empty() && !opts.forceLogin {
		return nil
	}
	if opts.email == "" || opts.password == "" {
		return errors.New("not logged in: pass -email and -password")
	}

	login, err := client.Login(ctx, opts.email, opts.password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	fmt.Printf("Logged in as %s\n", login.UserID)
	return nil
}

func resolveConversation(ctx context.Context, client *apiclient.Client, opts options) (string, error) {
	if opts.conversationID != "" {
		return opts.conversationID, nil
	}
	if opts.serviceRequestID == "" {
		return "", errors.New("pass -conversation or -service-request")
	}

	conv, err := client.FindByServiceRequest(ctx, opts.serviceRequestID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("no conversation for service request %s", opts.serviceRequestID)
	}
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

func loop(session *conversation.Session, client *apiclient.Client, logger zerolog.Logger) error {
	sub := session.Subscribe(64)
	defer session.Unsubscribe(sub)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	out := newPrinter(session.Snapshot().Messages)

	for {
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			return nil

		case update, ok := <-sub.Updates():
			if !ok {
				return errors.New("session updates stopped")
			}
			if out.print(update) {
				return errors.New("signed out")
			}

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := handleLine(session, client, out, strings.TrimSpace(line))
			if err != nil {
				logger.Warn().Err(err).Msg("command failed")
			}
			if done {
				return nil
			}
		}
	}
}

func handleLine(session *conversation.Session, client *apiclient.Client, out *printer, input string) (bool, error) {
	switch {
	case input == "":
		return false, nil

	case input == "/quit":
		fmt.Println("Bye!")
		return true, nil

	case input == "/reconnect":
		return false, session.Reconnect()

	case input == "/history":
		out.dump(session.Snapshot())
		return false, nil

	case input == "/logout":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Logout(ctx); err != nil {
			return false, err
		}
		fmt.Println("Logged out")
		return true, nil

	case strings.HasPrefix(input, "/typing"):
		session.InputChanged(strings.TrimSpace(strings.TrimPrefix(input, "/typing")))
		return false, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return false, session.Send(ctx, input)
}

// printer writes timeline changes to stdout, once per message.
type printer struct {
	seen map[string]bool
}

func newPrinter(initial []domain.Message) *printer {
	p := &printer{seen: make(map[string]bool, len(initial))}
	for _, m := range initial {
		p.seen[m.ID] = true
	}
	if len(initial) > 0 {
		p.dump(conversation.Snapshot{Messages: initial})
	}
	return p
}

// print reports whether the update ends the session.
func (p *printer) print(update events.Update) bool {
	switch update.Kind {
	case events.UpdateTimeline:
		for _, m := range update.Messages {
			if p.seen[m.ID] {
				continue
			}
			p.seen[m.ID] = true
			printMessage(m)
		}
	case events.UpdateState:
		fmt.Printf("[connection] %s\n", update.State)
	case events.UpdateTyping:
		if update.Typing {
			fmt.Println("[typing] the other side is typing...")
		}
	case events.UpdateError:
		fmt.Printf("[error] %v\n", update.Err)
	case events.UpdateSignOut:
		fmt.Printf("[signed out] %v\n", update.Err)
		return true
	}
	return false
}

func (p *printer) dump(snap conversation.Snapshot) {
	for _, m := range snap.Messages {
		p.seen[m.ID] = true
		printMessage(m)
	}
}

func printMessage(m domain.Message) {
	fmt.Printf("%s [%s] %s\n", m.Timestamp.Local().Format(time.Kitchen), m.SenderRole, m.Text)
}
