// Package conversation ties the REST client, socket channel, timeline and signal
// tracker together into one session per open conversation.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/convo/internal/auth"
	"github.com/xiaot623/gogo/convo/internal/config"
	"github.com/xiaot623/gogo/convo/internal/domain"
	"github.com/xiaot623/gogo/convo/internal/events"
	"github.com/xiaot623/gogo/convo/internal/logging"
	"github.com/xiaot623/gogo/convo/internal/signals"
	"github.com/xiaot623/gogo/convo/internal/socket"
	"github.com/xiaot623/gogo/convo/internal/timeline"
)

// ErrEmptyMessage is returned by Send for blank text.
var ErrEmptyMessage = errors.New("message text is empty")

// API is the REST surface a session needs.
type API interface {
	GetConversation(ctx context.Context, conversationID string) (*domain.ConversationHistory, error)
	SendMessage(ctx context.Context, conversationID, text string) (*domain.Message, error)
}

// Channel is the push connection a session drives.
type Channel interface {
	Connect() error
	Reconnect() error
	Close() error
	State() domain.ConnectionState
	Events() <-chan socket.Event
	SendMessage(text string) error
	SendTyping(isTyping bool) error
	MarkRead() error
}

// SignOutSource announces unrecoverable credential failures.
type SignOutSource interface {
	NotifySignOut(ch chan<- auth.SignOutEvent)
	StopSignOut(ch chan<- auth.SignOutEvent)
}

// Options configures a Session.
type Options struct {
	ConversationID string
	Role           domain.Role

	TypingIdleTimeout   time.Duration
	RemoteTypingTTL     time.Duration
	MarkReadOnReconnect bool

	// SignOut is optional.
	SignOut SignOutSource
}

// OptionsFromConfig builds session options for conversationID.
func OptionsFromConfig(cfg *config.Config, conversationID string) Options {
	return Options{
		ConversationID:      conversationID,
		Role:                cfg.Role,
		TypingIdleTimeout:   cfg.TypingIdleTimeout,
		RemoteTypingTTL:     cfg.RemoteTypingTTL,
		MarkReadOnReconnect: cfg.MarkReadOnReconnect,
	}
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ConversationID string
	Conversation   *domain.Conversation
	State          domain.ConnectionState
	Messages       []domain.Message
	HistoryLoaded  bool
	LocalTyping    bool
	TypingSentAt   time.Time
	RemoteTyping   bool
	LastError      error
}

type fetchMode int

const (
	fetchInitial fetchMode = iota
	fetchCatchUp
	fetchAuthRecovery
)

type historyResult struct {
	mode    fetchMode
	history *domain.ConversationHistory
	err     error
}

// Session is one open conversation. Inbound frames and history results are applied
// by a single goroutine in arrival order.
type Session struct {
	opts       Options
	api        API
	channel    Channel
	reconciler *timeline.Reconciler
	tracker    *signals.Tracker
	bus        *events.Bus
	logger     zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once

	historyCh chan historyResult
	signOutCh chan auth.SignOutEvent

	mu             sync.RWMutex
	conversation   *domain.Conversation
	historyLoaded  bool
	lastErr        error
	authRecoveries int
}

// New creates a session. Call Start to load history and connect.
func New(api API, channel Channel, opts Options, logger zerolog.Logger) *Session {
	if !opts.Role.Valid() {
		opts.Role = domain.RoleInitiator
	}
	logger = logging.Component(logger, "conversation").With().Str("conversation_id", opts.ConversationID).Logger()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		opts:       opts,
		api:        api,
		channel:    channel,
		reconciler: timeline.NewReconciler(),
		bus:        events.NewBus(logger),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		historyCh:  make(chan historyResult, 4),
		signOutCh:  make(chan auth.SignOutEvent, 1),
	}
	s.tracker = signals.NewTracker(channel, signals.Options{
		IdleTimeout:    opts.TypingIdleTimeout,
		RemoteTTL:      opts.RemoteTypingTTL,
		OnRemoteTyping: s.remoteTypingChanged,
	}, logger)
	return s
}

// Start launches the event loop, the history fetch and the channel.
func (s *Session) Start() error {
	var err error
	s.startOnce.Do(func() {
		go s.bus.Run(s.ctx)
		if s.opts.SignOut != nil {
			s.opts.SignOut.NotifySignOut(s.signOutCh)
		}

		s.wg.Add(1)
		go s.run()

		s.fetchHistory(fetchInitial)
		err = s.channel.Connect()
	})
	return err
}

// Close ends the session: the channel is closed, typing timers stop, and a pending
// history fetch is abandoned. Subscribers' streams are closed.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.tracker.Close()
		err = s.channel.Close()
		s.wg.Wait()
		if s.opts.SignOut != nil {
			s.opts.SignOut.StopSignOut(s.signOutCh)
		}
		s.logger.Debug().Msg("session closed")
	})
	return err
}

// Subscribe returns a stream of session updates.
func (s *Session) Subscribe(buffer int) *events.Subscriber {
	return s.bus.Subscribe(buffer)
}

// Unsubscribe stops delivery to sub.
func (s *Session) Unsubscribe(sub *events.Subscriber) {
	s.bus.Unsubscribe(sub)
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ConversationID: s.opts.ConversationID,
		Conversation:   s.conversation,
		State:          s.channel.State(),
		Messages:       s.reconciler.Messages(),
		HistoryLoaded:  s.historyLoaded,
		LocalTyping:    s.tracker.LocalTyping(),
		TypingSentAt:   s.tracker.LastSentAt(),
		RemoteTyping:   s.tracker.RemoteIsTyping(),
		LastError:      s.lastErr,
	}
}

// InputChanged forwards a text input change to the typing tracker.
func (s *Session) InputChanged(text string) {
	s.tracker.InputChanged(text)
}

// Send posts text. The socket is used while it is open; otherwise the message goes
// over REST and the stored copy is merged into the timeline right away.
func (s *Session) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	s.tracker.MessageSent()

	if s.channel.State() == domain.ConnectionOpen {
		err := s.channel.SendMessage(text)
		if err == nil {
			return nil
		}
		s.logger.Warn().Err(err).Msg("socket send failed, falling back to REST")
	}

	msg, err := s.api.SendMessage(ctx, s.opts.ConversationID, text)
	if err != nil {
		s.setError(err)
		return err
	}
	if s.reconciler.Merge(*msg) > 0 {
		s.publishTimeline()
	}
	return nil
}

// MarkRead marks unread messages from the other side as read, if any.
func (s *Session) MarkRead() error {
	_, err := s.tracker.MarkRead(s.reconciler.Unread(s.opts.Role))
	return err
}

// Reconnect forces the channel to reconnect now.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	s.authRecoveries = 0
	s.mu.Unlock()
	return s.channel.Reconnect()
}

func (s *Session) run() {
	defer s.wg.Done()

	channelEvents := s.channel.Events()
	for {
		select {
		case ev, ok := <-channelEvents:
			if !ok {
				channelEvents = nil
				continue
			}
			s.handleChannelEvent(ev)

		case res := <-s.historyCh:
			s.applyHistory(res)

		case ev := <-s.signOutCh:
			s.logger.Warn().Err(ev.Reason).Msg("signed out")
			s.setError(ev.Reason)
			s.bus.Publish(events.Update{Kind: events.UpdateSignOut, ConversationID: s.opts.ConversationID, Err: ev.Reason, At: ev.At})

		case <-s.ctx.Done():
			return
		}
	}
}

// fetchHistory loads the conversation in the background. The request is not
// cancelled by Close; its result is dropped instead.
func (s *Session) fetchHistory(mode fetchMode) {
	ctx := context.WithoutCancel(s.ctx)
	go func() {
		history, err := s.api.GetConversation(ctx, s.opts.ConversationID)
		select {
		case s.historyCh <- historyResult{mode: mode, history: history, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) applyHistory(res historyResult) {
	if res.err != nil {
		s.logger.Warn().Err(res.err).Int("mode", int(res.mode)).Msg("history fetch failed")
		s.setError(res.err)
		s.publishError(res.err)
	} else {
		s.absorb(res.history)
	}

	switch res.mode {
	case fetchInitial:
		if res.err == nil {
			s.markRead()
		}
	case fetchCatchUp:
		if s.opts.MarkReadOnReconnect {
			s.tracker.ResetRead()
			s.markRead()
		}
	case fetchAuthRecovery:
		if errors.Is(res.err, domain.ErrSessionInvalid) {
			// Credentials are gone; the sign-out event tells the UI.
			return
		}
		if err := s.channel.Reconnect(); err != nil {
			s.logger.Debug().Err(err).Msg("reconnect after auth recovery failed")
		}
	}
}

// absorb seeds the timeline on first use and merges afterwards.
func (s *Session) absorb(history *domain.ConversationHistory) {
	if s.reconciler.Seed(history.Messages) {
		s.mu.Lock()
		conv := history.Conversation
		s.conversation = &conv
		s.historyLoaded = true
		s.mu.Unlock()
		s.logger.Info().Int("messages", len(history.Messages)).Msg("history loaded")
		s.publishTimeline()
		return
	}
	if s.reconciler.Merge(history.Messages...) > 0 {
		s.publishTimeline()
	}
}

func (s *Session) handleChannelEvent(ev socket.Event) {
	switch ev.Kind {
	case socket.EventState:
		s.bus.Publish(events.Update{Kind: events.UpdateState, ConversationID: s.opts.ConversationID, State: ev.State, Err: ev.Err})
		s.handleState(ev)

	case socket.EventMessage:
		msg := *ev.Message
		if msg.ConversationID != "" && msg.ConversationID != s.opts.ConversationID {
			s.logger.Debug().Str("message_id", msg.ID).Msg("ignoring message for another conversation")
			return
		}
		if s.reconciler.Merge(msg) > 0 {
			s.publishTimeline()
		}
		if msg.SenderRole == s.opts.Role.Other() {
			s.tracker.RemoteTyping(false)
		}

	case socket.EventTyping:
		s.tracker.RemoteTyping(ev.Typing.IsTyping)

	case socket.EventReadReceipt:
		if s.reconciler.ApplyReadReceipt(ev.ReadReceipt.MessageIDs, ev.ReadReceipt.Role) > 0 {
			s.publishTimeline()
		}

	case socket.EventError:
		s.setError(ev.Err)
		s.publishError(ev.Err)
	}
}

func (s *Session) handleState(ev socket.Event) {
	switch ev.State {
	case domain.ConnectionOpen:
		s.mu.Lock()
		s.authRecoveries = 0
		loaded := s.historyLoaded
		s.mu.Unlock()

		switch {
		case ev.Reconnected:
			// Frames sent while we were away are only in the REST history.
			s.fetchHistory(fetchCatchUp)
		case loaded && s.tracker.ReadPending():
			s.markRead()
		}

	case domain.ConnectionErrored:
		s.setError(ev.Err)
		if !errors.Is(ev.Err, socket.ErrHandshakeUnauthorized) {
			return
		}
		s.mu.Lock()
		retry := s.authRecoveries == 0
		if retry {
			s.authRecoveries++
		}
		s.mu.Unlock()
		if retry {
			// A REST call refreshes the token on 401; the channel then reconnects with it.
			s.logger.Info().Msg("handshake unauthorized, refreshing over REST")
			s.fetchHistory(fetchAuthRecovery)
		}
	}
}

func (s *Session) markRead() {
	sent, err := s.tracker.MarkRead(s.reconciler.Unread(s.opts.Role))
	if err != nil {
		s.logger.Debug().Err(err).Msg("read mark pending")
		return
	}
	if sent {
		s.logger.Debug().Msg("read mark sent")
	}
}

func (s *Session) remoteTypingChanged(isTyping bool) {
	s.bus.Publish(events.Update{Kind: events.UpdateTyping, ConversationID: s.opts.ConversationID, Typing: isTyping})
}

func (s *Session) publishTimeline() {
	s.bus.Publish(events.Update{Kind: events.UpdateTimeline, ConversationID: s.opts.ConversationID, Messages: s.reconciler.Messages()})
}

func (s *Session) publishError(err error) {
	s.bus.Publish(events.Update{Kind: events.UpdateError, ConversationID: s.opts.ConversationID, Err: err})
}

func (s *Session) setError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}
