// Package socket provides the per-conversation push channel: a WebSocket connection
// with a state machine, backoff reconnection, and typed inbound events.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/convo/internal/config"
	"github.com/xiaot623/gogo/convo/internal/domain"
	"github.com/xiaot623/gogo/convo/internal/logging"
	"github.com/xiaot623/gogo/convo/internal/protocol"
)

// ErrHandshakeUnauthorized is reported when the server rejects the access token at connect time.
// The channel does not refresh on its own; the caller refreshes over REST and calls Reconnect.
var ErrHandshakeUnauthorized = errors.New("socket handshake unauthorized")

// TokenSource supplies the access token for the handshake.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// EventKind identifies the payload of an Event.
type EventKind string

const (
	EventState       EventKind = "state"
	EventMessage     EventKind = "message"
	EventTyping      EventKind = "typing"
	EventReadReceipt EventKind = "read_receipt"
	EventError       EventKind = "error"
)

// Event is delivered on the channel's event stream in arrival order.
type Event struct {
	Kind  EventKind
	State domain.ConnectionState
	// Reconnected is set on an Open state event that follows an earlier Open.
	Reconnected bool
	Err         error

	Message     *domain.Message
	Typing      *domain.Typing
	ReadReceipt *domain.ReadReceipt
}

// Options configures a Channel.
type Options struct {
	URL            string
	ConversationID string

	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	ReconnectMinDelay  time.Duration
	ReconnectMaxDelay  time.Duration
	ReconnectPerSecond float64
	// StableAfter is how long a connection must stay open before the backoff
	// resets. Defaults to PingInterval.
	StableAfter time.Duration

	EventBuffer int
	Dialer      *websocket.Dialer
}

// OptionsFromConfig builds channel options for conversationID.
func OptionsFromConfig(cfg *config.Config, conversationID string) Options {
	return Options{
		URL:                cfg.WSURL,
		ConversationID:     conversationID,
		PingInterval:       cfg.PingInterval,
		WriteTimeout:       cfg.WriteTimeout,
		ReadTimeout:        cfg.ReadTimeout,
		MaxMessageSize:     cfg.MaxMessageSize,
		ReconnectMinDelay:  cfg.ReconnectMinDelay,
		ReconnectMaxDelay:  cfg.ReconnectMaxDelay,
		ReconnectPerSecond: cfg.ReconnectPerSecond,
	}
}

func (o *Options) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 65536
	}
	if o.ReconnectMinDelay <= 0 {
		o.ReconnectMinDelay = time.Second
	}
	if o.ReconnectMaxDelay < o.ReconnectMinDelay {
		o.ReconnectMaxDelay = o.ReconnectMinDelay
	}
	if o.StableAfter <= 0 {
		o.StableAfter = o.PingInterval
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Channel is a persistent push connection for one conversation.
//
// States move Idle → Connecting → Open → Reconnecting → Connecting ... until Close,
// which is terminal. A rejected handshake parks the channel in Errored until Reconnect.
type Channel struct {
	opts   Options
	tokens TokenSource
	logger zerolog.Logger
	policy *ReconnectPolicy

	events      chan Event
	reconnectCh chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once

	mu      sync.RWMutex
	state   domain.ConnectionState
	conn    *websocket.Conn
	started bool
	opened  bool

	writeMu sync.Mutex
}

// NewChannel creates an idle channel. Call Connect to start it.
func NewChannel(tokens TokenSource, opts Options, logger zerolog.Logger) *Channel {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		opts:        opts,
		tokens:      tokens,
		logger:      logging.Component(logger, "socket").With().Str("conversation_id", opts.ConversationID).Logger(),
		policy:      NewReconnectPolicy(opts.ReconnectMinDelay, opts.ReconnectMaxDelay, opts.ReconnectPerSecond),
		events:      make(chan Event, opts.EventBuffer),
		reconnectCh: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		state:       domain.ConnectionIdle,
	}
}

// Events returns the inbound event stream. It is closed after Close.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Channel) State() domain.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect starts the connection manager. Calling it again is a no-op.
func (c *Channel) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return domain.ErrChannelClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	c.wg.Add(1)
	go c.run()
	return nil
}

// Reconnect resets the backoff and forces an immediate connection attempt,
// dropping the current connection if there is one.
func (c *Channel) Reconnect() error {
	c.mu.RLock()
	state, started := c.state, c.started
	c.mu.RUnlock()

	if state.Terminal() {
		return domain.ErrChannelClosed
	}
	if !started {
		return c.Connect()
	}
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
	return nil
}

// Close shuts the channel down from any state. The event stream is closed once
// all goroutines have exited.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = domain.ConnectionClosed
		c.mu.Unlock()

		c.cancel()
		c.wg.Wait()

		select {
		case c.events <- Event{Kind: EventState, State: domain.ConnectionClosed}:
		default:
		}
		close(c.events)
		c.logger.Debug().Msg("channel closed")
	})
	return nil
}

// SendMessage posts text over the channel.
func (c *Channel) SendMessage(text string) error {
	return c.writeJSON(protocol.NewSendMessage(text))
}

// SendTyping sends a typing transition.
func (c *Channel) SendTyping(isTyping bool) error {
	return c.writeJSON(protocol.NewTyping(isTyping))
}

// MarkRead tells the server the conversation has been read.
func (c *Channel) MarkRead() error {
	return c.writeJSON(protocol.NewReadReceipt())
}

func (c *Channel) writeJSON(v interface{}) error {
	c.mu.RLock()
	state, conn := c.state, c.conn
	c.mu.RUnlock()

	if state.Terminal() {
		return fmt.Errorf("%w: %w", domain.ErrNotConnected, domain.ErrChannelClosed)
	}
	if state != domain.ConnectionOpen || conn == nil {
		return domain.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		conn.Close()
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// run is the connection manager. It owns dialing, backoff, and the serve loop.
func (c *Channel) run() {
	defer c.wg.Done()

	immediate, manual := true, false
	for {
		if !immediate {
			delay := c.policy.Next()
			c.setState(domain.ConnectionReconnecting, nil)
			c.logger.Debug().Dur("delay", delay).Msg("reconnecting after delay")

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-c.reconnectCh:
				timer.Stop()
				c.policy.Reset()
				manual = true
			case <-c.ctx.Done():
				timer.Stop()
				return
			}
		}
		immediate = false

		// Manual reconnects bypass the frequency cap.
		if !manual {
			if err := c.policy.Wait(c.ctx); err != nil {
				return
			}
		}
		manual = false

		// A reconnect requested before this attempt is satisfied by it.
		select {
		case <-c.reconnectCh:
		default:
		}

		c.setState(domain.ConnectionConnecting, nil)
		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrHandshakeUnauthorized) {
				c.logger.Warn().Err(err).Msg("handshake rejected")
				c.setState(domain.ConnectionErrored, err)
				select {
				case <-c.reconnectCh:
					c.policy.Reset()
					immediate, manual = true, true
					continue
				case <-c.ctx.Done():
					return
				}
			}
			c.logger.Warn().Err(err).Msg("connection attempt failed")
			c.emit(Event{Kind: EventError, Err: err})
			continue
		}

		if c.serve(conn) {
			immediate, manual = true, true
		}
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	token, err := c.tokens.AccessToken(c.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read access token: %w", err)
	}

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid socket url: %w", err)
	}
	q := u.Query()
	q.Set("conversation_id", c.opts.ConversationID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := c.opts.Dialer.DialContext(c.ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %w", ErrHandshakeUnauthorized, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

// serve runs one live connection until it drops. It reports whether a manual
// reconnect ended it.
func (c *Channel) serve(conn *websocket.Conn) bool {
	c.mu.Lock()
	c.conn = conn
	reconnected := c.opened
	c.opened = true
	c.mu.Unlock()

	c.setOpen(reconnected)
	c.logger.Info().Bool("reconnected", reconnected).Msg("channel open")

	readDone := make(chan error, 1)
	go c.readPump(conn, readDone)

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	// A server that accepts and drops at once keeps backing off.
	stable := time.NewTimer(c.opts.StableAfter)
	defer stable.Stop()

	for {
		select {
		case <-stable.C:
			c.policy.Reset()
		case err := <-readDone:
			c.logger.Info().Err(err).Msg("connection lost")
			c.dropConn(conn, false)
			return false
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				conn.Close()
			}
		case <-c.reconnectCh:
			c.policy.Reset()
			c.dropConn(conn, true)
			<-readDone
			return true
		case <-c.ctx.Done():
			c.dropConn(conn, true)
			<-readDone
			return false
		}
	}
}

func (c *Channel) dropConn(conn *websocket.Conn, graceful bool) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	if graceful {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteTimeout))
		c.writeMu.Unlock()
	}
	conn.Close()
}

// readPump decodes inbound frames in arrival order.
func (c *Channel) readPump(conn *websocket.Conn, done chan<- error) {
	conn.SetReadLimit(c.opts.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			done <- err
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		in, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				c.logger.Debug().Err(err).Msg("ignoring frame")
			} else {
				c.logger.Warn().Err(err).Msg("dropping malformed frame")
			}
			continue
		}

		switch {
		case in.Message != nil:
			c.emit(Event{Kind: EventMessage, Message: in.Message})
		case in.Typing != nil:
			c.emit(Event{Kind: EventTyping, Typing: in.Typing})
		case in.ReadReceipt != nil:
			c.emit(Event{Kind: EventReadReceipt, ReadReceipt: in.ReadReceipt})
		}
	}
}

func (c *Channel) setOpen(reconnected bool) {
	c.transition(Event{Kind: EventState, State: domain.ConnectionOpen, Reconnected: reconnected})
}

func (c *Channel) setState(state domain.ConnectionState, err error) {
	c.transition(Event{Kind: EventState, State: state, Err: err})
}

func (c *Channel) transition(ev Event) {
	c.mu.Lock()
	if c.state.Terminal() || (c.state == ev.State && ev.Err == nil) {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = ev.State
	c.mu.Unlock()

	c.logger.Debug().Str("from", string(prev)).Str("to", string(ev.State)).Msg("state change")
	c.emit(ev)
}

// emit blocks until the event is consumed or the channel is closing.
func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}
