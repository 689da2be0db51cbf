// Package signals tracks typing indicators and read marks for one conversation.
package signals

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/convo/internal/logging"
)

// Sender delivers outbound signals, typically over the socket channel.
type Sender interface {
	SendTyping(isTyping bool) error
	MarkRead() error
}

// Tracker debounces local typing, expires remote typing, and deduplicates read marks.
type Tracker struct {
	sender   Sender
	idle     time.Duration
	ttl      time.Duration
	onRemote func(isTyping bool)
	logger   zerolog.Logger

	mu          sync.Mutex
	closed      bool
	localTyping bool
	lastSentAt  time.Time
	idleTimer   *time.Timer
	idleGen     uint64

	remoteTyping  bool
	remoteExpires time.Time
	remoteTimer   *time.Timer

	marked      map[string]struct{}
	readPending bool
}

// Options configures a Tracker.
type Options struct {
	// IdleTimeout is the inactivity after which typing=false is sent.
	IdleTimeout time.Duration
	// RemoteTTL is how long a remote typing=true stays visible without a refresh.
	RemoteTTL time.Duration
	// OnRemoteTyping is called whenever the remote typing flag changes.
	OnRemoteTyping func(isTyping bool)
}

// NewTracker creates a tracker sending through sender.
func NewTracker(sender Sender, opts Options, logger zerolog.Logger) *Tracker {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 2 * time.Second
	}
	if opts.RemoteTTL <= 0 {
		opts.RemoteTTL = 5 * time.Second
	}
	return &Tracker{
		sender:   sender,
		idle:     opts.IdleTimeout,
		ttl:      opts.RemoteTTL,
		onRemote: opts.OnRemoteTyping,
		logger:   logging.Component(logger, "signals"),
		marked:   make(map[string]struct{}),
	}
}

// InputChanged reacts to a change of the local text input. Only transitions are sent:
// the first non-empty change sends typing=true, further changes just push back the idle timeout.
func (t *Tracker) InputChanged(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	if strings.TrimSpace(text) == "" {
		t.stopLocalLocked()
		return
	}

	if !t.localTyping {
		if err := t.sender.SendTyping(true); err != nil {
			t.logger.Debug().Err(err).Msg("typing start not sent")
			return
		}
		t.localTyping = true
		t.lastSentAt = time.Now()
	}

	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleGen++
	gen := t.idleGen
	t.idleTimer = time.AfterFunc(t.idle, func() { t.idleExpired(gen) })
}

// MessageSent ends the local typing state after an explicit send.
func (t *Tracker) MessageSent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.stopLocalLocked()
}

// LocalTyping reports whether typing=true is the last transition sent.
func (t *Tracker) LocalTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localTyping
}

// LastSentAt returns when the last typing transition was sent.
func (t *Tracker) LastSentAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSentAt
}

// idleExpired runs on the timer armed as generation gen. Stop cannot recall a
// callback that already fired, so a stale generation is ignored here.
func (t *Tracker) idleExpired(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || gen != t.idleGen {
		return
	}
	t.stopLocalLocked()
}

// stopLocalLocked must be called with mu held.
func (t *Tracker) stopLocalLocked() {
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	t.idleGen++
	if !t.localTyping {
		return
	}
	t.localTyping = false
	t.lastSentAt = time.Now()
	if err := t.sender.SendTyping(false); err != nil {
		t.logger.Debug().Err(err).Msg("typing stop not sent")
	}
}

// RemoteTyping applies an inbound typing frame. typing=true (re)arms the expiry timer,
// so the flag clears even if the matching typing=false frame never arrives.
func (t *Tracker) RemoteTyping(isTyping bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.remoteTimer != nil {
		t.remoteTimer.Stop()
		t.remoteTimer = nil
	}
	changed := t.remoteTyping != isTyping
	t.remoteTyping = isTyping
	if isTyping {
		t.remoteExpires = time.Now().Add(t.ttl)
		t.remoteTimer = time.AfterFunc(t.ttl, t.remoteExpired)
	} else {
		t.remoteExpires = time.Time{}
	}
	t.mu.Unlock()

	if changed {
		t.notifyRemote(isTyping)
	}
}

// RemoteIsTyping reports the current remote typing flag.
func (t *Tracker) RemoteIsTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteTyping
}

func (t *Tracker) remoteExpired() {
	t.mu.Lock()
	if t.closed || !t.remoteTyping || time.Now().Before(t.remoteExpires) {
		t.mu.Unlock()
		return
	}
	t.remoteTyping = false
	t.remoteTimer = nil
	t.mu.Unlock()

	t.notifyRemote(false)
}

func (t *Tracker) notifyRemote(isTyping bool) {
	if t.onRemote != nil {
		t.onRemote(isTyping)
	}
}

// MarkRead marks the conversation read when unread contains ids not already covered
// by a previous successful mark. It reports whether a read mark was sent. A failed
// send leaves the mark pending.
func (t *Tracker) MarkRead(unread []string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, nil
	}

	fresh := false
	for _, id := range unread {
		if _, ok := t.marked[id]; !ok {
			fresh = true
			break
		}
	}
	if !fresh {
		t.readPending = false
		return false, nil
	}

	if err := t.sender.MarkRead(); err != nil {
		t.readPending = true
		return false, err
	}
	for _, id := range unread {
		t.marked[id] = struct{}{}
	}
	t.readPending = false
	return true, nil
}

// ReadPending reports whether a read mark failed and should be retried.
func (t *Tracker) ReadPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readPending
}

// ResetRead forgets previously marked ids so the next MarkRead re-sends.
// Used after a reconnect, when the server may have missed the earlier mark.
func (t *Tracker) ResetRead() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marked = make(map[string]struct{})
}

// Close stops all timers. Later calls are no-ops.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	if t.remoteTimer != nil {
		t.remoteTimer.Stop()
		t.remoteTimer = nil
	}
}
