package signals

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu      sync.Mutex
	typing  []bool
	reads   int
	readErr error
}

func (s *recordingSender) SendTyping(isTyping bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, isTyping)
	return nil
}

func (s *recordingSender) MarkRead() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return s.readErr
	}
	s.reads++
	return nil
}

func (s *recordingSender) sentTyping() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.typing...)
}

func (s *recordingSender) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func newTestTracker(sender Sender, opts Options) *Tracker {
	return NewTracker(sender, opts, zerolog.Nop())
}

func TestRapidKeystrokesSendOneStart(t *testing.T) {
	sender := &recordingSender{}
	tr := newTestTracker(sender, Options{IdleTimeout: 80 * time.Millisecond})
	defer tr.Close()

	for _, text := range []string{"h", "he", "hel", "hell", "hello"} {
		tr.InputChanged(text)
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, []bool{true}, sender.sentTyping())
	assert.True(t, tr.LocalTyping())

	assert.Eventually(t, func() bool {
		return len(sender.sentTyping()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []bool{true, false}, sender.sentTyping())
	assert.False(t, tr.LocalTyping())

	// Silence stays silent.
	time.Sleep(120 * time.Millisecond)
	assert.Len(t, sender.sentTyping(), 2)
}

func TestStaleIdleCallbackKeepsTyping(t *testing.T) {
	sender := &recordingSender{}
	tr := newTestTracker(sender, Options{IdleTimeout: time.Hour})
	defer tr.Close()

	tr.InputChanged("h")
	startedAt := tr.LastSentAt()
	require.False(t, startedAt.IsZero())

	tr.mu.Lock()
	stale := tr.idleGen
	tr.mu.Unlock()

	// A keystroke re-arms the timer; the old callback may already be waiting on the lock.
	tr.InputChanged("he")
	tr.idleExpired(stale)

	assert.True(t, tr.LocalTyping())
	assert.Equal(t, []bool{true}, sender.sentTyping())
	assert.Equal(t, startedAt, tr.LastSentAt())

	tr.mu.Lock()
	current := tr.idleGen
	tr.mu.Unlock()
	tr.idleExpired(current)

	assert.False(t, tr.LocalTyping())
	assert.Equal(t, []bool{true, false}, sender.sentTyping())
	assert.False(t, tr.LastSentAt().Before(startedAt))
}

func TestMessageSentStopsTyping(t *testing.T) {
	sender := &recordingSender{}
	tr := newTestTracker(sender, Options{IdleTimeout: time.Hour})
	defer tr.Close()

	tr.InputChanged("hi")
	tr.MessageSent()
	tr.MessageSent()

	assert.Equal(t, []bool{true, false}, sender.sentTyping())

	tr.InputChanged("next")
	assert.Equal(t, []bool{true, false, true}, sender.sentTyping())
}

func TestClearingInputStopsTyping(t *testing.T) {
	sender := &recordingSender{}
	tr := newTestTracker(sender, Options{IdleTimeout: time.Hour})
	defer tr.Close()

	tr.InputChanged("  ")
	assert.Empty(t, sender.sentTyping())

	tr.InputChanged("a")
	tr.InputChanged("")
	assert.Equal(t, []bool{true, false}, sender.sentTyping())
}

type failingTypingSender struct {
	recordingSender
	fail bool
}

func (s *failingTypingSender) SendTyping(isTyping bool) error {
	if s.fail {
		return errors.New("not connected")
	}
	return s.recordingSender.SendTyping(isTyping)
}

func TestTypingStartRetriedAfterFailure(t *testing.T) {
	sender := &failingTypingSender{fail: true}
	tr := newTestTracker(sender, Options{IdleTimeout: time.Hour})
	defer tr.Close()

	tr.InputChanged("a")
	assert.False(t, tr.LocalTyping())

	sender.fail = false
	tr.InputChanged("ab")
	assert.True(t, tr.LocalTyping())
	assert.Equal(t, []bool{true}, sender.sentTyping())
}

func TestRemoteTypingExpires(t *testing.T) {
	var mu sync.Mutex
	var changes []bool
	tr := newTestTracker(&recordingSender{}, Options{
		RemoteTTL: 100 * time.Millisecond,
		OnRemoteTyping: func(isTyping bool) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, isTyping)
		},
	})
	defer tr.Close()

	tr.RemoteTyping(true)
	assert.True(t, tr.RemoteIsTyping())

	// A refresh inside the window keeps the flag up.
	time.Sleep(50 * time.Millisecond)
	tr.RemoteTyping(true)
	time.Sleep(60 * time.Millisecond)
	assert.True(t, tr.RemoteIsTyping())

	assert.Eventually(t, func() bool { return !tr.RemoteIsTyping() }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, changes)
}

func TestRemoteTypingExplicitStop(t *testing.T) {
	tr := newTestTracker(&recordingSender{}, Options{RemoteTTL: time.Hour})
	defer tr.Close()

	tr.RemoteTyping(true)
	tr.RemoteTyping(false)
	assert.False(t, tr.RemoteIsTyping())
}

func TestMarkReadIsIdempotent(t *testing.T) {
	sender := &recordingSender{}
	tr := newTestTracker(sender, Options{})
	defer tr.Close()

	sent, err := tr.MarkRead(nil)
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = tr.MarkRead([]string{"m1", "m2"})
	require.NoError(t, err)
	assert.True(t, sent)

	sent, _ = tr.MarkRead([]string{"m1", "m2"})
	assert.False(t, sent)
	sent, _ = tr.MarkRead([]string{"m2", "m3"})
	assert.True(t, sent)
	assert.Equal(t, 2, sender.readCount())

	tr.ResetRead()
	sent, _ = tr.MarkRead([]string{"m3"})
	assert.True(t, sent)
	assert.Equal(t, 3, sender.readCount())
}

func TestMarkReadPendingOnFailure(t *testing.T) {
	sender := &recordingSender{readErr: errors.New("not connected")}
	tr := newTestTracker(sender, Options{})
	defer tr.Close()

	sent, err := tr.MarkRead([]string{"m1"})
	assert.Error(t, err)
	assert.False(t, sent)
	assert.True(t, tr.ReadPending())

	sender.mu.Lock()
	sender.readErr = nil
	sender.mu.Unlock()

	sent, err = tr.MarkRead([]string{"m1"})
	require.NoError(t, err)
	assert.True(t, sent)
	assert.False(t, tr.ReadPending())
}

func TestCloseStopsTimers(t *testing.T) {
	sender := &recordingSender{}
	tr := newTestTracker(sender, Options{IdleTimeout: 20 * time.Millisecond})

	tr.InputChanged("a")
	tr.Close()
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, []bool{true}, sender.sentTyping())
	tr.InputChanged("b")
	assert.Len(t, sender.sentTyping(), 1)
}
