package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/convo/internal/domain"
	"github.com/xiaot623/gogo/convo/internal/protocol"
)

type staticTokens string

func (s staticTokens) AccessToken(ctx context.Context) (string, error) {
	return string(s), nil
}

// wsServer is a scriptable WebSocket endpoint.
type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn

	mu       sync.Mutex
	reject   int
	dropNow  bool
	attempts []time.Time
	auth     []string
	convIDs  []string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *websocket.Conn, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.attempts = append(s.attempts, time.Now())
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.convIDs = append(s.convIDs, r.URL.Query().Get("conversation_id"))
	reject, dropNow := s.reject, s.dropNow
	s.mu.Unlock()

	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if dropNow {
		conn.Close()
		return
	}
	s.conns <- conn
}

func (s *wsServer) setReject(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = status
}

func (s *wsServer) attemptTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.attempts...)
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func newTestChannel(t *testing.T, s *wsServer) *Channel {
	t.Helper()
	ch := NewChannel(staticTokens("tok"), Options{
		URL:               s.url(),
		ConversationID:    "c1",
		ReconnectMinDelay: 10 * time.Millisecond,
		ReconnectMaxDelay: 40 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(func() { ch.Close() })
	return ch
}

func nextEvent(t *testing.T, ch *Channel) Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func waitState(t *testing.T, ch *Channel, state domain.ConnectionState) Event {
	t.Helper()
	for {
		ev := nextEvent(t, ch)
		if ev.Kind == EventState && ev.State == state {
			return ev
		}
	}
}

func pushFrame(t *testing.T, conn *websocket.Conn, frameType string, payload interface{}) {
	t.Helper()
	data, err := protocol.Encode(frameType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestChannelConnectsAndDecodesFrames(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s)
	assert.Equal(t, domain.ConnectionIdle, ch.State())

	require.NoError(t, ch.Connect())
	assert.Equal(t, domain.ConnectionConnecting, waitState(t, ch, domain.ConnectionConnecting).State)
	ev := waitState(t, ch, domain.ConnectionOpen)
	assert.False(t, ev.Reconnected)
	conn := s.accept(t)

	s.mu.Lock()
	assert.Equal(t, []string{"Bearer tok"}, s.auth)
	assert.Equal(t, []string{"c1"}, s.convIDs)
	s.mu.Unlock()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"presence","payload":{}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	pushFrame(t, conn, protocol.TypeMessage, domain.Message{ID: "m1", Text: "hello"})
	pushFrame(t, conn, protocol.TypeTyping, domain.Typing{IsTyping: true})
	pushFrame(t, conn, protocol.TypeReadReceipt, domain.ReadReceipt{MessageIDs: []string{"m1"}, Role: domain.RoleCounterpart})

	ev = nextEvent(t, ch)
	require.Equal(t, EventMessage, ev.Kind)
	assert.Equal(t, "hello", ev.Message.Text)

	ev = nextEvent(t, ch)
	require.Equal(t, EventTyping, ev.Kind)
	assert.True(t, ev.Typing.IsTyping)

	ev = nextEvent(t, ch)
	require.Equal(t, EventReadReceipt, ev.Kind)
	assert.Equal(t, []string{"m1"}, ev.ReadReceipt.MessageIDs)
	assert.Equal(t, domain.ConnectionOpen, ch.State())
}

func TestChannelOutboundRequiresOpen(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s)

	assert.ErrorIs(t, ch.SendMessage("early"), domain.ErrNotConnected)
	assert.ErrorIs(t, ch.SendTyping(true), domain.ErrNotConnected)
	assert.ErrorIs(t, ch.MarkRead(), domain.ErrNotConnected)

	require.NoError(t, ch.Connect())
	waitState(t, ch, domain.ConnectionOpen)
	conn := s.accept(t)

	require.NoError(t, ch.SendMessage("hi"))
	require.NoError(t, ch.SendTyping(true))
	require.NoError(t, ch.MarkRead())

	var frames []protocol.ClientFrame
	for i := 0; i < 3; i++ {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var f protocol.ClientFrame
		require.NoError(t, json.Unmarshal(data, &f))
		frames = append(frames, f)
	}
	assert.Equal(t, []protocol.ClientFrame{
		{Type: protocol.TypeMessage, Text: "hi"},
		{Type: protocol.TypeTyping, IsTyping: true},
		{Type: protocol.TypeReadReceipt},
	}, frames)
}

func TestChannelHandshakeUnauthorized(t *testing.T) {
	s := newWSServer(t)
	s.setReject(http.StatusUnauthorized)
	ch := newTestChannel(t, s)

	require.NoError(t, ch.Connect())
	ev := waitState(t, ch, domain.ConnectionErrored)
	assert.ErrorIs(t, ev.Err, ErrHandshakeUnauthorized)

	// No retry without an explicit reconnect.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, s.attemptTimes(), 1)
	assert.Equal(t, domain.ConnectionErrored, ch.State())

	s.setReject(0)
	require.NoError(t, ch.Reconnect())
	waitState(t, ch, domain.ConnectionOpen)
	assert.Len(t, s.attemptTimes(), 2)
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s)

	require.NoError(t, ch.Connect())
	waitState(t, ch, domain.ConnectionOpen)
	conn := s.accept(t)

	conn.Close()

	waitState(t, ch, domain.ConnectionReconnecting)
	ev := waitState(t, ch, domain.ConnectionOpen)
	assert.True(t, ev.Reconnected)
	s.accept(t)
	assert.Len(t, s.attemptTimes(), 2)
}

func TestChannelManualReconnectWhileOpen(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s)

	require.NoError(t, ch.Connect())
	waitState(t, ch, domain.ConnectionOpen)
	s.accept(t)

	require.NoError(t, ch.Reconnect())

	waitState(t, ch, domain.ConnectionConnecting)
	ev := waitState(t, ch, domain.ConnectionOpen)
	assert.True(t, ev.Reconnected)
	s.accept(t)
}

func TestChannelBacksOffBetweenFailures(t *testing.T) {
	s := newWSServer(t)
	s.setReject(http.StatusServiceUnavailable)
	ch := newTestChannel(t, s)
	go func() {
		for range ch.Events() {
		}
	}()

	require.NoError(t, ch.Connect())
	require.Eventually(t, func() bool { return len(s.attemptTimes()) >= 5 }, 3*time.Second, 5*time.Millisecond)

	times := s.attemptTimes()
	first := times[1].Sub(times[0])
	last := times[4].Sub(times[3])
	assert.GreaterOrEqual(t, first, 10*time.Millisecond)
	assert.GreaterOrEqual(t, last, 35*time.Millisecond)
	assert.Greater(t, last, first)
}

func TestChannelBacksOffWhenServerDropsAtOnce(t *testing.T) {
	s := newWSServer(t)
	s.mu.Lock()
	s.dropNow = true
	s.mu.Unlock()

	ch := NewChannel(staticTokens("tok"), Options{
		URL:               s.url(),
		ConversationID:    "c1",
		ReconnectMinDelay: 10 * time.Millisecond,
		ReconnectMaxDelay: time.Second,
		StableAfter:       time.Hour,
	}, zerolog.Nop())
	t.Cleanup(func() { ch.Close() })
	go func() {
		for range ch.Events() {
		}
	}()

	require.NoError(t, ch.Connect())
	require.Eventually(t, func() bool { return len(s.attemptTimes()) >= 5 }, 3*time.Second, 5*time.Millisecond)

	// Every attempt opened, yet the delays keep growing: 10, 20, 40, 80ms.
	times := s.attemptTimes()
	assert.GreaterOrEqual(t, times[4].Sub(times[3]), 60*time.Millisecond)
}

func TestChannelReconnectResetsBackoff(t *testing.T) {
	s := newWSServer(t)
	s.setReject(http.StatusServiceUnavailable)
	ch := NewChannel(staticTokens("tok"), Options{
		URL:               s.url(),
		ConversationID:    "c1",
		ReconnectMinDelay: 10 * time.Millisecond,
		ReconnectMaxDelay: time.Second,
	}, zerolog.Nop())
	t.Cleanup(func() { ch.Close() })
	go func() {
		for range ch.Events() {
		}
	}()

	require.NoError(t, ch.Connect())
	// Gaps so far are 10, 20, 40 and 80ms; the channel now waits 160ms.
	require.Eventually(t, func() bool { return len(s.attemptTimes()) >= 5 }, 3*time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	reconnectAt := time.Now()
	require.NoError(t, ch.Reconnect())

	var after []time.Time
	require.Eventually(t, func() bool {
		after = after[:0]
		for _, at := range s.attemptTimes() {
			if at.After(reconnectAt) {
				after = append(after, at)
			}
		}
		return len(after) >= 2
	}, 3*time.Second, 2*time.Millisecond)

	assert.Less(t, after[0].Sub(reconnectAt), 60*time.Millisecond, "manual attempt is immediate")
	// Without the reset the next automatic gap would be 320ms.
	assert.Less(t, after[1].Sub(after[0]), 100*time.Millisecond)
}

func TestChannelCloseIsTerminal(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s)

	require.NoError(t, ch.Connect())
	waitState(t, ch, domain.ConnectionOpen)
	s.accept(t)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	var last Event
	for ev := range ch.Events() {
		last = ev
	}
	assert.Equal(t, domain.ConnectionClosed, last.State)
	assert.Equal(t, domain.ConnectionClosed, ch.State())

	err := ch.SendMessage("late")
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
	assert.ErrorIs(t, ch.Connect(), domain.ErrChannelClosed)
	assert.ErrorIs(t, ch.Reconnect(), domain.ErrChannelClosed)
}

func TestChannelCloseBeforeConnect(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(t, s)

	require.NoError(t, ch.Close())

	_, ok := <-ch.Events()
	assert.True(t, ok)
	_, ok = <-ch.Events()
	assert.False(t, ok)
	assert.Empty(t, s.attemptTimes())
}
