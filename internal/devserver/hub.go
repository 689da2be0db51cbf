package devserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/convo/internal/domain"
	"github.com/xiaot623/gogo/convo/internal/logging"
)

// Connection represents a single WebSocket connection bound to a conversation.
type Connection struct {
	ID             string
	ConversationID string
	UserID         string
	Role           domain.Role
	Conn           *websocket.Conn
	Send           chan []byte
	mu             sync.Mutex
}

// Hub manages all WebSocket connections, grouped by conversation.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Conversations maps conversation_id to set of connection IDs
	conversations map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *conversationMessage
	done       chan struct{}

	mu     sync.RWMutex
	logger zerolog.Logger
}

type conversationMessage struct {
	ConversationID string
	ExceptID       string
	Data           []byte
}

// NewHub creates a new Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		connections:   make(map[string]*Connection),
		conversations: make(map[string]map[string]bool),
		register:      make(chan *Connection),
		unregister:    make(chan *Connection),
		broadcast:     make(chan *conversationMessage, 256),
		done:          make(chan struct{}),
		logger:        logging.Component(logger, "hub"),
	}
}

// Run starts the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if h.conversations[conn.ConversationID] == nil {
				h.conversations[conn.ConversationID] = make(map[string]bool)
			}
			h.conversations[conn.ConversationID][conn.ID] = true
			h.mu.Unlock()
			h.logger.Debug().Str("conn_id", conn.ID).Str("conversation_id", conn.ConversationID).Msg("connection registered")

		case conn := <-h.unregister:
			h.remove(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var full []*Connection
			for connID := range h.conversations[msg.ConversationID] {
				if connID == msg.ExceptID {
					continue
				}
				conn, exists := h.connections[connID]
				if !exists {
					continue
				}
				select {
				case conn.Send <- msg.Data:
				default:
					full = append(full, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range full {
				h.logger.Warn().Str("conn_id", conn.ID).Msg("connection buffer full, closing")
				h.remove(conn)
			}

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) remove(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[conn.ID]; !ok {
		return
	}
	delete(h.connections, conn.ID)
	if ids := h.conversations[conn.ConversationID]; ids != nil {
		delete(ids, conn.ID)
		if len(ids) == 0 {
			delete(h.conversations, conn.ConversationID)
		}
	}
	close(conn.Send)
	h.logger.Debug().Str("conn_id", conn.ID).Msg("connection unregistered")
}

// NewConnection creates a connection for a conversation participant.
func (h *Hub) NewConnection(ws *websocket.Conn, conversationID, userID string, role domain.Role) *Connection {
	return &Connection{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		Conn:           ws,
		Send:           make(chan []byte, 256),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Broadcast sends data to every connection of a conversation except exceptID.
func (h *Hub) Broadcast(conversationID, exceptID string, data []byte) {
	select {
	case h.broadcast <- &conversationMessage{
		ConversationID: conversationID,
		ExceptID:       exceptID,
		Data:           data,
	}:
	case <-h.done:
	}
}

// BroadcastJSON marshals v and broadcasts it.
func (h *Hub) BroadcastJSON(conversationID, exceptID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(conversationID, exceptID, data)
	return nil
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// ConversationConnections returns the number of connections bound to a conversation.
func (h *Hub) ConversationConnections(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conversations[conversationID])
}

// DropConversation closes every socket of a conversation without a close frame,
// as a network failure would.
func (h *Hub) DropConversation(conversationID string) int {
	h.mu.RLock()
	var conns []*Connection
	for connID := range h.conversations[conversationID] {
		if conn, ok := h.connections[connID]; ok {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
	return len(conns)
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
