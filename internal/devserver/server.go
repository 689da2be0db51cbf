// Package devserver is an in-process conversation backend for local runs and tests.
// It issues tokens, serves conversation history over REST, and pushes frames over WebSocket.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/convo/internal/apiclient"
	"github.com/xiaot623/gogo/convo/internal/config"
	"github.com/xiaot623/gogo/convo/internal/domain"
	"github.com/xiaot623/gogo/convo/internal/logging"
	"github.com/xiaot623/gogo/convo/internal/protocol"
)

// ErrNotParticipant is returned when a user is not part of the conversation.
var ErrNotParticipant = errors.New("user is not a participant of the conversation")

const userIDKey = "user_id"

// Server is the dev server's HTTP and WebSocket front end.
type Server struct {
	echo     *echo.Echo
	cfg      *config.ServerConfig
	store    *Store
	tokens   *Tokens
	hub      *Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer creates a new dev server.
func NewServer(cfg *config.ServerConfig, store *Store, tokens *Tokens, hub *Hub, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		cfg:    cfg,
		store:  store,
		tokens: tokens,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Dev server accepts any origin
				return true
			},
		},
		logger: logging.Component(logger, "devserver"),
	}

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug().Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())

	// Register routes
	e.GET("/health", s.handleHealth)
	e.GET("/ws", s.handleWebSocket)

	api := e.Group(cfg.APIPrefix)
	api.POST(apiclient.PathLogin, s.handleLogin)
	api.POST("/auth/refresh", s.handleRefresh)

	authed := api.Group("", s.requireBearer)
	authed.GET("/conversations/service-request/:id", s.handleFindByServiceRequest)
	authed.GET("/conversations/:id", s.handleGetConversation)
	authed.POST("/conversations/:id/messages", s.handleSendMessage)

	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Tokens returns the token issuer.
func (s *Server) Tokens() *Tokens {
	return s.tokens
}

// Store returns the conversation store.
func (s *Server) Store() *Store {
	return s.store
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}

// requireBearer rejects requests without a valid access token.
func (s *Server) requireBearer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := s.tokens.Authenticate(bearerToken(c.Request()))
		if !ok {
			return errorJSON(c, http.StatusUnauthorized, "invalid or expired access token")
		}
		c.Set(userIDKey, userID)
		return next(c)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": s.hub.ConnectionCount(),
	})
}

func (s *Server) handleLogin(c echo.Context) error {
	var req apiclient.LoginRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	creds, user, err := s.tokens.Login(req.Email, req.Password)
	if err != nil {
		return errorJSON(c, http.StatusUnauthorized, err.Error())
	}
	return c.JSON(http.StatusOK, apiclient.LoginResponse{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		UserID:       user.ID,
	})
}

func (s *Server) handleRefresh(c echo.Context) error {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	creds, ok := s.tokens.Refresh(req.RefreshToken)
	if !ok {
		return errorJSON(c, http.StatusUnauthorized, "invalid refresh token")
	}
	return c.JSON(http.StatusOK, creds)
}

// participant loads the conversation and the caller's role in it.
func (s *Server) participant(ctx context.Context, conversationID, userID string) (*domain.Conversation, domain.Role, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, "", err
	}
	if conv == nil {
		return nil, "", domain.ErrNotFound
	}
	switch userID {
	case conv.InitiatorID:
		return conv, domain.RoleInitiator, nil
	case conv.CounterpartID:
		return conv, domain.RoleCounterpart, nil
	}
	return nil, "", ErrNotParticipant
}

func (s *Server) participantError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, "conversation not found")
	case errors.Is(err, ErrNotParticipant):
		return errorJSON(c, http.StatusForbidden, err.Error())
	}
	s.logger.Error().Err(err).Msg("failed to load conversation")
	return errorJSON(c, http.StatusInternalServerError, "failed to load conversation")
}

func (s *Server) handleGetConversation(c echo.Context) error {
	ctx := c.Request().Context()
	conv, _, err := s.participant(ctx, c.Param("id"), c.Get(userIDKey).(string))
	if err != nil {
		return s.participantError(c, err)
	}

	messages, err := s.store.GetMessages(ctx, conv.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load messages")
		return errorJSON(c, http.StatusInternalServerError, "failed to load messages")
	}
	return c.JSON(http.StatusOK, domain.ConversationHistory{Conversation: *conv, Messages: messages})
}

func (s *Server) handleFindByServiceRequest(c echo.Context) error {
	ctx := c.Request().Context()
	conv, err := s.store.FindByServiceRequest(ctx, c.Param("id"))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to look up service request")
		return errorJSON(c, http.StatusInternalServerError, "failed to look up service request")
	}
	if conv == nil {
		return errorJSON(c, http.StatusNotFound, "no conversation for service request")
	}
	userID := c.Get(userIDKey).(string)
	if userID != conv.InitiatorID && userID != conv.CounterpartID {
		return errorJSON(c, http.StatusForbidden, ErrNotParticipant.Error())
	}
	return c.JSON(http.StatusOK, conv)
}

func (s *Server) handleSendMessage(c echo.Context) error {
	var req apiclient.SendMessageRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		return errorJSON(c, http.StatusBadRequest, "text is required")
	}

	msg, err := s.PostMessage(c.Request().Context(), c.Param("id"), c.Get(userIDKey).(string), req.Text)
	if err != nil {
		return s.participantError(c, err)
	}
	return c.JSON(http.StatusCreated, msg)
}

// PostMessage stores a message from senderID and pushes it to the conversation's sockets.
func (s *Server) PostMessage(ctx context.Context, conversationID, senderID, text string) (*domain.Message, error) {
	_, role, err := s.participant(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ID:             "msg_" + uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderRole:     role,
		Text:           text,
		Timestamp:      time.Now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	if err := s.push(conversationID, "", protocol.TypeMessage, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// PushTyping pushes a typing frame from senderID.
func (s *Server) PushTyping(conversationID, senderID string, isTyping bool) error {
	return s.push(conversationID, "", protocol.TypeTyping, domain.Typing{SenderID: senderID, IsTyping: isTyping})
}

// MarkRead marks the conversation read for userID and pushes the receipt.
func (s *Server) MarkRead(ctx context.Context, conversationID, userID string) ([]string, error) {
	_, role, err := s.participant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	ids, err := s.store.MarkRead(ctx, conversationID, role)
	if err != nil {
		return nil, fmt.Errorf("failed to mark read: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	receipt := domain.ReadReceipt{ConversationID: conversationID, MessageIDs: ids, Role: role}
	return ids, s.push(conversationID, "", protocol.TypeReadReceipt, receipt)
}

func (s *Server) push(conversationID, exceptConnID, frameType string, payload interface{}) error {
	data, err := protocol.Encode(frameType, payload)
	if err != nil {
		return err
	}
	s.hub.Broadcast(conversationID, exceptConnID, data)
	return nil
}

// handleWebSocket authenticates the handshake, then upgrades.
func (s *Server) handleWebSocket(c echo.Context) error {
	userID, ok := s.tokens.Authenticate(bearerToken(c.Request()))
	if !ok {
		return errorJSON(c, http.StatusUnauthorized, "invalid or expired access token")
	}

	conv, role, err := s.participant(c.Request().Context(), c.QueryParam("conversation_id"), userID)
	if err != nil {
		return s.participantError(c, err)
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade websocket")
		return nil
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	conn := s.hub.NewConnection(ws, conv.ID, userID, role)
	s.hub.Register(conn)

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// readPump reads frames from the WebSocket connection.
func (s *Server) readPump(conn *Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("websocket read error")
			}
			return
		}
		s.handleFrame(conn, data)
	}
}

// writePump writes queued frames and pings to the WebSocket connection.
func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("failed to write frame")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame dispatches a client frame.
func (s *Server) handleFrame(conn *Connection, data []byte) {
	var frame protocol.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("invalid client frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch frame.Type {
	case protocol.TypeMessage:
		if strings.TrimSpace(frame.Text) == "" {
			return
		}
		if _, err := s.PostMessage(ctx, conn.ConversationID, conn.UserID, frame.Text); err != nil {
			s.logger.Error().Err(err).Msg("failed to post message")
		}
	case protocol.TypeTyping:
		typing := domain.Typing{SenderID: conn.UserID, IsTyping: frame.IsTyping}
		if err := s.push(conn.ConversationID, conn.ID, protocol.TypeTyping, typing); err != nil {
			s.logger.Error().Err(err).Msg("failed to push typing")
		}
	case protocol.TypeReadReceipt:
		if _, err := s.MarkRead(ctx, conn.ConversationID, conn.UserID); err != nil {
			s.logger.Error().Err(err).Msg("failed to mark read")
		}
	default:
		s.logger.Debug().Str("type", frame.Type).Msg("ignoring client frame")
	}
}
