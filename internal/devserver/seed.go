package devserver

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/convo/internal/config"
	"github.com/xiaot623/gogo/convo/internal/domain"
)

// Demo fixture identifiers.
const (
	DemoConversationID   = "conv_demo"
	DemoServiceRequestID = "sr_demo"
	DemoInitiatorID      = "u_alice"
	DemoCounterpartID    = "u_bob"
)

// Demo accounts.
var (
	DemoInitiator   = User{ID: DemoInitiatorID, Email: "alice@example.com", Password: "alice"}
	DemoCounterpart = User{ID: DemoCounterpartID, Email: "bob@example.com", Password: "bob"}
)

// New builds a server with its own store, token issuer and hub. The hub runs until ctx is done.
func New(ctx context.Context, cfg *config.ServerConfig, logger zerolog.Logger) (*Server, error) {
	store, err := NewStore(cfg.DSN)
	if err != nil {
		return nil, err
	}
	hub := NewHub(logger)
	go hub.Run(ctx)

	s := NewServer(cfg, store, NewTokens(), hub, logger)
	if cfg.SeedDemo {
		if err := s.SeedDemo(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the store.
func (s *Server) Close() error {
	return s.store.Close()
}

// SeedDemo creates the demo accounts and a demo conversation with two messages.
// It is a no-op if the demo conversation already exists.
func (s *Server) SeedDemo(ctx context.Context) error {
	s.tokens.AddUser(DemoInitiator)
	s.tokens.AddUser(DemoCounterpart)

	existing, err := s.store.GetConversation(ctx, DemoConversationID)
	if err != nil {
		return fmt.Errorf("failed to check demo conversation: %w", err)
	}
	if existing != nil {
		return nil
	}

	now := time.Now().UTC()
	conv := &domain.Conversation{
		ID:               DemoConversationID,
		ServiceRequestID: DemoServiceRequestID,
		InitiatorID:      DemoInitiatorID,
		CounterpartID:    DemoCounterpartID,
		CreatedAt:        now.Add(-time.Hour),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return fmt.Errorf("failed to seed conversation: %w", err)
	}

	messages := []domain.Message{
		{ID: "msg_demo_1", SenderID: DemoInitiatorID, SenderRole: domain.RoleInitiator, Text: "Hi, is the repair still on for today?", Timestamp: now.Add(-30 * time.Minute), ReadByCounterpart: true},
		{ID: "msg_demo_2", SenderID: DemoCounterpartID, SenderRole: domain.RoleCounterpart, Text: "Yes, I'll be there around 3pm.", Timestamp: now.Add(-20 * time.Minute)},
	}
	for i := range messages {
		messages[i].ConversationID = DemoConversationID
		if err := s.store.CreateMessage(ctx, &messages[i]); err != nil {
			return fmt.Errorf("failed to seed message: %w", err)
		}
	}
	s.logger.Info().Str("conversation_id", DemoConversationID).Msg("demo data seeded")
	return nil
}
