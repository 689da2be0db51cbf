package devserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/convo/internal/domain"
)

// Store persists conversations and messages in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens and migrates the dev server database.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			service_request_id TEXT,
			initiator_id TEXT NOT NULL,
			counterpart_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_service_request
			ON conversations(service_request_id) WHERE service_request_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_role TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			read_by_initiator INTEGER NOT NULL DEFAULT 0,
			read_by_counterpart INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a conversation.
func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	var serviceRequestID sql.NullString
	if conv.ServiceRequestID != "" {
		serviceRequestID = sql.NullString{String: conv.ServiceRequestID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, service_request_id, initiator_id, counterpart_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		conv.ID, serviceRequestID, conv.InitiatorID, conv.CounterpartID, conv.CreatedAt)
	return err
}

const conversationColumns = `conversation_id, service_request_id, initiator_id, counterpart_id, created_at`

// GetConversation returns the conversation, or nil if it does not exist.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE conversation_id = ?`, conversationID)
	return scanConversation(row)
}

// FindByServiceRequest returns the conversation for a service request, or nil.
func (s *Store) FindByServiceRequest(ctx context.Context, serviceRequestID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE service_request_id = ?`, serviceRequestID)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*domain.Conversation, error) {
	var conv domain.Conversation
	var serviceRequestID sql.NullString
	err := row.Scan(&conv.ID, &serviceRequestID, &conv.InitiatorID, &conv.CounterpartID, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conv.ServiceRequestID = serviceRequestID.String
	return &conv, nil
}

// CreateMessage inserts a message.
func (s *Store) CreateMessage(ctx context.Context, msg *domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, sender_id, sender_role, text, created_at, read_by_initiator, read_by_counterpart)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, string(msg.SenderRole), msg.Text, msg.Timestamp,
		msg.ReadByInitiator, msg.ReadByCounterpart)
	return err
}

// GetMessages returns a conversation's messages oldest first.
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, conversation_id, sender_id, sender_role, text, created_at, read_by_initiator, read_by_counterpart
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var role string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &role, &msg.Text, &msg.Timestamp,
			&msg.ReadByInitiator, &msg.ReadByCounterpart); err != nil {
			return nil, err
		}
		msg.SenderRole = domain.Role(role)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkRead sets role's read flag on every message sent by the other side and
// returns the ids that changed.
func (s *Store) MarkRead(ctx context.Context, conversationID string, role domain.Role) ([]string, error) {
	column := "read_by_initiator"
	if role == domain.RoleCounterpart {
		column = "read_by_counterpart"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT message_id FROM messages WHERE conversation_id = ? AND sender_role != ? AND `+column+` = 0
		 ORDER BY created_at ASC, rowid ASC`,
		conversationID, string(role))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET `+column+` = 1 WHERE conversation_id = ? AND sender_role != ? AND `+column+` = 0`,
			conversationID, string(role)); err != nil {
			return nil, err
		}
	}
	return ids, tx.Commit()
}
