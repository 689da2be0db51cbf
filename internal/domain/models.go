package domain

import "time"

// Credentials is the access/refresh token pair. Either both are set or neither is.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Empty reports whether the pair holds no tokens.
func (c Credentials) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Message is a single conversation entry.
type Message struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	SenderID          string    `json:"sender_id"`
	SenderRole        Role      `json:"sender_role"`
	Text              string    `json:"text"`
	Timestamp         time.Time `json:"timestamp"`
	ReadByInitiator   bool      `json:"read_by_initiator"`
	ReadByCounterpart bool      `json:"read_by_counterpart"`
}

// ReadBy reports whether the message has been read by the given role.
func (m Message) ReadBy(role Role) bool {
	if role == RoleInitiator {
		return m.ReadByInitiator
	}
	return m.ReadByCounterpart
}

// Conversation describes a conversation between an initiator and a counterpart.
type Conversation struct {
	ID               string    `json:"id"`
	ServiceRequestID string    `json:"service_request_id,omitempty"`
	InitiatorID      string    `json:"initiator_id"`
	CounterpartID    string    `json:"counterpart_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// ConversationHistory is the REST snapshot used to seed a session.
type ConversationHistory struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// ReadReceipt marks a set of messages as read by a role.
type ReadReceipt struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	MessageIDs     []string `json:"message_ids"`
	Role           Role     `json:"role"`
}

// Typing is a remote typing signal.
type Typing struct {
	SenderID string `json:"sender_id,omitempty"`
	IsTyping bool   `json:"is_typing"`
}
