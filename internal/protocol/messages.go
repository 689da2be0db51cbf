// Package protocol defines the WebSocket frame protocol between the client and the conversation backend.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiaot623/gogo/convo/internal/domain"
)

// Frame types shared by both directions.
const (
	TypeMessage     = "message"
	TypeTyping      = "typing"
	TypeReadReceipt = "read_receipt"
)

// Frame is an inbound frame before payload dispatch.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SendMessageFrame is sent by the client to post a message.
type SendMessageFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TypingFrame is sent by the client on typing transitions.
type TypingFrame struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"isTyping"`
}

// ReadReceiptFrame is sent by the client to mark the conversation read.
type ReadReceiptFrame struct {
	Type string `json:"type"`
}

// NewSendMessage builds an outbound message frame.
func NewSendMessage(text string) SendMessageFrame {
	return SendMessageFrame{Type: TypeMessage, Text: text}
}

// NewTyping builds an outbound typing frame.
func NewTyping(isTyping bool) TypingFrame {
	return TypingFrame{Type: TypeTyping, IsTyping: isTyping}
}

// NewReadReceipt builds an outbound read frame.
func NewReadReceipt() ReadReceiptFrame {
	return ReadReceiptFrame{Type: TypeReadReceipt}
}

// ErrUnknownType is returned by Decode for frame kinds this client does not handle.
var ErrUnknownType = errors.New("unknown frame type")

// Inbound is a decoded inbound frame. Exactly one of the payload fields is set.
type Inbound struct {
	Type        string
	Message     *domain.Message
	Typing      *domain.Typing
	ReadReceipt *domain.ReadReceipt
}

// Decode parses one inbound frame.
func Decode(data []byte) (Inbound, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Inbound{}, fmt.Errorf("invalid frame: %w", err)
	}

	in := Inbound{Type: frame.Type}
	switch frame.Type {
	case TypeMessage:
		var msg domain.Message
		if err := decodePayload(frame, &msg); err != nil {
			return Inbound{}, err
		}
		if msg.ID == "" {
			return Inbound{}, fmt.Errorf("invalid %s payload: missing id", frame.Type)
		}
		in.Message = &msg
	case TypeTyping:
		var typing domain.Typing
		if err := decodePayload(frame, &typing); err != nil {
			return Inbound{}, err
		}
		in.Typing = &typing
	case TypeReadReceipt:
		var receipt domain.ReadReceipt
		if err := decodePayload(frame, &receipt); err != nil {
			return Inbound{}, err
		}
		if !receipt.Role.Valid() {
			return Inbound{}, fmt.Errorf("invalid %s payload: bad role %q", frame.Type, receipt.Role)
		}
		in.ReadReceipt = &receipt
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownType, frame.Type)
	}
	return in, nil
}

func decodePayload(frame Frame, v interface{}) error {
	if len(frame.Payload) == 0 {
		return fmt.Errorf("invalid %s frame: missing payload", frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", frame.Type, err)
	}
	return nil
}

// Encode marshals an outbound payload into a frame with the given type.
// It is used by servers pushing frames to clients.
func Encode(frameType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", frameType, err)
	}
	return json.Marshal(Frame{Type: frameType, Payload: raw})
}

// ClientFrame is an outbound client frame as seen by a server. Only the fields
// relevant to Type are set.
type ClientFrame struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	IsTyping bool   `json:"isTyping,omitempty"`
}
