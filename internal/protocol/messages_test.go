package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/convo/internal/domain"
)

func TestDecodeMessage(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	data, err := Encode(TypeMessage, domain.Message{ID: "m1", ConversationID: "c1", SenderRole: domain.RoleCounterpart, Text: "hi", Timestamp: ts})
	require.NoError(t, err)

	in, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, in.Message)
	assert.Equal(t, "m1", in.Message.ID)
	assert.True(t, ts.Equal(in.Message.Timestamp))
	assert.Nil(t, in.Typing)
}

func TestDecodeTypingAndReceipt(t *testing.T) {
	in, err := Decode([]byte(`{"type":"typing","payload":{"sender_id":"u2","is_typing":true}}`))
	require.NoError(t, err)
	require.NotNil(t, in.Typing)
	assert.True(t, in.Typing.IsTyping)

	in, err = Decode([]byte(`{"type":"read_receipt","payload":{"message_ids":["m1","m2"],"role":"counterpart"}}`))
	require.NoError(t, err)
	require.NotNil(t, in.ReadReceipt)
	assert.Equal(t, []string{"m1", "m2"}, in.ReadReceipt.MessageIDs)
	assert.Equal(t, domain.RoleCounterpart, in.ReadReceipt.Role)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"missing payload", `{"type":"message"}`},
		{"message without id", `{"type":"message","payload":{"text":"x"}}`},
		{"bad role", `{"type":"read_receipt","payload":{"message_ids":["m1"],"role":"admin"}}`},
		{"payload type mismatch", `{"type":"typing","payload":"yes"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.Error(t, err)
			assert.NotErrorIs(t, err, ErrUnknownType)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"presence","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestOutboundShapes(t *testing.T) {
	data, err := json.Marshal(NewTyping(false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"typing","isTyping":false}`, string(data))

	data, err = json.Marshal(NewSendMessage("hello"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message","text":"hello"}`, string(data))

	data, err = json.Marshal(NewReadReceipt())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"read_receipt"}`, string(data))
}
