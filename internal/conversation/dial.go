package conversation

import (
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/convo/internal/apiclient"
	"github.com/xiaot623/gogo/convo/internal/auth"
	"github.com/xiaot623/gogo/convo/internal/config"
	"github.com/xiaot623/gogo/convo/internal/socket"
)

// Open wires a socket channel and a session for conversationID and starts them.
// coord may be nil.
func Open(cfg *config.Config, client *apiclient.Client, coord *auth.Coordinator, conversationID string, logger zerolog.Logger) (*Session, error) {
	channel := socket.NewChannel(client, socket.OptionsFromConfig(cfg, conversationID), logger)

	opts := OptionsFromConfig(cfg, conversationID)
	if coord != nil {
		opts.SignOut = coord
	}

	s := New(client, channel, opts, logger)
	if err := s.Start(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
