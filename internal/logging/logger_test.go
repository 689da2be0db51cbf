package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New("debug", &buf), "socket")

	logger.Info().Str("state", "OPEN").Msg("state changed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "socket", entry["component"])
	assert.Equal(t, "OPEN", entry["state"])
	assert.Equal(t, "state changed", entry["message"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New("error", &buf)

	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())
}
