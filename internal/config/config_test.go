package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/convo/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "http://localhost:8080/api/v1", cfg.APIBaseURL)
	assert.Equal(t, domain.RoleInitiator, cfg.Role)
	assert.Equal(t, 2*time.Second, cfg.TypingIdleTimeout)
	assert.True(t, cfg.MarkReadOnReconnect)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("API_BASE_URL", "http://api.test/v2")
	t.Setenv("RECONNECT_MIN_MS", "250")
	t.Setenv("RECONNECT_PER_SECOND", "0.5")
	t.Setenv("MARK_READ_ON_RECONNECT", "false")
	t.Setenv("TYPING_IDLE_MS", "not-a-number")

	cfg := Load()

	assert.Equal(t, "http://api.test/v2", cfg.APIBaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectMinDelay)
	assert.Equal(t, 0.5, cfg.ReconnectPerSecond)
	assert.False(t, cfg.MarkReadOnReconnect)
	assert.Equal(t, 2*time.Second, cfg.TypingIdleTimeout)
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convo.yaml")
	content := "ws_url: ws://chat.test/ws\nrole: counterpart\ntyping_idle_timeout: 3s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://chat.test/ws", cfg.WSURL)
	assert.Equal(t, domain.RoleCounterpart, cfg.Role)
	assert.Equal(t, 3*time.Second, cfg.TypingIdleTimeout)
	assert.Equal(t, "http://localhost:8080/api/v1", cfg.APIBaseURL)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.ReconnectMaxDelay = cfg.ReconnectMinDelay / 2
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.Role = "observer"
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.WSURL = " "
	assert.Error(t, cfg.Validate())
}

func TestLoadServer(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SEED_DEMO", "false")

	cfg := LoadServer()

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, ":memory:", cfg.DSN)
	assert.False(t, cfg.SeedDemo)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
}
