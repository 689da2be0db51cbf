// Package config provides configuration for the conversation client.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xiaot623/gogo/convo/internal/domain"
)

// Config holds the client configuration.
type Config struct {
	// Backend endpoints
	APIBaseURL string `yaml:"api_base_url"` // REST base including the version prefix
	WSURL      string `yaml:"ws_url"`

	// Credential storage
	CredentialsDSN string `yaml:"credentials_dsn"`

	// Local participant
	Role domain.Role `yaml:"role"`

	// HTTP settings
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// WebSocket settings
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`

	// Reconnection
	ReconnectMinDelay  time.Duration `yaml:"reconnect_min_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	ReconnectPerSecond float64       `yaml:"reconnect_per_second"`

	// Signals
	TypingIdleTimeout   time.Duration `yaml:"typing_idle_timeout"`
	RemoteTypingTTL     time.Duration `yaml:"remote_typing_ttl"`
	MarkReadOnReconnect bool          `yaml:"mark_read_on_reconnect"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		APIBaseURL:          getEnv("API_BASE_URL", "http://localhost:8080/api/v1"),
		WSURL:               getEnv("WS_URL", "ws://localhost:8080/ws"),
		CredentialsDSN:      getEnv("CREDENTIALS_DSN", "file:credentials.db?cache=shared&mode=rwc"),
		Role:                domain.Role(getEnv("ROLE", string(domain.RoleInitiator))),
		RequestTimeout:      time.Duration(getEnvInt("REQUEST_TIMEOUT_MS", 30000)) * time.Millisecond,
		PingInterval:        time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:        time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:         time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:      int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		ReconnectMinDelay:   time.Duration(getEnvInt("RECONNECT_MIN_MS", 1000)) * time.Millisecond,
		ReconnectMaxDelay:   time.Duration(getEnvInt("RECONNECT_MAX_MS", 30000)) * time.Millisecond,
		ReconnectPerSecond:  getEnvFloat("RECONNECT_PER_SECOND", 2),
		TypingIdleTimeout:   time.Duration(getEnvInt("TYPING_IDLE_MS", 2000)) * time.Millisecond,
		RemoteTypingTTL:     time.Duration(getEnvInt("REMOTE_TYPING_TTL_MS", 5000)) * time.Millisecond,
		MarkReadOnReconnect: getEnvBool("MARK_READ_ON_RECONNECT", true),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}
}

// LoadFile loads the environment configuration and overlays the YAML file at path.
// Fields missing from the file keep their environment or default values.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("api_base_url is required")
	}
	if strings.TrimSpace(c.WSURL) == "" {
		return fmt.Errorf("ws_url is required")
	}
	if !c.Role.Valid() {
		return fmt.Errorf("invalid role: %q", c.Role)
	}
	if c.ReconnectMinDelay <= 0 {
		return fmt.Errorf("reconnect_min_delay must be positive")
	}
	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		return fmt.Errorf("reconnect_max_delay must not be below reconnect_min_delay")
	}
	if c.ReconnectPerSecond <= 0 {
		return fmt.Errorf("reconnect_per_second must be positive")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
