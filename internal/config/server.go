package config

import "time"

// ServerConfig holds the dev server configuration.
type ServerConfig struct {
	// Server settings
	Port      int
	APIPrefix string

	// Storage
	DSN string

	// Seed demo accounts and a demo conversation on startup
	SeedDemo bool

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Logging
	LogLevel string
}

// LoadServer loads the dev server configuration from environment variables.
func LoadServer() *ServerConfig {
	return &ServerConfig{
		Port:           getEnvInt("PORT", 8080),
		APIPrefix:      getEnv("API_PREFIX", "/api/v1"),
		DSN:            getEnv("DEVSERVER_DSN", ":memory:"),
		SeedDemo:       getEnvBool("SEED_DEMO", true),
		PingInterval:   time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:   time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:    time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
}
