package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration (optional; enables the NOTIFY listener)
	Database DatabaseConfig

	// WebSocket configuration
	WebSocket WebSocketConfig

	// Auth configuration for websocket identity
	Auth AuthConfig

	// Emitter configuration for the internal emit API
	Emitter EmitterConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Relay configuration for cross-instance fan-out
	Relay RelayConfig

	// Listener configuration for Postgres NOTIFY
	Listener ListenerConfig

	// Client reconnect defaults for subscription managers
	Client ClientConfig

	// Logging configuration
	Logging LoggingConfig

	// Application metadata
	App AppConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string // CORS origins for the HTTP API
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MigrateOnStart  bool
	MigrationsPath  string
}

// WebSocketConfig holds WebSocket configuration
type WebSocketConfig struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageSize  int64
	SendBufferSize  int
	CommandRate     float64
	CommandBurst    int
}

// AuthConfig holds JWT configuration for websocket connections
type AuthConfig struct {
	JWTSecret      string
	AccessTokenTTL time.Duration
	AllowAnonymous bool // connections without a token may join order and farm rooms
}

// EmitterConfig holds the bcrypt hashes of accepted emitter API keys
type EmitterConfig struct {
	APIKeyHashes []string
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
}

// RelayConfig holds Redis relay configuration
type RelayConfig struct {
	RedisURL string
	Channel  string
}

// ListenerConfig holds Postgres NOTIFY listener configuration
type ListenerConfig struct {
	Enabled bool
	Channel string
}

// ClientConfig holds reconnect backoff settings
type ClientConfig struct {
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	pongWait := getDurationOrDefault("WS_PONG_WAIT", 60*time.Second)

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", ":8080"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getDurationOrDefault("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getStringSliceOrDefault("CORS_ALLOWED_ORIGINS", []string{}),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxConns:        getIntOrDefault("DB_MAX_CONNS", 10),
			MinConns:        getIntOrDefault("DB_MIN_CONNS", 1),
			ConnMaxLifetime: getDurationOrDefault("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getDurationOrDefault("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			MigrateOnStart:  getBoolOrDefault("DB_MIGRATE_ON_START", false),
			MigrationsPath:  getEnvOrDefault("DB_MIGRATIONS_PATH", "file://migrations"),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:  getStringSliceOrDefault("WS_ALLOWED_ORIGINS", []string{}),
			ReadBufferSize:  getIntOrDefault("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getIntOrDefault("WS_WRITE_BUFFER_SIZE", 1024),
			PingInterval:    getDurationOrDefault("WS_PING_INTERVAL", (pongWait*9)/10),
			PongWait:        pongWait,
			WriteWait:       getDurationOrDefault("WS_WRITE_WAIT", 10*time.Second),
			MaxMessageSize:  int64(getIntOrDefault("WS_MAX_MESSAGE_SIZE", 4096)),
			SendBufferSize:  getIntOrDefault("WS_SEND_BUFFER_SIZE", 256),
			CommandRate:     getFloatOrDefault("WS_COMMAND_RATE", 20),
			CommandBurst:    getIntOrDefault("WS_COMMAND_BURST", 40),
		},
		Auth: AuthConfig{
			JWTSecret:      os.Getenv("JWT_SECRET"),
			AccessTokenTTL: getDurationOrDefault("JWT_ACCESS_TOKEN_TTL", 1*time.Hour),
			AllowAnonymous: getBoolOrDefault("WS_ALLOW_ANONYMOUS", true),
		},
		Emitter: EmitterConfig{
			APIKeyHashes: getStringSliceOrDefault("EMITTER_API_KEY_HASHES", []string{}),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getBoolOrDefault("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: getFloatOrDefault("RATE_LIMIT_RPS", 50),
			BurstSize:         getIntOrDefault("RATE_LIMIT_BURST", 100),
		},
		Relay: RelayConfig{
			RedisURL: os.Getenv("REDIS_URL"),
			Channel:  getEnvOrDefault("RELAY_CHANNEL", "farmlink:realtime"),
		},
		Listener: ListenerConfig{
			Enabled: getBoolOrDefault("LISTENER_ENABLED", true),
			Channel: getEnvOrDefault("LISTENER_CHANNEL", "realtime_events"),
		},
		Client: ClientConfig{
			ReconnectBaseDelay:   getDurationOrDefault("RECONNECT_BASE_DELAY", 1*time.Second),
			ReconnectMaxDelay:    getDurationOrDefault("RECONNECT_MAX_DELAY", 5*time.Second),
			ReconnectMaxAttempts: getIntOrDefault("RECONNECT_MAX_ATTEMPTS", 5),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Name:        getEnvOrDefault("APP_NAME", "farmlink-realtime"),
			Version:     getEnvOrDefault("APP_VERSION", "dev"),
			Environment: getEnvOrDefault("APP_ENV", "development"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	// Required fields
	if c.Auth.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	}

	// Security validations
	if c.App.Environment == "production" {
		if len(c.Auth.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}

		if len(c.WebSocket.AllowedOrigins) == 0 {
			errs = append(errs, "WS_ALLOWED_ORIGINS must be set in production")
		}

		if len(c.Emitter.APIKeyHashes) == 0 {
			errs = append(errs, "EMITTER_API_KEY_HASHES must be set in production")
		}
	}

	// Logical validations
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		errs = append(errs, "WS_PING_INTERVAL must be less than WS_PONG_WAIT")
	}

	if c.WebSocket.SendBufferSize < 1 {
		errs = append(errs, "WS_SEND_BUFFER_SIZE must be at least 1")
	}

	if c.Client.ReconnectBaseDelay <= 0 || c.Client.ReconnectMaxDelay < c.Client.ReconnectBaseDelay {
		errs = append(errs, "RECONNECT_MAX_DELAY must be at least RECONNECT_BASE_DELAY, both positive")
	}

	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, "DB_MIN_CONNS cannot be greater than DB_MAX_CONNS")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// String returns a redacted string representation of the config (safe for logging)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Server: %s, DB: %s, Redis: %s, JWT: [REDACTED], APIKeys: %d, RateLimit: %v, Environment: %s}",
		c.Server.Port,
		redactURL(c.Database.URL),
		redactURL(c.Relay.RedisURL),
		len(c.Emitter.APIKeyHashes),
		c.RateLimit.Enabled,
		c.App.Environment,
	)
}

// redactURL hides the credentials part of a connection URL
func redactURL(url string) string {
	if url == "" {
		return ""
	}
	if idx := strings.LastIndex(url, "@"); idx > 0 {
		return "[REDACTED]" + url[idx:]
	}
	return "[REDACTED]"
}
