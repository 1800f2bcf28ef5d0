package config

import (
	"fmt"
	"time"

	"storylab-backend/pkg/env"
)

// Signaling backends
const (
	SignalingRedis  = "redis"
	SignalingMemory = "memory"
	SignalingWS     = "ws"
)

// Media transports
const (
	MediaPion = "pion"
	MediaNoop = "noop"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Log      LogConfig
	Call     CallConfig
	Push     PushConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string
}

// DatabaseConfig holds CockroachDB/PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
	Migrate  bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	Audience          string
	AccessTokenExpiry time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// CallConfig holds the call signaling and media settings
type CallConfig struct {
	// STUNURL is the only ICE server configured. No TURN relay is set up, so
	// peers behind symmetric NATs will not connect.
	STUNURL            string
	SignalingBackend   string // redis, memory, ws
	SignalingURL       string // ws backend only
	MediaTransport     string // pion, noop
	BufferEarlySignals bool
	MaxSignalingConns  int
	InitiateRateLimit  int // calls a user may start per minute
}

// PushConfig holds push provider configuration
type PushConfig struct {
	Provider        string // firebase, mock
	ProjectID       string
	CredentialsPath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8083),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "call-service"),
			AllowedOrigins: env.GetSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:8081"}),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "storylab"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
			Migrate:  env.GetBool("DB_MIGRATE", true),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			Audience:          env.GetString("JWT_AUDIENCE", "storylab-api"),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
		Call: CallConfig{
			STUNURL:            env.GetString("STUN_URL", "stun:stun.l.google.com:19302"),
			SignalingBackend:   env.GetString("SIGNALING_BACKEND", SignalingRedis),
			SignalingURL:       env.GetString("SIGNALING_URL", "ws://localhost:8083/v1/calls/ws/signaling"),
			MediaTransport:     env.GetString("MEDIA_TRANSPORT", MediaPion),
			BufferEarlySignals: env.GetBool("BUFFER_EARLY_SIGNALS", false),
			MaxSignalingConns:  env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", 1000),
			InitiateRateLimit:  env.GetInt("CALL_INITIATE_RATE_LIMIT", 20),
		},
		Push: PushConfig{
			Provider:        env.GetString("PUSH_PROVIDER", "mock"),
			ProjectID:       env.GetStringFromFile("FIREBASE_PROJECT_ID", ""),
			CredentialsPath: env.GetString("FIREBASE_CREDENTIALS_PATH", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with ENV=production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.IsProduction() {
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Push.Provider == "mock" {
			return fmt.Errorf("PUSH_PROVIDER=mock is not allowed in production")
		}
	}

	switch c.Call.SignalingBackend {
	case SignalingRedis, SignalingMemory, SignalingWS:
	default:
		return fmt.Errorf("unknown SIGNALING_BACKEND %q", c.Call.SignalingBackend)
	}

	switch c.Call.MediaTransport {
	case MediaPion, MediaNoop:
	default:
		return fmt.Errorf("unknown MEDIA_TRANSPORT %q", c.Call.MediaTransport)
	}

	if c.Call.MaxSignalingConns <= 0 {
		return fmt.Errorf("WS_MAX_SIGNALING_CONNECTIONS must be positive")
	}

	if c.Call.InitiateRateLimit <= 0 {
		return fmt.Errorf("CALL_INITIATE_RATE_LIMIT must be positive")
	}

	return nil
}
