package config

import (
	"fmt"
	"time"

	"huddle-backend/pkg/constants"
	"huddle-backend/pkg/env"
)

// Config holds all configuration for the call service
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	Push      PushConfig
	Signaling SignalingConfig
	Call      CallConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host                string
	Port                int
	Password            string
	DB                  int
	PoolSize            int
	Timeout             time.Duration
	HealthCheckInterval time.Duration
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

// PushConfig selects the push provider used for offline invitees
type PushConfig struct {
	Provider string // mock, fcm, apns
}

// SignalingConfig holds websocket hub settings
type SignalingConfig struct {
	MaxConnections int
	AllowedOrigins []string
	SendBuffer     int
}

// RateLimitConfig bounds how often a user may start calls over REST
type RateLimitConfig struct {
	CallStarts int
	Window     time.Duration
}

// CallConfig holds the call timers shared by the registry and the client engine
type CallConfig struct {
	RingTimeout        time.Duration
	ConnectTimeout     time.Duration
	DisconnectGrace    time.Duration
	FailedGrace        time.Duration
	NegotiationRetry   time.Duration
	MaxICERestarts     int
	OnePerConversation bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8083),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "call-service"),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "huddle"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:                env.GetString("REDIS_HOST", "localhost"),
			Port:                env.GetInt("REDIS_PORT", 6379),
			Password:            env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:                  env.GetInt("REDIS_DB", 0),
			PoolSize:            env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:             env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
			HealthCheckInterval: env.GetDuration("REDIS_HEALTH_INTERVAL", 10*time.Second),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			Audience:          env.GetString("JWT_AUDIENCE", "huddle-api"),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", constants.AccessTokenExpiry),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
		Push: PushConfig{
			Provider: env.GetString("PUSH_PROVIDER", "mock"),
		},
		Signaling: SignalingConfig{
			MaxConnections: env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", 1000),
			AllowedOrigins: env.GetStringSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
				"http://localhost:8080",
				"http://127.0.0.1:3000",
				"http://127.0.0.1:8080",
			}),
			SendBuffer: env.GetInt("WS_SEND_BUFFER", 256),
		},
		Call: LoadCallConfig(),
		RateLimit: RateLimitConfig{
			CallStarts: env.GetInt("RATE_LIMIT_CALL_STARTS", 20),
			Window:     env.GetDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadCallConfig reads the call timers, falling back to the product defaults
func LoadCallConfig() CallConfig {
	return CallConfig{
		RingTimeout:        env.GetDuration("CALL_RING_TIMEOUT", constants.RingTimeout),
		ConnectTimeout:     env.GetDuration("CALL_CONNECT_TIMEOUT", constants.ConnectTimeout),
		DisconnectGrace:    env.GetDuration("CALL_DISCONNECT_GRACE", constants.DisconnectGrace),
		FailedGrace:        env.GetDuration("CALL_FAILED_GRACE", constants.FailedGrace),
		NegotiationRetry:   env.GetDuration("CALL_NEGOTIATION_RETRY", constants.NegotiationRetry),
		MaxICERestarts:     env.GetInt("CALL_MAX_ICE_RESTARTS", constants.MaxICERestarts),
		OnePerConversation: env.GetBool("CALL_ONE_PER_CONVERSATION", true),
	}
}

// DefaultCallConfig returns the product defaults without reading the environment
func DefaultCallConfig() CallConfig {
	return CallConfig{
		RingTimeout:        constants.RingTimeout,
		ConnectTimeout:     constants.ConnectTimeout,
		DisconnectGrace:    constants.DisconnectGrace,
		FailedGrace:        constants.FailedGrace,
		NegotiationRetry:   constants.NegotiationRetry,
		MaxICERestarts:     constants.MaxICERestarts,
		OnePerConversation: true,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Push.Provider == "mock" {
			return fmt.Errorf("PUSH_PROVIDER=mock is not allowed in production")
		}
	}
	if c.Signaling.MaxConnections <= 0 {
		return fmt.Errorf("WS_MAX_SIGNALING_CONNECTIONS must be positive")
	}
	return c.Call.Validate()
}

// Validate rejects timers that would make the call state machine spin or never fire
func (c CallConfig) Validate() error {
	timers := map[string]time.Duration{
		"CALL_RING_TIMEOUT":      c.RingTimeout,
		"CALL_CONNECT_TIMEOUT":   c.ConnectTimeout,
		"CALL_DISCONNECT_GRACE":  c.DisconnectGrace,
		"CALL_FAILED_GRACE":      c.FailedGrace,
		"CALL_NEGOTIATION_RETRY": c.NegotiationRetry,
	}
	for name, d := range timers {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.MaxICERestarts < 0 {
		return fmt.Errorf("CALL_MAX_ICE_RESTARTS must not be negative")
	}
	return nil
}

// AgentConfig configures the headless call agent
type AgentConfig struct {
	ServerURL  string
	Token      string
	UserID     string
	ICEServers []string
	AutoAccept bool
	Log        LogConfig
	Call       CallConfig
}

// LoadAgent loads the agent configuration from environment variables
func LoadAgent() (*AgentConfig, error) {
	cfg := &AgentConfig{
		ServerURL:  env.GetString("AGENT_SERVER_URL", "ws://localhost:8083/v1/ws/signaling"),
		Token:      env.GetStringFromFile("AGENT_TOKEN", ""),
		UserID:     env.GetString("AGENT_USER_ID", ""),
		ICEServers: env.GetStringSlice("AGENT_ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		AutoAccept: env.GetBool("AGENT_AUTO_ACCEPT", true),
		Log: LogConfig{
			Level:  env.GetString("LOG_LEVEL", "info"),
			Format: env.GetString("LOG_FORMAT", "text"),
			Output: "stdout",
		},
		Call: LoadCallConfig(),
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("AGENT_TOKEN is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("AGENT_USER_ID is required")
	}
	if err := cfg.Call.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
