// Package config provides configuration management for the agentmesh runtime.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the runtime.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Queue       QueueConfig       `mapstructure:"queue"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	RateLimit   RateLimitConfig   `mapstructure:"rateLimit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RedisConfig holds the Redis connection used by the message queue and state cache.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig holds durable store configuration.
// Driver selects the backend: "postgres" (pgx) or "sqlite".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	Path     string `mapstructure:"path"` // sqlite file path
}

// NATSConfig holds the lifecycle event bridge configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// QueueConfig holds message queue configuration.
type QueueConfig struct {
	MaxRetries      int    `mapstructure:"maxRetries"`
	RetryDelay      int    `mapstructure:"retryDelay"` // in milliseconds
	DeadLetterQueue string `mapstructure:"deadLetterQueue"`
	MaxQueueSize    int    `mapstructure:"maxQueueSize"`
	MessageTTL      int    `mapstructure:"messageTTL"` // in seconds
}

// PubSubConfig holds pub/sub router configuration.
type PubSubConfig struct {
	MaxSubscriptionsPerAgent int  `mapstructure:"maxSubscriptionsPerAgent"`
	MaxTopicsPerAgent        int  `mapstructure:"maxTopicsPerAgent"`
	WildcardEnabled          bool `mapstructure:"wildcardEnabled"`
	DeliveryTimeout          int  `mapstructure:"deliveryTimeout"` // in milliseconds
}

// TransportConfig holds websocket transport configuration.
type TransportConfig struct {
	Path              string  `mapstructure:"path"`
	HeartbeatInterval int     `mapstructure:"heartbeatInterval"` // in milliseconds
	MaxConnections    int     `mapstructure:"maxConnections"`    // 0 means unlimited
	MaxFramesPerSec   float64 `mapstructure:"maxFramesPerSec"`   // 0 disables throttling
}

// PersistenceConfig holds two-tier state persistence configuration.
type PersistenceConfig struct {
	CacheTTL     int `mapstructure:"cacheTTL"`     // in seconds
	SyncInterval int `mapstructure:"syncInterval"` // in seconds, 0 disables periodic sync
}

// RecoveryConfig holds state recovery retry policy.
type RecoveryConfig struct {
	MaxRetries int `mapstructure:"maxRetries"`
	RetryDelay int `mapstructure:"retryDelay"` // in milliseconds
}

// RateLimitConfig holds token bucket configuration.
type RateLimitConfig struct {
	TokensPerInterval int `mapstructure:"tokensPerInterval"`
	Interval          int `mapstructure:"interval"` // in milliseconds
	MaxTokens         int `mapstructure:"maxTokens"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RetryDelayDuration returns the retry delay as a time.Duration.
func (q *QueueConfig) RetryDelayDuration() time.Duration {
	return time.Duration(q.RetryDelay) * time.Millisecond
}

// MessageTTLDuration returns the message TTL as a time.Duration.
func (q *QueueConfig) MessageTTLDuration() time.Duration {
	return time.Duration(q.MessageTTL) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (t *TransportConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(t.HeartbeatInterval) * time.Millisecond
}

// CacheTTLDuration returns the cache TTL as a time.Duration.
func (p *PersistenceConfig) CacheTTLDuration() time.Duration {
	return time.Duration(p.CacheTTL) * time.Second
}

// RetryDelayDuration returns the recovery retry delay as a time.Duration.
func (r *RecoveryConfig) RetryDelayDuration() time.Duration {
	return time.Duration(r.RetryDelay) * time.Millisecond
}

// IntervalDuration returns the refill interval as a time.Duration.
func (r *RateLimitConfig) IntervalDuration() time.Duration {
	return time.Duration(r.Interval) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentmesh")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentmesh")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.path", "./agentmesh.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentmesh")
	v.SetDefault("nats.maxReconnects", 10)

	// Queue defaults
	v.SetDefault("queue.maxRetries", 3)
	v.SetDefault("queue.retryDelay", 5000)
	v.SetDefault("queue.deadLetterQueue", "dead-letter")
	v.SetDefault("queue.maxQueueSize", 10000)
	v.SetDefault("queue.messageTTL", 86400)

	// PubSub defaults
	v.SetDefault("pubsub.maxSubscriptionsPerAgent", 100)
	v.SetDefault("pubsub.maxTopicsPerAgent", 50)
	v.SetDefault("pubsub.wildcardEnabled", true)
	v.SetDefault("pubsub.deliveryTimeout", 5000)

	// Transport defaults
	v.SetDefault("transport.path", "/ws")
	v.SetDefault("transport.heartbeatInterval", 30000)
	v.SetDefault("transport.maxConnections", 0)
	v.SetDefault("transport.maxFramesPerSec", 0)

	// Persistence defaults
	v.SetDefault("persistence.cacheTTL", 300)
	v.SetDefault("persistence.syncInterval", 0)

	// Recovery defaults
	v.SetDefault("recovery.maxRetries", 3)
	v.SetDefault("recovery.retryDelay", 1000)

	// Rate limiter defaults
	v.SetDefault("rateLimit.tokensPerInterval", 10)
	v.SetDefault("rateLimit.interval", 1000)
	v.SetDefault("rateLimit.maxTokens", 20)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTMESH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentmesh/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmesh/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("queue.maxQueueSize must be positive")
	}
	if cfg.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.maxRetries cannot be negative")
	}
	if cfg.PubSub.MaxSubscriptionsPerAgent <= 0 || cfg.PubSub.MaxTopicsPerAgent <= 0 {
		return fmt.Errorf("pubsub limits must be positive")
	}
	if cfg.Transport.HeartbeatInterval <= 0 {
		return fmt.Errorf("transport.heartbeatInterval must be positive")
	}
	if cfg.RateLimit.TokensPerInterval <= 0 || cfg.RateLimit.Interval <= 0 || cfg.RateLimit.MaxTokens <= 0 {
		return fmt.Errorf("rateLimit values must be positive")
	}
	return nil
}
