// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables with the EDUVIA_ prefix (runtime override)
//  2. Config file (eduvia.yaml in the working directory or /etc/eduvia)
//  3. Default values
//
// Sensitive values (database password, API keys, JWT secret) are never
// logged. Validation uses sentinel errors so callers can branch with
// errors.Is().
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrMissingAPIKey indicates the model provider API key is missing.
	ErrMissingAPIKey = errors.New("missing model provider API key")

	// ErrMissingJWTSecret indicates the JWT signing secret is not set.
	ErrMissingJWTSecret = errors.New("missing JWT secret")

	// ErrWeakJWTSecret indicates the JWT signing secret is too short.
	ErrWeakJWTSecret = errors.New("JWT secret too short (min 32 bytes)")

	// ErrInvalidPostgresURL indicates the PostgreSQL connection URL is invalid.
	ErrInvalidPostgresURL = errors.New("invalid PostgreSQL URL")

	// ErrInvalidRedisURL indicates the Redis connection URL is invalid.
	ErrInvalidRedisURL = errors.New("invalid Redis URL")

	// ErrInvalidQueueURL indicates the AMQP connection URL is invalid.
	ErrInvalidQueueURL = errors.New("invalid queue URL")
)

// Server holds HTTP server settings.
type Server struct {
	Addr string `mapstructure:"addr"`
}

// Postgres holds durable storage settings.
type Postgres struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Redis holds history cache settings.
type Redis struct {
	URL string `mapstructure:"url"`
}

// Queue holds AMQP settings.
type Queue struct {
	URL string `mapstructure:"url"`
}

// Model holds completion provider settings.
type Model struct {
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	TitleModel  string  `mapstructure:"title_model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float32 `mapstructure:"temperature"`
}

// Auth holds token settings.
type Auth struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// Config stores the full application configuration.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Postgres Postgres `mapstructure:"postgres"`
	Redis    Redis    `mapstructure:"redis"`
	Queue    Queue    `mapstructure:"queue"`
	Model    Model    `mapstructure:"model"`
	Auth     Auth     `mapstructure:"auth"`
	Debug    bool     `mapstructure:"debug"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", "127.0.0.1:4000")
	v.SetDefault("postgres.url", "postgres://localhost:5432/eduvia?sslmode=disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("queue.url", "amqp://localhost")
	v.SetDefault("model.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("model.title_model", "llama3-8b-8192")
	v.SetDefault("model.max_tokens", 1024)
	v.SetDefault("model.temperature", 0.7)
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetConfigName("eduvia")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/eduvia")

	v.SetEnvPrefix("EDUVIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env and defaults are enough.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for a serving process.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Postgres.URL, "postgres://") && !strings.HasPrefix(c.Postgres.URL, "postgresql://") {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresURL, redact(c.Postgres.URL))
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("%w: %q", ErrInvalidRedisURL, redact(c.Redis.URL))
	}
	if !strings.HasPrefix(c.Queue.URL, "amqp://") && !strings.HasPrefix(c.Queue.URL, "amqps://") {
		return fmt.Errorf("%w: %q", ErrInvalidQueueURL, redact(c.Queue.URL))
	}
	if c.Model.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Auth.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if len(c.Auth.JWTSecret) < 32 {
		return ErrWeakJWTSecret
	}
	return nil
}

// redact strips userinfo from a URL before it appears in an error message.
func redact(url string) string {
	at := strings.LastIndex(url, "@")
	if at == -1 {
		return url
	}
	scheme := strings.Index(url, "://")
	if scheme == -1 || scheme+3 > at {
		return url
	}
	return url[:scheme+3] + "***" + url[at:]
}
