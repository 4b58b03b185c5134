// Package config loads the presence service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds the configuration for the presence service.
type Config struct {
	// Port is the HTTP listen port.
	Port int `validate:"min=1,max=65535"`
	// RedisURL selects replicated mode when set.
	RedisURL string `validate:"omitempty,url"`
	// InstanceID tags published events and logs.
	InstanceID string `validate:"required"`
	// LogLevel is the slog level name.
	LogLevel string `validate:"omitempty,oneof=debug info warn warning error"`
	// ResyncInterval pushes fresh member lists to local clients. Zero disables it.
	ResyncInterval time.Duration `validate:"min=0"`
	// MessageRate is the allowed inbound messages per second per connection.
	MessageRate float64 `validate:"gt=0"`
	// MessageBurst is the inbound burst per connection.
	MessageBurst int `validate:"min=1"`
	// StoreTimeout bounds registry calls made from disconnect paths.
	StoreTimeout time.Duration `validate:"gt=0"`
}

var validate = validator.New()

// Load reads an optional .env file, then the environment, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables only.
func FromEnv() (*Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("PORT: %w", err)
	}
	resync, err := time.ParseDuration(getEnvOrDefault("PRESENCE_RESYNC_INTERVAL", "0s"))
	if err != nil {
		return nil, fmt.Errorf("PRESENCE_RESYNC_INTERVAL: %w", err)
	}
	rate, err := strconv.ParseFloat(getEnvOrDefault("WS_MESSAGE_RATE", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("WS_MESSAGE_RATE: %w", err)
	}
	burst, err := strconv.Atoi(getEnvOrDefault("WS_MESSAGE_BURST", "10"))
	if err != nil {
		return nil, fmt.Errorf("WS_MESSAGE_BURST: %w", err)
	}
	storeTimeout, err := time.ParseDuration(getEnvOrDefault("STORE_TIMEOUT", "2s"))
	if err != nil {
		return nil, fmt.Errorf("STORE_TIMEOUT: %w", err)
	}

	cfg := &Config{
		Port:           port,
		RedisURL:       os.Getenv("REDIS_URL"),
		InstanceID:     getEnvOrDefault("INSTANCE_ID", uuid.NewString()),
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		ResyncInterval: resync,
		MessageRate:    rate,
		MessageBurst:   burst,
		StoreTimeout:   storeTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Replicated reports whether a shared store was configured.
func (c *Config) Replicated() bool {
	return c.RedisURL != ""
}

// getEnvOrDefault returns the value of an environment variable or a default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
