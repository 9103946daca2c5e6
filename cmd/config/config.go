package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the relay
type Config struct {
	// Server configuration
	Host string `envconfig:"HOST" default:"127.0.0.1"`
	Port int    `envconfig:"PORT" default:"9223"`

	// Remote exposes the relay beyond loopback; requires AUTH_TOKEN.
	Remote    bool   `envconfig:"REMOTE" default:"false"`
	AuthToken string `envconfig:"AUTH_TOKEN" default:""`

	// Exact Origin required on the extension websocket. Empty accepts any
	// chrome-extension:// origin.
	ExtensionOrigin string `envconfig:"EXTENSION_ORIGIN" default:""`

	// Log sink configuration
	LogDir       string `envconfig:"LOG_DIR" default:""`
	LogMaxSizeMB int    `envconfig:"LOG_MAX_SIZE_MB" default:"50"`

	// Hub tuning
	EventBufferDepth int `envconfig:"EVENT_BUFFER_DEPTH" default:"1024"`
	PendingLimit     int `envconfig:"PENDING_LIMIT" default:"10000"`
	WriteTimeoutSec  int `envconfig:"WRITE_TIMEOUT_SEC" default:"30"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if config.Remote && config.AuthToken == "" {
		return fmt.Errorf("AUTH_TOKEN is required when REMOTE is set")
	}
	if config.LogMaxSizeMB <= 0 {
		return fmt.Errorf("LOG_MAX_SIZE_MB must be greater than 0")
	}
	if config.EventBufferDepth <= 0 {
		return fmt.Errorf("EVENT_BUFFER_DEPTH must be greater than 0")
	}
	if config.PendingLimit <= 0 {
		return fmt.Errorf("PENDING_LIMIT must be greater than 0")
	}
	if config.WriteTimeoutSec <= 0 {
		return fmt.Errorf("WRITE_TIMEOUT_SEC must be greater than 0")
	}

	return nil
}
