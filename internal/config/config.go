package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Relay   RelayConfig   `yaml:"relay"`
	Client  ClientConfig  `yaml:"client"`
	Sync    SyncConfig    `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`
}

// RelayConfig configures the background relay daemon.
type RelayConfig struct {
	Addr          string `yaml:"addr"`
	JWTSecret     string `yaml:"jwt_secret"`
	RatePerMinute int    `yaml:"rate_per_minute"`
	RateBurst     int    `yaml:"rate_burst"`
	BackendURL    string `yaml:"backend_url"`
	APIKey        string `yaml:"api_key"`
	UsageDBPath   string `yaml:"usage_db_path"`
}

// ClientConfig configures the extension-side client.
type ClientConfig struct {
	RelayURL string `yaml:"relay_url"`
	// AllowedOrigins are the origins the cross-frame bridge will talk to.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type SyncConfig struct {
	DebounceMillis int    `yaml:"debounce_millis"`
	DBPath         string `yaml:"db_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Addr:          "127.0.0.1:8790",
			RatePerMinute: 20,
			RateBurst:     5,
		},
		Client: ClientConfig{
			RelayURL: "ws://127.0.0.1:8790/ws",
		},
		Sync: SyncConfig{
			DebounceMillis: 700,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".qb", "config.yaml"), nil
}

// Load reads configuration from a file, falling back to defaults for
// anything the file omits. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override with environment variables if present
	if secret := os.Getenv("QB_JWT_SECRET"); secret != "" {
		cfg.Relay.JWTSecret = secret
	}
	if key := os.Getenv("QB_API_KEY"); key != "" {
		cfg.Relay.APIKey = key
	}
	if url := os.Getenv("QB_BACKEND_URL"); url != "" {
		cfg.Relay.BackendURL = url
	}
	if url := os.Getenv("QB_RELAY_URL"); url != "" {
		cfg.Client.RelayURL = url
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Relay.Addr == "" {
		return fmt.Errorf("relay.addr is required")
	}
	if c.Relay.RatePerMinute <= 0 {
		return fmt.Errorf("relay.rate_per_minute must be positive")
	}
	if c.Relay.RateBurst <= 0 {
		return fmt.Errorf("relay.rate_burst must be positive")
	}
	if c.Client.RelayURL == "" {
		return fmt.Errorf("client.relay_url is required")
	}
	if c.Sync.DebounceMillis <= 0 {
		return fmt.Errorf("sync.debounce_millis must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

// Debounce returns the sync debounce window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Sync.DebounceMillis) * time.Millisecond
}
