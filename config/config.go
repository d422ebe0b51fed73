// Package config loads crossguard settings from CROSSGUARD_* environment
// variables. Command-line flags override them.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage backends.
const (
	BackendBolt     = "bbolt"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config is the process configuration.
type Config struct {
	BaseURL           string        `env:"CROSSGUARD_BASE_URL"`
	DataDir           string        `env:"CROSSGUARD_DATA_DIR" envDefault:"./data"`
	Backend           string        `env:"CROSSGUARD_BACKEND" envDefault:"bbolt"`
	PostgresDSN       string        `env:"CROSSGUARD_POSTGRES_DSN"`
	Namespace         string        `env:"CROSSGUARD_NAMESPACE" envDefault:"default"`
	StorePassphrase   string        `env:"CROSSGUARD_STORE_PASSPHRASE"`
	CompanionOrigin   string        `env:"CROSSGUARD_COMPANION_ORIGIN"`
	CompanionCookie   string        `env:"CROSSGUARD_COMPANION_COOKIE"`
	DeviceDisplayName string        `env:"CROSSGUARD_DEVICE_DISPLAY_NAME" envDefault:"crossguard"`
	HTTPTimeout       time.Duration `env:"CROSSGUARD_HTTP_TIMEOUT" envDefault:"30s"`
	LogLevel          string        `env:"CROSSGUARD_LOG_LEVEL" envDefault:"info"`
	LogFormat         string        `env:"CROSSGUARD_LOG_FORMAT" envDefault:"text"`
	CallbackAddr      string        `env:"CROSSGUARD_CALLBACK_ADDR" envDefault:"127.0.0.1:8765"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses a Config from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that flags may have changed after Load.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendBolt:
		if c.DataDir == "" {
			errs = append(errs, errors.New("data dir is required for the bbolt backend"))
		}
	case BackendMemory:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("http timeout must be positive"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
