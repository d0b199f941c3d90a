package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/jmcleod/strongbox/internal/util"
)

// Prefix is prepended to every environment variable name.
const Prefix = "STRONGBOX_"

// SessionKeySize is the length of the session wrapping key in bytes.
const SessionKeySize = 32

// Config contains client configuration parameters.
type Config struct {
	BaseURL        string        `env:"BASE_URL" envDefault:"http://127.0.0.1:8000"`
	DataDir        string        `env:"DATA_DIR"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
	RefreshTimeout time.Duration `env:"REFRESH_TIMEOUT" envDefault:"15s"`
	LogLevel       int           `env:"LOG_LEVEL" envDefault:"0"`
	LogFormat      string        `env:"LOG_FORMAT" envDefault:"text"`
	// SessionKey is a hex-encoded 32-byte key sealing the persisted
	// session. Empty stores the session unsealed.
	SessionKey     string `env:"SESSION_KEY"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"104857600"`
}

// NewConfig loads configuration from environment variables.
func NewConfig() (*Config, error) {
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads the environment without validating, so callers can layer
// command-line overrides before calling Validate.
func Parse() (*Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	return &cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".strongbox"
	}
	return filepath.Join(home, ".strongbox")
}

// Validate checks values that env cannot check on its own.
func (c *Config) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("base URL is required"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log format %q: must be text or json", c.LogFormat))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if c.RefreshTimeout <= 0 {
		errs = append(errs, errors.New("refresh timeout must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max upload bytes must be positive"))
	}
	if _, err := c.SessionKeyBytes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SessionKeyBytes decodes SessionKey. It returns nil when no key is set.
func (c *Config) SessionKeyBytes() ([]byte, error) {
	if c.SessionKey == "" {
		return nil, nil
	}
	key, err := util.HexDecode(c.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("session key: must be %d bytes, got %d", SessionKeySize, len(key))
	}
	return key, nil
}

// SessionPath is the bbolt file holding the persisted session.
func (c *Config) SessionPath() string {
	return filepath.Join(c.DataDir, "session.db")
}
