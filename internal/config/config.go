// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

// Package config loads the configuration of the ocspresponder server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingRequiredField is wrapped by errors about required fields.
var ErrMissingRequiredField = errors.New("missing required field")

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// Responder ID kinds.
const (
	ResponderIDName = "name"
	ResponderIDKey  = "key"
)

// Config is the server configuration.
type Config struct {
	// Listen is the address the HTTP server listens on.
	Listen string `yaml:"listen"`

	// BasePath is the path OCSP requests are served under.
	BasePath string `yaml:"base-path"`

	// Database is the path to the filestore database.
	Database string `yaml:"database"`

	// Concurrency bounds how many certificates of one request are looked up
	// at once.
	Concurrency int `yaml:"concurrency"`

	// Timeout bounds the time spent answering one request.
	Timeout time.Duration `yaml:"timeout"`

	// ResponderID is either "name" or "key".
	ResponderID string `yaml:"responder-id"`

	// H2C enables HTTP/2 over cleartext TCP.
	H2C bool `yaml:"h2c"`

	// Debounce is how long to wait for database changes to settle before
	// reloading it.
	Debounce time.Duration `yaml:"debounce"`

	// ShutdownTimeout is how long in-flight requests get to finish when
	// shutting down.
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`

	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is either text or json.
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Listen:          ":8080",
		BasePath:        "/",
		Concurrency:     8,
		Timeout:         10 * time.Second,
		ResponderID:     ResponderIDName,
		Debounce:        100 * time.Millisecond,
		ShutdownTimeout: 15 * time.Second,
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration at path on top of the defaults. A relative
// database path is resolved against the directory of the configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	if cfg.Database != "" && !filepath.IsAbs(cfg.Database) {
		cfg.Database = filepath.Join(filepath.Dir(path), cfg.Database)
	}
	return cfg, nil
}

// Parse parses a YAML configuration on top of the defaults and validates it.
func Parse(b []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Message: "invalid YAML", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return &ConfigError{Field: "listen", Message: "required field is missing", Err: ErrMissingRequiredField}
	}
	if c.Database == "" {
		return &ConfigError{Field: "database", Message: "required field is missing", Err: ErrMissingRequiredField}
	}
	if !strings.HasPrefix(c.BasePath, "/") {
		return NewConfigError("base-path", "must start with '/'")
	}
	if c.Concurrency < 1 {
		return NewConfigError("concurrency", "must be at least 1")
	}
	if c.Timeout < 0 {
		return NewConfigError("timeout", "must not be negative")
	}
	if c.ResponderID != ResponderIDName && c.ResponderID != ResponderIDKey {
		return NewConfigError("responder-id", fmt.Sprintf("must be %q or %q, got %q", ResponderIDName, ResponderIDKey, c.ResponderID))
	}
	if c.Debounce < 0 {
		return NewConfigError("debounce", "must not be negative")
	}
	if c.ShutdownTimeout < 0 {
		return NewConfigError("shutdown-timeout", "must not be negative")
	}
	if c.Metrics.Enabled {
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return NewConfigError("metrics.path", "must start with '/'")
		}
		if c.Metrics.Path == c.BasePath {
			return NewConfigError("metrics.path", "must differ from base-path")
		}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return &ConfigError{Field: "log.level", Message: err.Error(), Err: err}
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return NewConfigError("log.format", fmt.Sprintf("must be \"text\" or \"json\", got %q", c.Log.Format))
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, err
	}
	return level, nil
}

// NewLogger builds the logger described by c, writing to w.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
