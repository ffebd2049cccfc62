// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigError(t *testing.T) {
	err := NewConfigError("field", "message")
	expected := "config error in 'field': message"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}

	err = NewConfigError("", "general error")
	expected = "config error: general error"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("database: /etc/ocsp/db.yaml\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Listen != ":8080" {
		t.Errorf("Expected listen ':8080', got '%s'", cfg.Listen)
	}
	if cfg.BasePath != "/" {
		t.Errorf("Expected base-path '/', got '%s'", cfg.BasePath)
	}
	if cfg.Concurrency != 8 {
		t.Errorf("Expected concurrency 8, got %d", cfg.Concurrency)
	}
	if cfg.ResponderID != ResponderIDName {
		t.Errorf("Expected responder-id '%s', got '%s'", ResponderIDName, cfg.ResponderID)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Expected metrics enabled on /metrics, got %+v", cfg.Metrics)
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: 127.0.0.1:9000
base-path: /ocsp
database: db.yaml
concurrency: 2
timeout: 3s
responder-id: key
h2c: true
debounce: 1s
shutdown-timeout: 5s
metrics:
  enabled: false
log:
  level: debug
  format: json
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	want := &Config{
		Listen:          "127.0.0.1:9000",
		BasePath:        "/ocsp",
		Database:        "db.yaml",
		Concurrency:     2,
		Timeout:         3 * time.Second,
		ResponderID:     ResponderIDKey,
		H2C:             true,
		Debounce:        time.Second,
		ShutdownTimeout: 5 * time.Second,
		Metrics:         MetricsConfig{Enabled: false, Path: "/metrics"},
		Log:             LogConfig{Level: "debug", Format: "json"},
	}
	if *cfg != *want {
		t.Errorf("Expected %+v, got %+v", want, cfg)
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil || level != slog.LevelDebug {
		t.Errorf("Expected debug level, got %v (%v)", level, err)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"missing database", "listen: \":80\"\n", "database"},
		{"empty listen", "database: db.yaml\nlisten: \"\"\n", "listen"},
		{"relative base path", "database: db.yaml\nbase-path: ocsp\n", "base-path"},
		{"zero concurrency", "database: db.yaml\nconcurrency: 0\n", "concurrency"},
		{"negative timeout", "database: db.yaml\ntimeout: -1s\n", "timeout"},
		{"bad responder id", "database: db.yaml\nresponder-id: hash\n", "responder-id"},
		{"negative debounce", "database: db.yaml\ndebounce: -1s\n", "debounce"},
		{"negative shutdown timeout", "database: db.yaml\nshutdown-timeout: -1s\n", "shutdown-timeout"},
		{"metrics path clash", "database: db.yaml\nbase-path: /metrics\n", "metrics.path"},
		{"bad log level", "database: db.yaml\nlog:\n  level: loud\n", "log.level"},
		{"bad log format", "database: db.yaml\nlog:\n  format: xml\n", "log.format"},
		{"unknown field", "database: db.yaml\ncolour: red\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Expected a ConfigError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Expected field '%s', got '%s'", tt.field, cfgErr.Field)
			}
		})
	}
}

func TestParseMissingRequiredField(t *testing.T) {
	_, err := Parse(nil)
	if !errors.Is(err, ErrMissingRequiredField) {
		t.Errorf("Expected ErrMissingRequiredField, got %v", err)
	}
}

func TestLoadResolvesDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("database: db.yaml\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if expected := filepath.Join(dir, "db.yaml"); cfg.Database != expected {
		t.Errorf("Expected database '%s', got '%s'", expected, cfg.Database)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Expected info to be filtered, got %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("Expected a JSON warn record, got %s", out)
	}
}
