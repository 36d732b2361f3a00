// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the Deepen CLI configuration.
//
// The file lives at ~/.deepen/deepen.yaml and is created with defaults on
// first run. A .env file in the working directory is loaded next, then
// environment variables override file values:
//
//	DEEPEN_BASE_URL        base_url
//	DEEPEN_SESSION_COOKIE  session_cookie
//	DEEPEN_MODEL           model_id
//	OPENAI_API_KEY         devserver OpenAI key (never written to disk)
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvBaseURL       = "DEEPEN_BASE_URL"
	EnvSessionCookie = "DEEPEN_SESSION_COOKIE"
	EnvModel         = "DEEPEN_MODEL"
	EnvOpenAIKey     = "OPENAI_API_KEY"
)

// DefaultBaseURL points at a local dev server.
const DefaultBaseURL = "http://127.0.0.1:8787"

// Config is the CLI configuration.
type Config struct {
	// BaseURL is the Deepen backend origin.
	BaseURL string `yaml:"base_url" validate:"required,http_url"`

	// SessionCookie authenticates to the backend. Prefer the environment
	// variable over storing it in the file.
	SessionCookie string `yaml:"session_cookie,omitempty"`

	// ModelID is sent with new conversations when set.
	ModelID string `yaml:"model_id,omitempty"`

	// Temperature and MaxTokens are sent as generation options when set.
	Temperature *float64 `yaml:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int      `yaml:"max_tokens,omitempty" validate:"gte=0,lte=32768"`

	// HeaderTimeout bounds the wait for response headers.
	HeaderTimeout time.Duration `yaml:"header_timeout" validate:"gte=0"`

	// DataDir holds the local conversation store. "~" is expanded.
	DataDir string `yaml:"data_dir" validate:"required"`

	// Personality selects output styling: full, minimal, or machine.
	// Empty detects from the terminal.
	Personality string `yaml:"personality,omitempty" validate:"omitempty,oneof=full minimal machine"`

	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
	DevServer DevServerConfig `yaml:"devserver"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Dir enables JSON file logs when set. "~" is expanded.
	Dir string `yaml:"dir,omitempty"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Exporter is none, stdout, or otlp.
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint,omitempty" validate:"required_if=Exporter otlp"`

	Insecure bool `yaml:"insecure,omitempty"`
}

// DevServerConfig configures `deepen devserver`.
type DevServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// SessionToken, when set, is the deepen_session cookie clients must send.
	SessionToken string `yaml:"session_token,omitempty"`

	// OpenAIModel is used with --openai.
	OpenAIModel string `yaml:"openai_model,omitempty"`

	// Legacy streams untyped frames.
	Legacy bool `yaml:"legacy,omitempty"`

	// OpenAIKey comes from OPENAI_API_KEY only.
	OpenAIKey string `yaml:"-"`
}

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		BaseURL:       DefaultBaseURL,
		HeaderTimeout: 30 * time.Second,
		DataDir:       "~/.deepen/data",
		Log:           LogConfig{Level: "warn"},
		Tracing:       TracingConfig{Exporter: "none", Endpoint: "localhost:4317", Insecure: true},
		DevServer:     DevServerConfig{Addr: "127.0.0.1:8787", OpenAIModel: "gpt-4o-mini"},
	}
}

// DefaultPath returns ~/.deepen/deepen.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".deepen", "deepen.yaml"), nil
}

// Load reads the config at path, creating it with defaults if it does not
// exist, then applies .env and environment overrides and validates.
// An empty path means DefaultPath.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}
	path = ExpandHome(path)

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv(lookup)
	cfg.DataDir = ExpandHome(cfg.DataDir)
	cfg.Log.Dir = ExpandHome(cfg.Log.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBaseURL); ok && v != "" {
		c.BaseURL = v
	}
	if v, ok := lookup(EnvSessionCookie); ok && v != "" {
		c.SessionCookie = v
	}
	if v, ok := lookup(EnvModel); ok && v != "" {
		c.ModelID = v
	}
	if v, ok := lookup(EnvOpenAIKey); ok {
		c.DevServer.OpenAIKey = v
	}
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
