// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_CreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".deepen", "deepen.yaml")

	cfg, err := load(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.HeaderTimeout)
	assert.Equal(t, "none", cfg.Tracing.Exporter)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk Config
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	assert.Equal(t, "warn", onDisk.Log.Level)
	assert.Equal(t, 30*time.Second, onDisk.HeaderTimeout)
}

func TestLoad_ReadsFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deepen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_url: https://app.deepen.ai
model_id: deepen-large
temperature: 0.3
header_timeout: 5s
data_dir: /tmp/deepen-data
log:
  level: debug
`), 0o600))

	cfg, err := load(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, "https://app.deepen.ai", cfg.BaseURL)
	assert.Equal(t, "deepen-large", cfg.ModelID)
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.3, *cfg.Temperature, 1e-9)
	assert.Equal(t, 5*time.Second, cfg.HeaderTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:8787", cfg.DevServer.Addr, "unset sections keep defaults")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deepen.yaml")

	cfg, err := load(path, envMap(map[string]string{
		EnvBaseURL:       "https://staging.deepen.ai",
		EnvSessionCookie: "cookie-value",
		EnvModel:         "m-1",
		EnvOpenAIKey:     "sk-test",
	}))
	require.NoError(t, err)

	assert.Equal(t, "https://staging.deepen.ai", cfg.BaseURL)
	assert.Equal(t, "cookie-value", cfg.SessionCookie)
	assert.Equal(t, "m-1", cfg.ModelID)
	assert.Equal(t, "sk-test", cfg.DevServer.OpenAIKey)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-test")
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad url", "base_url: not a url\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"bad exporter", "tracing:\n  exporter: zipkin\n"},
		{"otlp without endpoint", "tracing:\n  exporter: otlp\n  endpoint: \"\"\n"},
		{"temperature out of range", "temperature: 3\n"},
		{"bad personality", "personality: chatty\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "deepen.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))

			_, err := load(path, noEnv)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deepen.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base_url: [unterminated\n"), 0o600))

	_, err := load(path, noEnv)
	assert.ErrorContains(t, err, "parse config")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".deepen", "data"), ExpandHome("~/.deepen/data"))
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
	assert.Equal(t, "~other/x", ExpandHome("~other/x"))
	assert.Equal(t, "", ExpandHome(""))
}
