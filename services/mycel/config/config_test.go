// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1000, cfg.DefaultRateLimit)
	assert.Equal(t, time.Hour, cfg.DecayInterval)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mycel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
log_level: debug
default_rate_limit: 250
decay_interval: 30m
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 250, cfg.DefaultRateLimit)
	assert.Equal(t, 30*time.Minute, cfg.DecayInterval)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mycel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9090\"\n"), 0o600))

	t.Setenv("MYCEL_LISTEN_ADDR", ":7070")
	t.Setenv("MYCEL_DEFAULT_RATE_LIMIT", "50")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 50, cfg.DefaultRateLimit)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/mycel.yaml")
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
