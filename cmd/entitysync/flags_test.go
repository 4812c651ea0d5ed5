package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags_Layers(t *testing.T) {
	var stderr bytes.Buffer
	cfg, err := parseFlags([]string{"-config", "base.yaml, prod.json", "-debug"}, &stderr)
	require.NoError(t, err)

	assert.Equal(t, []string{"base.yaml", "prod.json"}, cfg.ConfigPaths)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, stderr.String())
}

func TestParseFlags_EnvFallback(t *testing.T) {
	t.Setenv("ENTITYSYNC_CONFIG", "from-env.yaml")
	t.Setenv("ENTITYSYNC_LOG_FORMAT", "text")
	t.Setenv("ENTITYSYNC_START_TIMEOUT", "5s")

	cfg, err := parseFlags(nil, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, []string{"from-env.yaml"}, cfg.ConfigPaths)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 5*time.Second, cfg.StartTimeout)
}

func TestParseFlags_HelpPrintsUsage(t *testing.T) {
	var stderr bytes.Buffer
	cfg, err := parseFlags([]string{"-h"}, &stderr)
	require.NoError(t, err)
	assert.True(t, cfg.ShowHelp)
	assert.Contains(t, stderr.String(), "Usage: entitysync")
	assert.NoError(t, validateFlags(cfg))
}

func TestValidateFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenant: acme\n"), 0600))

	valid := func() *CLIConfig {
		return &CLIConfig{
			ConfigPaths:     []string{path},
			LogLevel:        "info",
			LogFormat:       "json",
			ShutdownTimeout: time.Second,
			StartTimeout:    time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*CLIConfig)
		wantErr bool
	}{
		{"valid", func(*CLIConfig) {}, false},
		{"missing file", func(c *CLIConfig) { c.ConfigPaths = []string{"nope.yaml"} }, true},
		{"no file", func(c *CLIConfig) { c.ConfigPaths = nil }, true},
		{"bad level", func(c *CLIConfig) { c.LogLevel = "trace" }, true},
		{"bad format", func(c *CLIConfig) { c.LogFormat = "xml" }, true},
		{"zero shutdown", func(c *CLIConfig) { c.ShutdownTimeout = 0 }, true},
		{"version skips checks", func(c *CLIConfig) {
			c.ShowVersion = true
			c.LogLevel = "trace"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := validateFlags(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "text")

	logger.Info("hidden")
	logger.Warn("shown", "store", "Flows")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "service=entitysync")

	assert.True(t, setupLogger(&buf, "debug", "json").Enabled(context.Background(), slog.LevelDebug))
}
