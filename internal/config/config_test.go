// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/cropdoc/internal/client"
)

// isolate points the home directory at a temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	for _, key := range []string{
		"CROPDOC_SERVER_URL", "CROPDOC_SERVER_TYPE", "CROPDOC_LOG_LEVEL",
		"CROPDOC_DATA_DIR", "CROPDOC_NO_COLOR", "NO_COLOR", "CROPDOC_RATE_LIMIT",
	} {
		t.Setenv(key, "")
	}
	return home
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "cloud", cfg.Server.Type)
	assert.Equal(t, client.DefaultStreamPath, cfg.Server.StreamPath)
	assert.True(t, cfg.UI.Markdown)
}

func TestLoad_NoFilesReturnsDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".cropdoc"), cfg.DataDir)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoad_TOMLWinsOverJSON(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".cropdoc")
	require.NoError(t, os.MkdirAll(dir, 0700))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
log_level = "debug"

[server]
type = "local"
url = "http://192.168.1.20:8000"

[transport]
read_timeout_secs = 90
`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"log_level":"error"}`), 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "local", cfg.Server.Type)
	assert.Equal(t, "http://192.168.1.20:8000", cfg.Server.URL)
	assert.Equal(t, 90, cfg.Transport.ReadTimeoutSecs)
	// Untouched keys keep defaults
	assert.Equal(t, 10, cfg.Transport.ConnectTimeoutSecs)
}

func TestLoad_JSONFallback(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".cropdoc")
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"server":{"type":"LOCAL"},"retry":{"max_attempts":5}}`), 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Server.Type)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestLoad_BrokenFileFallsBackWithError(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".cropdoc")
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("log_level = = ="), 0600))

	cfg, err := Load()
	assert.Error(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestApplyEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("CROPDOC_SERVER_URL", "http://localhost:9000")
	t.Setenv("CROPDOC_SERVER_TYPE", "local")
	t.Setenv("CROPDOC_LOG_LEVEL", "info")
	t.Setenv("CROPDOC_DATA_DIR", "/tmp/cropdoc-data")
	t.Setenv("NO_COLOR", "1")
	t.Setenv("CROPDOC_RATE_LIMIT", "0.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", cfg.Server.URL)
	assert.Equal(t, "local", cfg.Server.Type)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "/tmp/cropdoc-data", cfg.DataDir)
	assert.False(t, cfg.UI.Color)
	assert.Equal(t, 0.5, cfg.RateLimit.RPS)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Type = "edge"
	cfg.Server.URL = "ftp://files"
	cfg.Server.StreamPath = "chat"
	cfg.Transport.CallTimeoutSecs = -1
	cfg.Retry.MaxAttempts = 50
	cfg.LogLevel = "loud"

	err := cfg.Validate()
	require.Error(t, err)

	var errs ValidateErrors
	require.ErrorAs(t, err, &errs)
	fields := make([]string, len(errs))
	for i, e := range errs {
		fields[i] = e.Field
	}
	assert.ElementsMatch(t, []string{
		"server.type", "server.url", "server.stream_path",
		"transport.call_timeout_secs", "retry.max_attempts", "log_level",
	}, fields)
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Server.Type = "local"
	cfg.RateLimit.RPS = 1.5
	require.NoError(t, SaveTOML(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Server, loaded.Server)
	assert.Equal(t, 1.5, loaded.RateLimit.RPS)
}

func TestClientOptions(t *testing.T) {
	cfg := Default()
	cfg.Transport.CallTimeoutSecs = 120
	cfg.Retry.BaseDelayMS = 250

	opts := cfg.ClientOptions(nil)
	assert.Equal(t, 2*time.Minute, opts.CallTimeout)
	assert.Equal(t, 250*time.Millisecond, opts.RetryBaseDelay)
	assert.Equal(t, client.ServerCloud, opts.ServerType)
	assert.Equal(t, 4, opts.Burst)
	assert.Equal(t, 16<<20, opts.MaxFrameBytes)

	cfg.Transport.MaxFrameMB = 0
	assert.Error(t, cfg.Validate())
	cfg.SetDefaults()
	assert.Equal(t, 16, cfg.Transport.MaxFrameMB)
}

func TestWatcher_ReloadsOnSave(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveTOML(Default(), path))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c }, 50*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	cfg := Default()
	cfg.LogLevel = "debug"
	require.NoError(t, SaveTOML(cfg, path))

	select {
	case got := <-reloaded:
		assert.Equal(t, "debug", got.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestWatcher_InvalidFileKeepsPrevious(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveTOML(Default(), path))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c }, 50*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`log_level = "shouting"`), 0600))

	select {
	case <-reloaded:
		t.Fatal("invalid config should not be delivered")
	case <-time.After(500 * time.Millisecond):
	}
}
