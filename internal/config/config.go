// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/cropdoc/internal/client"
	"github.com/jeranaias/cropdoc/internal/stream"
	"github.com/jeranaias/cropdoc/internal/util"
)

// =============================================================================
// CONFIGURATION STRUCTS
// =============================================================================

// Config is the main configuration structure for cropdoc.
type Config struct {
	Server    ServerConfig    `toml:"server" json:"server"`
	Transport TransportConfig `toml:"transport" json:"transport"`
	Retry     RetryConfig     `toml:"retry" json:"retry"`
	RateLimit RateLimitConfig `toml:"rate_limit" json:"rate_limit"`
	UI        UIConfig        `toml:"ui" json:"ui"`

	// DataDir holds the preferences database and exports.
	DataDir string `toml:"data_dir" json:"data_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level" json:"log_level"`
}

// ServerConfig selects the diagnosis server.
type ServerConfig struct {
	// URL overrides the preset URL for Type when set.
	URL string `toml:"url" json:"url"`
	// Type is "cloud" or "local".
	Type       string `toml:"type" json:"type"`
	StreamPath string `toml:"stream_path" json:"stream_path"`
	HealthPath string `toml:"health_path" json:"health_path"`
}

// TransportConfig holds socket and call timeouts in seconds.
type TransportConfig struct {
	ConnectTimeoutSecs int `toml:"connect_timeout_secs" json:"connect_timeout_secs"`
	ReadTimeoutSecs    int `toml:"read_timeout_secs" json:"read_timeout_secs"`
	WriteTimeoutSecs   int `toml:"write_timeout_secs" json:"write_timeout_secs"`
	CallTimeoutSecs    int `toml:"call_timeout_secs" json:"call_timeout_secs"`

	// MaxFrameMB caps a single SSE line. Overlay frames carry a whole photo.
	MaxFrameMB int `toml:"max_frame_mb" json:"max_frame_mb"`
}

// RetryConfig controls connection retries for a stream request.
type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts" json:"max_attempts"`
	BaseDelayMS int `toml:"base_delay_ms" json:"base_delay_ms"`
}

// RateLimitConfig bounds outbound requests. RPS of zero disables limiting.
type RateLimitConfig struct {
	RPS   float64 `toml:"rps" json:"rps"`
	Burst int     `toml:"burst" json:"burst"`
}

// UIConfig holds terminal rendering options.
type UIConfig struct {
	Markdown bool `toml:"markdown" json:"markdown"`
	Color    bool `toml:"color" json:"color"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with built-in defaults.
func Default() *Config {
	dataDir := ""
	if dir, err := ConfigDir(); err == nil {
		dataDir = dir
	}
	return &Config{
		Server: ServerConfig{
			Type:       string(client.ServerCloud),
			StreamPath: client.DefaultStreamPath,
			HealthPath: client.DefaultHealthPath,
		},
		Transport: TransportConfig{
			ConnectTimeoutSecs: int(client.DefaultConnectTimeout / time.Second),
			ReadTimeoutSecs:    int(client.DefaultReadTimeout / time.Second),
			WriteTimeoutSecs:   int(client.DefaultWriteTimeout / time.Second),
			CallTimeoutSecs:    int(client.DefaultCallTimeout / time.Second),
			MaxFrameMB:         stream.DefaultMaxLineSize >> 20,
		},
		Retry: RetryConfig{
			MaxAttempts: client.DefaultMaxRetries,
			BaseDelayMS: int(client.DefaultRetryBaseDelay / time.Millisecond),
		},
		RateLimit: RateLimitConfig{
			RPS:   2,
			Burst: 4,
		},
		UI: UIConfig{
			Markdown: true,
			Color:    true,
		},
		DataDir:  dataDir,
		LogLevel: "warn",
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns ~/.cropdoc.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".cropdoc"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the TOML file, then the JSON file, then falls back to
// defaults. A .env file in the working directory is loaded before
// environment overrides are applied. When a file exists but cannot be
// decoded, defaults are returned along with the decode error.
func Load() (*Config, error) {
	cfg := Default()
	var loadErr error

	loaded := false
	if tomlPath, err := ConfigPathTOML(); err == nil && fileExists(tomlPath) {
		if err := LoadTOML(cfg, tomlPath); err != nil {
			loadErr = fmt.Errorf("failed to load TOML config: %w", err)
			cfg = Default()
		} else {
			loaded = true
		}
	}
	if !loaded {
		if jsonPath, err := ConfigPathJSON(); err == nil && fileExists(jsonPath) {
			if err := LoadJSON(cfg, jsonPath); err != nil {
				loadErr = errors.Join(loadErr, fmt.Errorf("failed to load JSON config: %w", err))
				cfg = Default()
			}
		}
	}

	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, loadErr
}

// LoadFromPath loads one file; the format follows the extension.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	var err error
	if strings.HasSuffix(path, ".json") {
		err = LoadJSON(cfg, path)
	} else {
		err = LoadTOML(cfg, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg. Keys absent from the file keep
// their current values.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		slog.Warn("unknown config keys ignored", "path", path, "keys", keys)
	}
	return nil
}

// LoadJSON decodes a JSON file over cfg.
func LoadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// finish applies .env, environment overrides, defaults and validation.
func finish(cfg *Config) error {
	LoadDotEnv()
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadDotEnv loads .env from the working directory without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv() {
	if !fileExists(".env") {
		return
	}
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env", "err", err)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg atomically with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf strings.Builder
	buf.WriteString("# cropdoc configuration file\n")
	buf.WriteString("# Environment variables CROPDOC_* override these values.\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(buf.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes cfg as indented JSON, atomically with 0600 permissions.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if _, err := client.ParseServerType(c.Server.Type); err != nil {
		errs = append(errs, ValidationError{"server.type", "must be cloud or local"})
	}
	if c.Server.URL != "" {
		if u, err := url.Parse(c.Server.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ValidationError{"server.url", "must be an http or https URL"})
		}
	}
	for field, p := range map[string]string{"server.stream_path": c.Server.StreamPath, "server.health_path": c.Server.HealthPath} {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, ValidationError{field, "must start with /"})
		}
	}

	timeouts := []struct {
		field string
		secs  int
	}{
		{"transport.connect_timeout_secs", c.Transport.ConnectTimeoutSecs},
		{"transport.read_timeout_secs", c.Transport.ReadTimeoutSecs},
		{"transport.write_timeout_secs", c.Transport.WriteTimeoutSecs},
		{"transport.call_timeout_secs", c.Transport.CallTimeoutSecs},
	}
	for _, t := range timeouts {
		if t.secs < 1 || t.secs > 3600 {
			errs = append(errs, ValidationError{t.field, "must be between 1 and 3600"})
		}
	}

	if c.Transport.MaxFrameMB < 1 || c.Transport.MaxFrameMB > 256 {
		errs = append(errs, ValidationError{"transport.max_frame_mb", "must be between 1 and 256"})
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		errs = append(errs, ValidationError{"retry.max_attempts", "must be between 1 and 10"})
	}
	if c.Retry.BaseDelayMS < 0 {
		errs = append(errs, ValidationError{"retry.base_delay_ms", "must not be negative"})
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, ValidationError{"rate_limit.rps", "must not be negative"})
	}
	if c.RateLimit.Burst < 0 {
		errs = append(errs, ValidationError{"rate_limit.burst", "must not be negative"})
	}
	if !validLogLevels[c.LogLevel] {
		errs = append(errs, ValidationError{"log_level", "must be debug, info, warn or error"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills zero values with defaults and normalizes case.
func (c *Config) SetDefaults() {
	d := Default()

	c.Server.Type = strings.ToLower(strings.TrimSpace(c.Server.Type))
	if c.Server.Type == "" {
		c.Server.Type = d.Server.Type
	}
	c.Server.URL = strings.TrimSpace(c.Server.URL)
	if c.Server.StreamPath == "" {
		c.Server.StreamPath = d.Server.StreamPath
	}
	if c.Server.HealthPath == "" {
		c.Server.HealthPath = d.Server.HealthPath
	}

	if c.Transport.ConnectTimeoutSecs == 0 {
		c.Transport.ConnectTimeoutSecs = d.Transport.ConnectTimeoutSecs
	}
	if c.Transport.ReadTimeoutSecs == 0 {
		c.Transport.ReadTimeoutSecs = d.Transport.ReadTimeoutSecs
	}
	if c.Transport.WriteTimeoutSecs == 0 {
		c.Transport.WriteTimeoutSecs = d.Transport.WriteTimeoutSecs
	}
	if c.Transport.CallTimeoutSecs == 0 {
		c.Transport.CallTimeoutSecs = d.Transport.CallTimeoutSecs
	}
	if c.Transport.MaxFrameMB == 0 {
		c.Transport.MaxFrameMB = d.Transport.MaxFrameMB
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = d.RateLimit.Burst
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
}

// ApplyEnvOverrides applies CROPDOC_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	// CROPDOC_SERVER_URL
	if u := os.Getenv("CROPDOC_SERVER_URL"); u != "" {
		c.Server.URL = u
	}

	// CROPDOC_SERVER_TYPE
	if t := os.Getenv("CROPDOC_SERVER_TYPE"); t != "" {
		c.Server.Type = t
	}

	// CROPDOC_LOG_LEVEL
	if level := os.Getenv("CROPDOC_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	// CROPDOC_DATA_DIR
	if dir := os.Getenv("CROPDOC_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}

	// CROPDOC_NO_COLOR / NO_COLOR
	if v := os.Getenv("CROPDOC_NO_COLOR"); v == "1" || strings.EqualFold(v, "true") || os.Getenv("NO_COLOR") != "" {
		c.UI.Color = false
	}

	// CROPDOC_RATE_LIMIT
	if v := os.Getenv("CROPDOC_RATE_LIMIT"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.RPS = rps
		}
	}
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// ClientOptions converts the transport settings into client options. The
// server URL and type are resolved by the caller, since saved preferences
// take precedence over the file.
func (c *Config) ClientOptions(logger *slog.Logger) client.Options {
	return client.Options{
		BaseURL:        c.Server.URL,
		ServerType:     client.ServerType(c.Server.Type),
		ConnectTimeout: time.Duration(c.Transport.ConnectTimeoutSecs) * time.Second,
		ReadTimeout:    time.Duration(c.Transport.ReadTimeoutSecs) * time.Second,
		WriteTimeout:   time.Duration(c.Transport.WriteTimeoutSecs) * time.Second,
		CallTimeout:    time.Duration(c.Transport.CallTimeoutSecs) * time.Second,
		MaxFrameBytes:  c.Transport.MaxFrameMB << 20,
		MaxRetries:     c.Retry.MaxAttempts,
		RetryBaseDelay: time.Duration(c.Retry.BaseDelayMS) * time.Millisecond,
		StreamPath:     c.Server.StreamPath,
		HealthPath:     c.Server.HealthPath,
		RateLimit:      c.RateLimit.RPS,
		Burst:          c.RateLimit.Burst,
		Logger:         logger,
	}
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
