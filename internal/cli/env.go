// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeranaias/cropdoc/internal/client"
	"github.com/jeranaias/cropdoc/internal/config"
	"github.com/jeranaias/cropdoc/internal/prefs"
)

// =============================================================================
// COMMAND ENVIRONMENT
// =============================================================================

// Env is the shared setup every command runs with.
type Env struct {
	Args   Args
	Config *config.Config
	// ConfigPath is the file the config came from, "" for defaults.
	ConfigPath string

	Logger *slog.Logger
	Level  *slog.LevelVar
	Prefs  *prefs.Store

	Out io.Writer
	Err io.Writer
}

// NewEnv loads config, installs the logger and opens preferences. A broken
// config file is reported and defaults are used.
func NewEnv(args Args, out, errOut io.Writer) (*Env, error) {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, path, err := loadConfig(args.ConfigPath)
	if cfg == nil {
		return nil, err
	}
	if err != nil {
		fmt.Fprintf(errOut, "%s %v (using defaults)\n", WarningStyle.Render("[config]"), err)
	}

	level.Set(cfg.SlogLevel())
	if args.Verbose {
		level.Set(slog.LevelDebug)
	}
	ApplyColorProfile(!args.NoColor && ColorsEnabled(cfg.UI.Color))

	store, err := prefs.Open(filepath.Join(cfg.DataDir, prefs.FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open preferences: %w", err)
	}

	return &Env{
		Args:       args,
		Config:     cfg,
		ConfigPath: path,
		Logger:     logger,
		Level:      level,
		Prefs:      store,
		Out:        out,
		Err:        errOut,
	}, nil
}

// loadConfig loads an explicit path, or the default locations. The path
// returned is the existing file the config came from.
func loadConfig(explicit string) (*config.Config, string, error) {
	if explicit != "" {
		cfg, err := config.LoadFromPath(explicit)
		if err != nil {
			return nil, "", err
		}
		return cfg, explicit, nil
	}

	cfg, err := config.Load()
	if cfg == nil {
		return nil, "", err
	}
	for _, candidate := range []func() (string, error){config.ConfigPathTOML, config.ConfigPathJSON} {
		if p, perr := candidate(); perr == nil {
			if _, serr := os.Stat(p); serr == nil {
				return cfg, p, err
			}
		}
	}
	return cfg, "", err
}

// Close releases the preference store.
func (e *Env) Close() {
	if e.Prefs != nil {
		e.Prefs.Close()
	}
}

// Server is the resolved diagnosis server endpoint.
type Server struct {
	URL  string
	Type client.ServerType
	// Source names where the URL came from, for display.
	Source string
}

// ResolveServer picks the server from, in order: command-line flags, the
// CROPDOC_SERVER_URL/TYPE environment, saved preferences, the config file,
// then the server type's preset URL.
func (e *Env) ResolveServer(ctx context.Context) (Server, error) {
	prefURL, prefType, err := e.Prefs.Server(ctx)
	if err != nil {
		return Server{}, err
	}
	return resolveServer(
		layer{e.Args.ServerURL, e.Args.ServerType, "flag"},
		layer{os.Getenv("CROPDOC_SERVER_URL"), os.Getenv("CROPDOC_SERVER_TYPE"), "environment"},
		layer{prefURL, prefType, "preferences"},
		layer{e.Config.Server.URL, e.Config.Server.Type, "config"},
	)
}

type layer struct {
	url, serverType, source string
}

func resolveServer(layers ...layer) (Server, error) {
	var srv Server

	typeSet := false
	for _, l := range layers {
		if srv.URL == "" && strings.TrimSpace(l.url) != "" {
			srv.URL = strings.TrimSpace(l.url)
			srv.Source = l.source
		}
		if !typeSet && strings.TrimSpace(l.serverType) != "" {
			t, err := client.ParseServerType(l.serverType)
			if err != nil {
				return Server{}, fmt.Errorf("%s: %w", l.source, err)
			}
			srv.Type = t
			typeSet = true
		}
	}
	if !typeSet {
		srv.Type = client.ServerCloud
	}
	if srv.URL == "" {
		srv.URL = srv.Type.DefaultURL()
		srv.Source = "default for " + string(srv.Type)
	}

	if _, err := client.NormalizeURL(srv.URL); err != nil {
		return Server{}, fmt.Errorf("%s: %w", srv.Source, err)
	}
	return srv, nil
}

// NewClient builds a transport client for the resolved server.
func (e *Env) NewClient(ctx context.Context) (*client.Client, Server, error) {
	srv, err := e.ResolveServer(ctx)
	if err != nil {
		return nil, Server{}, err
	}
	opts := e.Config.ClientOptions(e.Logger)
	opts.BaseURL = srv.URL
	opts.ServerType = srv.Type
	c, err := client.New(opts)
	if err != nil {
		return nil, Server{}, err
	}
	return c, srv, nil
}

// errorExit is returned by handlers that already printed their failure.
var errorExit = errors.New("exit 1")

// IsReported reports whether err was already shown to the user.
func IsReported(err error) bool {
	return errors.Is(err, errorExit)
}
