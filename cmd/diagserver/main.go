// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command diagserver runs the scripted diagnosis server locally.
//
// Environment (also read from .env):
//
//	DIAGSERVER_ADDR   listen address (default 127.0.0.1:8000)
//	DIAGSERVER_DELAY  pause between frames, e.g. 300ms (default none)
//	DIAGSERVER_DEBUG  any non-empty value enables debug logging
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jeranaias/cropdoc/internal/devserver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "err", err)
	}

	level := slog.LevelInfo
	if os.Getenv("DIAGSERVER_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var delay time.Duration
	if raw := os.Getenv("DIAGSERVER_DELAY"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			logger.Error("invalid DIAGSERVER_DELAY", "value", raw, "err", err)
			os.Exit(2)
		}
		delay = d
	}

	srv := devserver.New(devserver.Options{
		Addr:   os.Getenv("DIAGSERVER_ADDR"),
		Delay:  delay,
		Logger: logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "err", err)
		}
		<-errCh
	}
}
