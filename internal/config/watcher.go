// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// CONFIG WATCHER
// =============================================================================

// DefaultDebounce is how long the file must stay quiet before a reload.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a config file when it changes and hands the new config to
// a callback. Decode and validation failures are logged and the previous
// config stays in effect.
type Watcher struct {
	path     string
	onReload func(*Config)
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending time.Time // zero when nothing is pending
}

// NewWatcher creates a watcher for path. The directory is watched rather
// than the file so atomic saves, which rename over the target, are seen.
func NewWatcher(path string, onReload func(*Config), debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     filepath.Clean(path),
		onReload: onReload,
		debounce: debounce,
		logger:   logger.With("component", "config-watcher"),
		watcher:  fw,
		ctx:      ctx,
		cancel:   cancel,
	}

	w.wg.Add(2)
	go w.processEvents()
	go w.processPending()
	return w, nil
}

// Close stops watching and waits for the goroutines to exit.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// processEvents records changes to the watched file.
func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.mu.Lock()
				w.pending = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "err", err)
		}
	}
}

// processPending reloads once the file has been quiet for the debounce.
func (w *Watcher) processPending() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.debounce / 4)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case now := <-ticker.C:
			w.mu.Lock()
			ready := !w.pending.IsZero() && now.Sub(w.pending) >= w.debounce
			if ready {
				w.pending = time.Time{}
			}
			w.mu.Unlock()

			if ready {
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	if !fileExists(w.path) {
		return
	}
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
