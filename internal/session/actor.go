// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrActorClosed is returned by Do after Close.
var ErrActorClosed = errors.New("session actor closed")

// =============================================================================
// ACTOR
// =============================================================================

type request struct {
	fn   func(*Store) error
	done chan error
}

// Actor owns a Store on a dedicated goroutine. Every read and mutation is
// submitted as a closure and runs to completion before the next one starts.
type Actor struct {
	store    *Store
	requests chan request
	quit     chan struct{}
	stopped  chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

// NewActor starts the goroutine that owns store.
func NewActor(store *Store, logger *slog.Logger) *Actor {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Actor{
		store:    store,
		requests: make(chan request),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   logger.With("component", "session-actor"),
	}
	go a.loop()
	return a
}

func (a *Actor) loop() {
	defer close(a.stopped)
	for {
		select {
		case req := <-a.requests:
			req.done <- a.run(req.fn)
		case <-a.quit:
			return
		}
	}
}

// run isolates a panicking closure so the owning goroutine survives it.
func (a *Actor) run(fn func(*Store) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("session operation panicked", "panic", r)
			err = errors.New("session operation panicked")
		}
	}()
	return fn(a.store)
}

// Do runs fn on the actor goroutine and returns its error. fn must not call
// Do itself and must not retain the *Store. If ctx ends before fn is
// scheduled, fn never runs and ctx.Err() is returned.
func (a *Actor) Do(ctx context.Context, fn func(*Store) error) error {
	req := request{fn: fn, done: make(chan error, 1)}

	select {
	case a.requests <- req:
	case <-a.quit:
		return ErrActorClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// Once accepted, fn always completes; wait for it regardless of ctx
	return <-req.done
}

// Close stops the actor goroutine. Pending Do calls return ErrActorClosed.
func (a *Actor) Close() {
	a.once.Do(func() { close(a.quit) })
	<-a.stopped
}
