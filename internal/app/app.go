// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package app wires the session actor, the transport and the reconciler
// into the operations the command line drives.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/jeranaias/cropdoc/internal/enrich"
	"github.com/jeranaias/cropdoc/internal/model"
	"github.com/jeranaias/cropdoc/internal/reconcile"
	"github.com/jeranaias/cropdoc/internal/request"
	"github.com/jeranaias/cropdoc/internal/session"
	"github.com/jeranaias/cropdoc/internal/stream"
)

// Errors returned by App operations.
var (
	ErrNothingToRetry = errors.New("no failed message to retry")
	ErrNotRetryable   = errors.New("message cannot be retried")
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Streamer sends one chat request and feeds the response to h. It must call
// h.OnComplete exactly once, including when the request never connects.
type Streamer interface {
	Stream(ctx context.Context, req request.ChatRequest, h stream.Handler) error
}

// ProfileSource supplies the farmer profile used to enrich requests.
type ProfileSource interface {
	Profile(ctx context.Context) (enrich.Profile, error)
}

// Image is a photo attached to a message.
type Image struct {
	Ref string // file path or other display reference
	B64 string
}

// LoadImage reads and encodes the image at path.
func LoadImage(path string) (*Image, error) {
	b64, err := request.EncodeImageFile(path)
	if err != nil {
		return nil, err
	}
	return &Image{Ref: filepath.Base(path), B64: b64}, nil
}

// Options configures an App.
type Options struct {
	Streamer Streamer
	Profile  ProfileSource
	Observer reconcile.Observer
	Logger   *slog.Logger

	// Now stamps request context; defaults to time.Now.
	Now func() time.Time
}

// =============================================================================
// APP
// =============================================================================

// App is the composition root. It owns the only session store.
type App struct {
	actor    *session.Actor
	streamer Streamer
	profile  ProfileSource
	observer reconcile.Observer
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	streams map[string]*running // session id -> running stream
}

type running struct {
	cancel context.CancelFunc
}

// New creates an App with one empty active session.
func New(opts Options) (*App, error) {
	if opts.Streamer == nil {
		return nil, errors.New("app: streamer is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = reconcile.NopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	store := session.NewStore(opts.Logger)
	store.Create("")

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		actor:    session.NewActor(store, opts.Logger),
		streamer: opts.Streamer,
		profile:  opts.Profile,
		observer: opts.Observer,
		logger:   opts.Logger.With("component", "app"),
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
		streams:  make(map[string]*running),
	}, nil
}

// Close cancels running streams, waits for them, and stops the actor.
func (a *App) Close() {
	a.cancel()
	a.wg.Wait()
	a.actor.Close()
}

// Wait blocks until every running stream has completed or ctx ends.
func (a *App) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// SESSIONS
// =============================================================================

// NewSession creates an empty session and makes it active.
func (a *App) NewSession(ctx context.Context) (*model.Session, error) {
	var sess *model.Session
	err := a.actor.Do(ctx, func(s *session.Store) error {
		sess = s.Create("")
		return nil
	})
	return sess, err
}

// Switch activates id. When the session no longer exists a fresh one is
// created and activated instead; created reports that fallback.
func (a *App) Switch(ctx context.Context, id string) (sess *model.Session, created bool, err error) {
	err = a.actor.Do(ctx, func(s *session.Store) error {
		var err error
		sess, err = s.SwitchTo(id)
		if errors.Is(err, session.ErrSessionNotFound) {
			sess, created = s.Create(""), true
			return nil
		}
		return err
	})
	if created {
		a.logger.Info("session not found, started a new one", "requested", id, "session", sess.ID)
	}
	return sess, created, err
}

// Active returns a copy of the active session.
func (a *App) Active(ctx context.Context) (*model.Session, error) {
	var sess *model.Session
	err := a.actor.Do(ctx, func(s *session.Store) error {
		sess = s.Active()
		if sess == nil {
			return session.ErrNoActiveSession
		}
		return nil
	})
	return sess, err
}

// Session returns a copy of one session.
func (a *App) Session(ctx context.Context, id string) (*model.Session, error) {
	var sess *model.Session
	err := a.actor.Do(ctx, func(s *session.Store) error {
		var err error
		sess, err = s.Get(id)
		return err
	})
	return sess, err
}

// Sessions lists sessions, most recently updated first.
func (a *App) Sessions(ctx context.Context) ([]model.Summary, error) {
	var list []model.Summary
	err := a.actor.Do(ctx, func(s *session.Store) error {
		list = s.List()
		return nil
	})
	return list, err
}

// Rename sets a session title.
func (a *App) Rename(ctx context.Context, id, title string) error {
	return a.actor.Do(ctx, func(s *session.Store) error {
		return s.Rename(id, title)
	})
}

// Delete removes a session, cancelling its stream if one is running. When
// the last session is deleted a new empty one becomes active.
func (a *App) Delete(ctx context.Context, id string) error {
	a.Cancel(id)
	return a.actor.Do(ctx, func(s *session.Store) error {
		if err := s.Delete(id); err != nil {
			return err
		}
		if s.Len() == 0 {
			s.Create("")
		}
		return nil
	})
}

// Cancel stops the stream running for a session. It reports whether one was.
func (a *App) Cancel(id string) bool {
	a.mu.Lock()
	r, ok := a.streams[id]
	a.mu.Unlock()
	if ok {
		r.cancel()
	}
	return ok
}

// =============================================================================
// SENDING
// =============================================================================

// Turn identifies a submitted user message and its response stream.
type Turn struct {
	SessionID string
	MessageID string
	// AutoSplit reports that the image started a new session.
	AutoSplit bool
	// Done is closed when the response stream has completed.
	Done <-chan struct{}
}

// Send appends a user turn to the active session and streams the response
// in the background. An image sent into a session that already holds a
// finished diagnosis with a photo starts a new session first. A second send
// while the session's stream is running fails with session.ErrStreamInFlight.
func (a *App) Send(ctx context.Context, text string, image *Image) (*Turn, error) {
	msg := model.NewUserMessage(text)
	if image != nil {
		msg = model.NewImageMessage(text, image.Ref, image.B64)
	}
	if _, err := request.Build(msg.Text, msg.ImageB64, "", nil); err != nil {
		return nil, err
	}

	var (
		sessionID string
		token     session.Token
		split     bool
	)
	err := a.actor.Do(ctx, func(s *session.Store) error {
		if msg.HasImage() && s.ShouldAutoSplit() {
			s.Create("")
			split = true
		}
		active := s.Active()
		if active == nil {
			active = s.Create("")
		}
		sessionID = active.ID

		var err error
		if token, err = s.BeginStream(sessionID); err != nil {
			return err
		}
		if err := s.Append(sessionID, msg); err != nil {
			s.EndStream(sessionID, token)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if split {
		a.logger.Info("new photo after a finished diagnosis, started a new session", "session", sessionID)
	}
	a.observer.OnSessionChanged(sessionID, true)

	turn := a.launch(ctx, sessionID, token, msg)
	turn.AutoSplit = split
	return turn, nil
}

// Retry re-issues the request for a failed user message with its original
// text and image. An empty messageID picks the active session's latest
// retryable message. Only the latest user message can be retried.
func (a *App) Retry(ctx context.Context, messageID string) (*Turn, error) {
	var (
		sessionID string
		token     session.Token
		msg       *model.Message
	)
	err := a.actor.Do(ctx, func(s *session.Store) error {
		active := s.Active()
		if active == nil {
			return session.ErrNoActiveSession
		}
		sessionID = active.ID

		last := active.LastUserMessage()
		switch {
		case last == nil || (messageID == "" && !last.Retryable):
			return ErrNothingToRetry
		case messageID != "" && last.ID != messageID:
			return fmt.Errorf("%w: %s is not the latest message", ErrNotRetryable, messageID)
		case !last.Retryable:
			return fmt.Errorf("%w: %s", ErrNotRetryable, last.ID)
		}

		var err error
		if token, err = s.BeginStream(sessionID); err != nil {
			return err
		}
		return s.Update(sessionID, func(sess *model.Session) error {
			target := sess.MessageByID(last.ID)
			target.Failed = false
			target.Retryable = false
			target.Error = ""
			sess.LastError = ""
			msg = target.Clone()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	a.observer.OnSessionChanged(sessionID, true)
	return a.launch(ctx, sessionID, token, msg), nil
}

// launch builds the request for msg and streams it on a background
// goroutine bound to sessionID. The token is released by the reconciler.
func (a *App) launch(ctx context.Context, sessionID string, token session.Token, msg *model.Message) *Turn {
	rec := reconcile.New(reconcile.Config{
		Actor:     a.actor,
		SessionID: sessionID,
		Token:     token,
		Observer:  a.observer,
		Logger:    a.logger,
	})

	req, err := request.Build(msg.Text, msg.ImageB64, sessionID, a.requestContext(ctx))
	if err != nil {
		// Validated before the turn was appended; unreachable in practice.
		rec.OnError(err)
		rec.OnComplete()
		return &Turn{SessionID: sessionID, MessageID: msg.ID, Done: rec.Done()}
	}

	streamCtx, cancel := context.WithCancel(a.ctx)
	run := &running{cancel: cancel}
	a.mu.Lock()
	a.streams[sessionID] = run
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			if a.streams[sessionID] == run {
				delete(a.streams, sessionID)
			}
			a.mu.Unlock()
			cancel()
		}()

		if err := a.streamer.Stream(streamCtx, req, rec); err != nil {
			a.logger.Debug("stream ended with error", "session", sessionID, "err", err)
		}
		// A streamer that returns without completing must not strand the token.
		rec.OnComplete()
	}()

	return &Turn{SessionID: sessionID, MessageID: msg.ID, Done: rec.Done()}
}

// requestContext builds the enrichment map. A failing profile source only
// loses the profile fields.
func (a *App) requestContext(ctx context.Context) map[string]any {
	var profile enrich.Profile
	if a.profile != nil {
		p, err := a.profile.Profile(ctx)
		if err != nil {
			a.logger.Warn("failed to read farm profile", "err", err)
		} else {
			profile = p
		}
	}
	return enrich.Build(a.now(), profile)
}
