// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reconcile merges streamed diagnosis events into a session
// transcript.
//
// A Reconciler is bound to one session for the life of one stream. It is a
// stream.Handler and an event.Handler; every effect is applied through the
// session Actor, and the Observer is told about each change afterwards.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jeranaias/cropdoc/internal/event"
	"github.com/jeranaias/cropdoc/internal/model"
	"github.com/jeranaias/cropdoc/internal/session"
	"github.com/jeranaias/cropdoc/internal/stream"
)

// TurnSeparator joins consecutive fragments of one assistant turn.
const TurnSeparator = "\n\n"

// errUnchanged aborts an update without touching the session.
var errUnchanged = errors.New("unchanged")

// =============================================================================
// OBSERVER
// =============================================================================

// Observer is notified after the reconciler changes session state.
// Callbacks run on the streaming goroutine, never on the session actor, so
// they may read the store.
type Observer interface {
	// OnSessionChanged reports a mutation. active is false when the stream's
	// session is no longer the one the user is looking at.
	OnSessionChanged(sessionID string, active bool)
	// OnNotice reports a transport or application error for display.
	OnNotice(sessionID string, message string)
	// OnStreamDone reports that the stream has finished, successfully or not.
	OnStreamDone(sessionID string)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

func (NopObserver) OnSessionChanged(string, bool) {}
func (NopObserver) OnNotice(string, string)       {}
func (NopObserver) OnStreamDone(string)           {}

// =============================================================================
// RECONCILER
// =============================================================================

// Config holds the collaborators for one Reconciler.
type Config struct {
	Actor     *session.Actor
	SessionID string
	// Token is the in-flight reservation released when the stream completes.
	// Zero means none was taken.
	Token    session.Token
	Observer Observer
	Logger   *slog.Logger
}

// Reconciler applies one stream's events to its target session.
type Reconciler struct {
	actor     *session.Actor
	sessionID string
	token     session.Token
	observer  Observer
	logger    *slog.Logger

	completeOnce sync.Once
	done         chan struct{}
}

var (
	_ stream.Handler = (*Reconciler)(nil)
	_ event.Handler  = (*Reconciler)(nil)
)

// New creates a reconciler bound to cfg.SessionID.
func New(cfg Config) *Reconciler {
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		actor:     cfg.Actor,
		sessionID: cfg.SessionID,
		token:     cfg.Token,
		observer:  cfg.Observer,
		logger:    cfg.Logger.With("component", "reconcile", "session", cfg.SessionID),
		done:      make(chan struct{}),
	}
}

// SessionID returns the session this reconciler writes to.
func (r *Reconciler) SessionID() string {
	return r.sessionID
}

// Done is closed once the stream has completed.
func (r *Reconciler) Done() <-chan struct{} {
	return r.done
}

// update applies fn to the target session and notifies the observer when
// something changed. A vanished session is logged and ignored.
func (r *Reconciler) update(op string, fn func(*model.Session) error) {
	r.apply(op, func(s *session.Store) error {
		return s.Update(r.sessionID, fn)
	})
}

// apply runs fn on the actor with the same reporting as update.
func (r *Reconciler) apply(op string, fn func(*session.Store) error) {
	var active bool
	err := r.actor.Do(context.Background(), func(s *session.Store) error {
		if err := fn(s); err != nil {
			return err
		}
		active = s.ActiveID() == r.sessionID
		return nil
	})

	switch {
	case err == nil:
		r.observer.OnSessionChanged(r.sessionID, active)
	case errors.Is(err, errUnchanged):
	case errors.Is(err, session.ErrSessionNotFound):
		r.logger.Debug("session vanished, dropping update", "op", op)
	default:
		r.logger.Warn("session update failed", "op", op, "err", err)
	}
}

// =============================================================================
// STREAM HANDLER
// =============================================================================

// OnEvent dispatches one decoded frame into its effects.
func (r *Reconciler) OnEvent(ev event.Event) {
	event.Dispatch(ev, r)
}

// OnError records a transport fault. The user turn that triggered the
// request is flagged as retryable; any partial assistant text stays.
func (r *Reconciler) OnError(err error) {
	text := err.Error()
	r.update("transport_error", func(sess *model.Session) error {
		if msg := sess.LastUserMessage(); msg != nil {
			msg.Failed = true
			msg.Retryable = true
			msg.Error = text
		}
		sess.LastError = text
		return nil
	})
	r.observer.OnNotice(r.sessionID, text)
}

// OnComplete seals the open turn, releases the in-flight token, and
// notifies the observer. Only the first call has any effect.
func (r *Reconciler) OnComplete() {
	r.completeOnce.Do(func() {
		var active bool
		err := r.actor.Do(context.Background(), func(s *session.Store) error {
			if r.token != 0 {
				s.EndStream(r.sessionID, r.token)
			}
			active = s.ActiveID() == r.sessionID
			return s.CloseTurn(r.sessionID)
		})
		if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			r.logger.Warn("failed to close stream", "err", err)
		}
		if err == nil {
			r.observer.OnSessionChanged(r.sessionID, active)
		}
		r.observer.OnStreamDone(r.sessionID)
		close(r.done)
	})
}

// =============================================================================
// EVENT EFFECTS
// =============================================================================

// HandleState records the FSM position.
func (r *Reconciler) HandleState(u event.StateUpdate) {
	var active bool
	err := r.actor.Do(context.Background(), func(s *session.Store) error {
		if err := s.ApplyState(r.sessionID, u.CurrentNode, u.PreviousNode, u.IsComplete); err != nil {
			return err
		}
		active = s.ActiveID() == r.sessionID
		return nil
	})
	if err != nil {
		r.logger.Debug("state update not applied", "node", u.CurrentNode, "err", err)
		return
	}
	r.observer.OnSessionChanged(r.sessionID, active)
}

// HandleMessage extends the open assistant turn or opens a new one labeled
// with the current FSM state. Pending follow-ups move onto a new turn.
func (r *Reconciler) HandleMessage(text string) {
	r.apply("message", func(s *session.Store) error {
		sess, err := s.Get(r.sessionID)
		if err != nil {
			return err
		}

		if open := sess.OpenAssistantTurn(); open != nil {
			if open.Text == "" {
				open.Text = text
			} else {
				open.Text += TurnSeparator + text
			}
			replaced, err := s.ReplaceLast(r.sessionID, open)
			if err != nil || replaced {
				return err
			}
		}

		return s.Update(r.sessionID, func(sess *model.Session) error {
			msg := model.NewAssistantMessage(text, Label(sess.CurrentNode))
			if len(sess.PendingFollowUps) > 0 {
				msg.FollowUps = sess.PendingFollowUps
				sess.PendingFollowUps = nil
			}
			sess.AddMessage(msg)
			return nil
		})
	})
}

// HandleFollowUps attaches follow-ups to the tail assistant turn, or holds
// them as pending until one exists.
func (r *Reconciler) HandleFollowUps(followUps []model.FollowUp) {
	list := append([]model.FollowUp(nil), followUps...)
	r.update("follow_ups", func(sess *model.Session) error {
		if tail := sess.TailAssistant(); tail != nil {
			tail.FollowUps = list
			sess.PendingFollowUps = nil
			return nil
		}
		sess.PendingFollowUps = list
		return nil
	})
}

// HandleDisease records the classification and marks the diagnosis.
func (r *Reconciler) HandleDisease(disease *model.Disease) {
	r.apply("disease", func(s *session.Store) error {
		if err := s.MarkDiagnosis(r.sessionID); err != nil {
			return err
		}
		return s.Update(r.sessionID, func(sess *model.Session) error {
			sess.Disease = disease.Clone()
			if tail := sess.TailAssistant(); tail != nil {
				tail.Disease = disease.Clone()
			}
			return nil
		})
	})
}

// HandlePrescription records the treatment plan.
func (r *Reconciler) HandlePrescription(prescription *model.Prescription) {
	r.update("prescription", func(sess *model.Session) error {
		sess.Prescription = prescription.Clone()
		if tail := sess.TailAssistant(); tail != nil {
			tail.Prescription = prescription.Clone()
		}
		return nil
	})
}

// HandleVendors records treatment suppliers.
func (r *Reconciler) HandleVendors(vendors []model.Vendor) {
	r.update("vendors", func(sess *model.Session) error {
		sess.Vendors = append([]model.Vendor(nil), vendors...)
		if tail := sess.TailAssistant(); tail != nil {
			tail.Vendors = append([]model.Vendor(nil), vendors...)
		}
		return nil
	})
}

// HandleInsurance records the insurance recommendation.
func (r *Reconciler) HandleInsurance(insurance *model.Insurance) {
	r.update("insurance", func(sess *model.Session) error {
		sess.Insurance = insurance.Clone()
		if tail := sess.TailAssistant(); tail != nil {
			tail.Insurance = insurance.Clone()
		}
		return nil
	})
}

// HandleOverlay attaches an attention map to the tail assistant turn. With
// a user tail or an empty transcript the overlay is dropped.
func (r *Reconciler) HandleOverlay(overlay *model.Overlay) {
	r.update("overlay", func(sess *model.Session) error {
		tail := sess.TailAssistant()
		if tail == nil {
			r.logger.Debug("dropping overlay without an assistant turn", "source_node", overlay.SourceNode)
			return errUnchanged
		}
		tail.Overlay = overlay.Clone()
		return nil
	})
}

// HandleError surfaces an application error. The stream keeps going.
func (r *Reconciler) HandleError(text string) {
	r.update("error", func(sess *model.Session) error {
		sess.LastError = text
		return nil
	})
	r.observer.OnNotice(r.sessionID, text)
}

// HandleComplete seals the current assistant turn.
func (r *Reconciler) HandleComplete() {
	var active bool
	err := r.actor.Do(context.Background(), func(s *session.Store) error {
		active = s.ActiveID() == r.sessionID
		return s.CloseTurn(r.sessionID)
	})
	if err != nil {
		r.logger.Debug("complete not applied", "err", err)
		return
	}
	r.observer.OnSessionChanged(r.sessionID, active)
}
