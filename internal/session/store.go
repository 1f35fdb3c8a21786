// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jeranaias/cropdoc/internal/model"
	"github.com/jeranaias/cropdoc/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSessionNotFound is returned for operations on an unknown session ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStreamInFlight is returned when a stream is already running for the
	// target session.
	ErrStreamInFlight = errors.New("a response is already streaming for this session")

	// ErrNoActiveSession is returned when an operation needs an active
	// session and none exists.
	ErrNoActiveSession = errors.New("no active session")
)

// maxTitleRunes bounds titles derived from the first user message.
const maxTitleRunes = 48

// Token identifies one in-flight stream. The zero Token is never issued.
type Token uint64

// =============================================================================
// STORE
// =============================================================================

// Store is the registry of sessions. It is not safe for concurrent use;
// use an Actor to share one between goroutines.
type Store struct {
	sessions map[string]*model.Session
	active   string

	inFlight  map[string]Token
	lastToken Token

	logger *slog.Logger
}

// NewStore creates an empty store. A nil logger uses slog.Default().
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*model.Session),
		inFlight: make(map[string]Token),
		logger:   logger.With("component", "session"),
	}
}

func (s *Store) lookup(id string) (*model.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Create allocates a new empty session and makes it active.
func (s *Store) Create(title string) *model.Session {
	sess := model.NewSession(title)
	s.sessions[sess.ID] = sess
	s.active = sess.ID
	s.logger.Debug("session created", "session", sess.ID)
	return sess.Clone()
}

// SwitchTo makes id the active session. Switching to the already-active
// session changes nothing. Message contents are never touched.
func (s *Store) SwitchTo(id string) (*model.Session, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if s.active != id {
		s.active = id
		s.logger.Debug("session switched", "session", id)
	}
	return sess.Clone(), nil
}

// Delete removes a session. Deleting the active session activates the most
// recently updated remaining one, if any.
func (s *Store) Delete(id string) error {
	if _, err := s.lookup(id); err != nil {
		return err
	}
	delete(s.sessions, id)
	delete(s.inFlight, id)

	if s.active == id {
		s.active = ""
		if list := s.List(); len(list) > 0 {
			s.active = list[0].ID
		}
	}
	s.logger.Debug("session deleted", "session", id)
	return nil
}

// Rename sets a session's title.
func (s *Store) Rename(id, title string) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = model.DefaultTitle
	}
	sess.Title = title
	sess.Touch()
	return nil
}

// =============================================================================
// READS
// =============================================================================

// Get returns a copy of the session.
func (s *Store) Get(id string) (*model.Session, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// ActiveID returns the active session ID, or "" if there is none.
func (s *Store) ActiveID() string {
	return s.active
}

// Active returns a copy of the active session, or nil.
func (s *Store) Active() *model.Session {
	if sess, ok := s.sessions[s.active]; ok {
		return sess.Clone()
	}
	return nil
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	return len(s.sessions)
}

// List returns session summaries ordered by LastUpdated, newest first.
func (s *Store) List() []model.Summary {
	list := make([]model.Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sum := sess.Summarize()
		sum.Active = sess.ID == s.active
		list = append(list, sum)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].LastUpdated.Equal(list[j].LastUpdated) {
			return list[i].LastUpdated.After(list[j].LastUpdated)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// ShouldAutoSplit reports whether the active session already holds a
// diagnosis and an image-bearing message, so a new image should start a
// new session.
func (s *Store) ShouldAutoSplit() bool {
	sess, ok := s.sessions[s.active]
	if !ok {
		return false
	}
	return sess.HasDiagnosis && sess.HasImage()
}

// =============================================================================
// TRANSCRIPT MUTATION
// =============================================================================

// Append pushes msg onto the session transcript. Any open assistant turn is
// sealed first. Derived annotations are recomputed.
func (s *Store) Append(id string, msg *model.Message) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	if open := sess.OpenAssistantTurn(); open != nil {
		open.Sealed = true
	}

	if msg.IsUser() && sess.Title == model.DefaultTitle && sess.LastUserMessage() == nil {
		if title := util.TruncateRunes(util.SingleLine(msg.Text), maxTitleRunes); title != "" {
			sess.Title = title
		}
	}

	sess.AddMessage(msg.Clone())
	Annotate(sess)
	return nil
}

// ReplaceLast replaces the tail message only if it is assistant-authored.
// It reports whether a replacement happened.
func (s *Store) ReplaceLast(id string, msg *model.Message) (bool, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	last := sess.LastMessage()
	if last == nil || !last.IsAssistant() {
		return false, nil
	}
	sess.Messages[len(sess.Messages)-1] = msg.Clone()
	sess.Touch()
	Annotate(sess)
	return true, nil
}

// CloseTurn seals the open assistant turn, if any, so the next fragment
// opens a new one.
func (s *Store) CloseTurn(id string) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	if open := sess.OpenAssistantTurn(); open != nil {
		open.Sealed = true
		sess.Touch()
	}
	return nil
}

// Update runs fn against the live session and bumps LastUpdated when fn
// succeeds. fn must not retain the pointer.
func (s *Store) Update(id string, fn func(*model.Session) error) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := fn(sess); err != nil {
		return err
	}
	sess.Touch()
	Annotate(sess)
	return nil
}

// =============================================================================
// WORKFLOW STATE
// =============================================================================

// ApplyState records the server's FSM position. Reaching the completed node
// or an explicit completion flag marks the session as diagnosed.
func (s *Store) ApplyState(id, node, previous string, complete bool) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	if node != "" {
		sess.CurrentNode = node
	}
	if previous != "" {
		sess.PreviousNode = previous
	}
	if complete || node == NodeCompleted {
		sess.Complete = true
		sess.HasDiagnosis = true
	}
	sess.Touch()
	return nil
}

// MarkDiagnosis records that a structured diagnosis was received.
func (s *Store) MarkDiagnosis(id string) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	if !sess.HasDiagnosis {
		sess.HasDiagnosis = true
		sess.Touch()
	}
	return nil
}

// NodeCompleted is the FSM node the server reports once a diagnosis is final.
const NodeCompleted = "completed"

// =============================================================================
// IN-FLIGHT STREAMS
// =============================================================================

// BeginStream reserves the session for one stream. A second call before
// EndStream returns ErrStreamInFlight.
func (s *Store) BeginStream(id string) (Token, error) {
	if _, err := s.lookup(id); err != nil {
		return 0, err
	}
	if _, busy := s.inFlight[id]; busy {
		return 0, fmt.Errorf("%w: %s", ErrStreamInFlight, id)
	}
	s.lastToken++
	s.inFlight[id] = s.lastToken
	return s.lastToken, nil
}

// EndStream releases the reservation if token still holds it.
func (s *Store) EndStream(id string, token Token) bool {
	if held, ok := s.inFlight[id]; ok && held == token {
		delete(s.inFlight, id)
		return true
	}
	return false
}

// InFlight reports whether a stream is running for the session.
func (s *Store) InFlight(id string) bool {
	_, ok := s.inFlight[id]
	return ok
}
