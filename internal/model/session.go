// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// DefaultTitle is used for sessions created without a title.
const DefaultTitle = "New Diagnosis"

// =============================================================================
// SESSION TYPE
// =============================================================================

// Session holds one diagnosis conversation and its workflow position.
type Session struct {
	// Identity
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`

	// Transcript in insertion order
	Messages []*Message `json:"messages"`

	// FSM position reported by the server
	CurrentNode  string `json:"current_node,omitempty"`
	PreviousNode string `json:"previous_node,omitempty"`
	Complete     bool   `json:"complete,omitempty"`

	// Derived flags. HasDiagnosis comes from structured server signals;
	// PlantType and DiseaseName may be best-effort guesses from text.
	HasDiagnosis bool   `json:"has_diagnosis,omitempty"`
	PlantType    string `json:"plant_type,omitempty"`
	DiseaseName  string `json:"disease_name,omitempty"`

	// Follow-ups received before any assistant turn existed to hold them
	PendingFollowUps []FollowUp `json:"pending_follow_ups,omitempty"`

	// Latest structured results, kept even when no turn could hold them
	Disease      *Disease      `json:"disease,omitempty"`
	Prescription *Prescription `json:"prescription,omitempty"`
	Vendors      []Vendor      `json:"vendors,omitempty"`
	Insurance    *Insurance    `json:"insurance,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

// NewSession creates an empty session with a generated ID.
func NewSession(title string) *Session {
	if title == "" {
		title = DefaultTitle
	}
	now := time.Now()
	return &Session{
		ID:          uuid.NewString(),
		Title:       title,
		CreatedAt:   now,
		LastUpdated: now,
		Messages:    make([]*Message, 0),
	}
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage appends a message and bumps LastUpdated.
func (s *Session) AddMessage(msg *Message) {
	s.Messages = append(s.Messages, msg)
	s.Touch()
}

// LastMessage returns the tail message, or nil if the transcript is empty.
func (s *Session) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return s.Messages[len(s.Messages)-1]
}

// OpenAssistantTurn returns the tail message if it is an open assistant turn.
func (s *Session) OpenAssistantTurn() *Message {
	last := s.LastMessage()
	if last != nil && last.IsOpen() {
		return last
	}
	return nil
}

// TailAssistant returns the tail message if it is assistant-authored,
// sealed or not.
func (s *Session) TailAssistant() *Message {
	last := s.LastMessage()
	if last != nil && last.IsAssistant() {
		return last
	}
	return nil
}

// MessageByID returns the message with the given ID.
func (s *Session) MessageByID(id string) *Message {
	for _, msg := range s.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// LastUserMessage returns the most recent user message.
func (s *Session) LastUserMessage() *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].IsUser() {
			return s.Messages[i]
		}
	}
	return nil
}

// HasImage reports whether any message in the transcript carries an image.
func (s *Session) HasImage() bool {
	for _, msg := range s.Messages {
		if msg.HasImage() {
			return true
		}
	}
	return false
}

// MessageCount returns the number of messages.
func (s *Session) MessageCount() int {
	return len(s.Messages)
}

// IsEmpty returns true if there are no messages.
func (s *Session) IsEmpty() bool {
	return len(s.Messages) == 0
}

// Touch bumps LastUpdated. The timestamp never moves backwards, even if the
// wall clock does or two mutations land within the clock's resolution.
func (s *Session) Touch() {
	now := time.Now()
	if !now.After(s.LastUpdated) {
		now = s.LastUpdated.Add(time.Nanosecond)
	}
	s.LastUpdated = now
}

// =============================================================================
// PROJECTIONS
// =============================================================================

// Summary is a read-only projection of a session for listing.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
	MessageCount int       `json:"message_count"`
	ImageCount   int       `json:"image_count"`
	HasDiagnosis bool      `json:"has_diagnosis"`
	PlantType    string    `json:"plant_type,omitempty"`
	DiseaseName  string    `json:"disease_name,omitempty"`
	CurrentNode  string    `json:"current_node,omitempty"`
	Active       bool      `json:"active"`
}

// Summarize returns the listing projection of the session.
func (s *Session) Summarize() Summary {
	images := 0
	for _, msg := range s.Messages {
		if msg.HasImage() {
			images++
		}
	}
	return Summary{
		ID:           s.ID,
		Title:        s.Title,
		CreatedAt:    s.CreatedAt,
		LastUpdated:  s.LastUpdated,
		MessageCount: len(s.Messages),
		ImageCount:   images,
		HasDiagnosis: s.HasDiagnosis,
		PlantType:    s.PlantType,
		DiseaseName:  s.DiseaseName,
		CurrentNode:  s.CurrentNode,
	}
}

// Clone creates a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Messages = make([]*Message, len(s.Messages))
	for i, msg := range s.Messages {
		clone.Messages[i] = msg.Clone()
	}
	if s.PendingFollowUps != nil {
		clone.PendingFollowUps = append([]FollowUp(nil), s.PendingFollowUps...)
	}
	if s.Vendors != nil {
		clone.Vendors = append([]Vendor(nil), s.Vendors...)
	}
	clone.Disease = s.Disease.Clone()
	clone.Prescription = s.Prescription.Clone()
	clone.Insurance = s.Insurance.Clone()
	return &clone
}
