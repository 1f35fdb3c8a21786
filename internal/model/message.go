// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single turn in a session transcript.
//
// User messages are never modified after they are appended, except for the
// error/retry metadata set when their request fails. Assistant messages have
// Text and the attachment fields replaced as stream fragments arrive.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Text string `json:"text"`

	// Image submitted with a user turn. ImageB64 is kept so a failed
	// request can be re-issued unchanged.
	ImageRef string `json:"image_ref,omitempty"`
	ImageB64 string `json:"-"`

	// Assistant turn decorations
	StateLabel string     `json:"state_label,omitempty"`
	FollowUps  []FollowUp `json:"follow_ups,omitempty"`
	Overlay    *Overlay   `json:"overlay,omitempty"`

	// Structured results attached to an assistant turn
	Disease      *Disease      `json:"disease,omitempty"`
	Prescription *Prescription `json:"prescription,omitempty"`
	Vendors      []Vendor      `json:"vendors,omitempty"`
	Insurance    *Insurance    `json:"insurance,omitempty"`

	// Error and retry metadata
	Failed    bool   `json:"failed,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`

	// Sealed closes an assistant turn so the next fragment opens a new one.
	Sealed bool `json:"sealed,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, text string) *Message {
	return &Message{
		ID:        generateID(),
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(text string) *Message {
	return NewMessage(RoleUser, text)
}

// NewImageMessage creates a user message carrying an image.
func NewImageMessage(text, imageRef, imageB64 string) *Message {
	msg := NewUserMessage(text)
	msg.ImageRef = imageRef
	msg.ImageB64 = imageB64
	return msg
}

// NewAssistantMessage creates an assistant turn with a display-state label.
func NewAssistantMessage(text, stateLabel string) *Message {
	msg := NewMessage(RoleAssistant, text)
	msg.StateLabel = stateLabel
	return msg
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// IsUser reports whether the message was authored by the user.
func (m *Message) IsUser() bool {
	return m.Role == RoleUser
}

// IsAssistant reports whether the message was authored by the assistant.
func (m *Message) IsAssistant() bool {
	return m.Role == RoleAssistant
}

// HasImage reports whether the message carries an image reference.
func (m *Message) HasImage() bool {
	return m.ImageRef != "" || m.ImageB64 != ""
}

// IsOpen reports whether the message is an assistant turn that may still be
// extended by incoming fragments.
func (m *Message) IsOpen() bool {
	return m.IsAssistant() && !m.Sealed
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.FollowUps != nil {
		c.FollowUps = append([]FollowUp(nil), m.FollowUps...)
	}
	if m.Vendors != nil {
		c.Vendors = append([]Vendor(nil), m.Vendors...)
	}
	c.Overlay = m.Overlay.Clone()
	c.Disease = m.Disease.Clone()
	c.Prescription = m.Prescription.Clone()
	c.Insurance = m.Insurance.Clone()
	return &c
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateID creates a unique message ID.
func generateID() string {
	return "msg_" + uuid.NewString()
}
