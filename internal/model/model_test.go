// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestNewMessage(t *testing.T) {
	msg := NewUserMessage("Hello")

	assert.True(t, strings.HasPrefix(msg.ID, "msg_"), "ID should start with msg_, got %q", msg.ID)
	assert.Equal(t, RoleUser, msg.Role)
	assert.Equal(t, "Hello", msg.Text)
	assert.False(t, msg.Timestamp.IsZero())
	assert.False(t, msg.HasImage())
}

func TestMessage_IsOpen(t *testing.T) {
	assistant := NewAssistantMessage("Looking...", "Analyzing Plant...")
	assert.True(t, assistant.IsOpen())

	assistant.Sealed = true
	assert.False(t, assistant.IsOpen())

	assert.False(t, NewUserMessage("hi").IsOpen())
}

func TestNewImageMessage(t *testing.T) {
	msg := NewImageMessage("what is this?", "leaf.jpg", "aGVsbG8=")
	assert.True(t, msg.HasImage())
	assert.Equal(t, "leaf.jpg", msg.ImageRef)
}

func TestMessage_CloneIsDeep(t *testing.T) {
	msg := NewAssistantMessage("text", "")
	msg.FollowUps = []FollowUp{{Label: "Treatment"}}
	msg.Disease = &Disease{Name: "Leaf Spot"}
	msg.Overlay = &Overlay{ImageB64: "abc"}

	clone := msg.Clone()
	clone.FollowUps[0].Label = "changed"
	clone.Disease.Name = "changed"
	clone.Overlay.ImageB64 = "changed"

	assert.Equal(t, "Treatment", msg.FollowUps[0].Label)
	assert.Equal(t, "Leaf Spot", msg.Disease.Name)
	assert.Equal(t, "abc", msg.Overlay.ImageB64)
}

func TestFollowUp_Text(t *testing.T) {
	assert.Equal(t, "Show treatment", FollowUp{Label: "Show treatment"}.Text())
	assert.Equal(t, "treatment please", FollowUp{Label: "Treatment", Prompt: "treatment please"}.Text())
}

// =============================================================================
// SESSION TESTS
// =============================================================================

func TestNewSession_DefaultTitle(t *testing.T) {
	sess := NewSession("")
	assert.Equal(t, DefaultTitle, sess.Title)
	assert.NotEmpty(t, sess.ID)
	assert.True(t, sess.IsEmpty())
}

func TestSession_TouchIsMonotonic(t *testing.T) {
	sess := NewSession("x")
	future := time.Now().Add(time.Hour)
	sess.LastUpdated = future

	sess.Touch()
	assert.True(t, sess.LastUpdated.After(future), "LastUpdated moved backwards")
}

func TestSession_TailHelpers(t *testing.T) {
	sess := NewSession("x")
	assert.Nil(t, sess.LastMessage())
	assert.Nil(t, sess.OpenAssistantTurn())

	sess.AddMessage(NewUserMessage("hi"))
	assert.Nil(t, sess.TailAssistant())

	reply := NewAssistantMessage("hello", "")
	sess.AddMessage(reply)
	assert.Same(t, reply, sess.OpenAssistantTurn())

	reply.Sealed = true
	assert.Nil(t, sess.OpenAssistantTurn())
	assert.Same(t, reply, sess.TailAssistant())
}

func TestSession_SummarizeCountsImages(t *testing.T) {
	sess := NewSession("x")
	sess.AddMessage(NewImageMessage("", "a.jpg", "AA=="))
	sess.AddMessage(NewAssistantMessage("ok", ""))
	sess.HasDiagnosis = true

	sum := sess.Summarize()
	assert.Equal(t, 2, sum.MessageCount)
	assert.Equal(t, 1, sum.ImageCount)
	assert.True(t, sum.HasDiagnosis)
}

func TestSession_CloneIsDeep(t *testing.T) {
	sess := NewSession("x")
	sess.AddMessage(NewUserMessage("hi"))
	sess.PendingFollowUps = []FollowUp{{Label: "a"}}

	clone := sess.Clone()
	require.Len(t, clone.Messages, 1)
	clone.Messages[0].Text = "changed"
	clone.PendingFollowUps[0].Label = "changed"
	clone.Messages = append(clone.Messages, NewUserMessage("more"))

	assert.Equal(t, "hi", sess.Messages[0].Text)
	assert.Equal(t, "a", sess.PendingFollowUps[0].Label)
	assert.Len(t, sess.Messages, 1)
}
