// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for diagnosis sessions and messages.
//
// This package defines the core domain types shared by the stream consumer,
// the session store and the reconciler.
//
// # Key Types
//
//   - Session: A named conversation with its transcript and FSM position
//   - Message: A single user or assistant turn with optional attachments
//   - Disease, Prescription, Vendor, Insurance: Structured diagnosis results
//   - Overlay: Attention-map image attached to an assistant turn
//   - FollowUp: Suggested follow-up action offered by the agent
//
// # Usage
//
// Create a session and add a user turn:
//
//	sess := model.NewSession("Tomato leaves")
//	sess.AddMessage(model.NewUserMessage("Brown spots on my tomato leaves"))
//
// Sessions handed out by the session store are clones; mutate them only
// through the store.
package model
