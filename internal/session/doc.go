// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session provides the in-memory registry of diagnosis sessions.
//
// The Store maps session IDs to sessions, tracks which one is active, and
// hands out deep copies so callers never share transcript memory with it.
// A Store is not safe for concurrent use on its own; wrap it in an Actor,
// which runs every operation on a single goroutine.
//
// # Key Types
//
//   - Store: Session registry with create/switch/append/replace/list
//   - Actor: Single-writer goroutine that owns a Store
//   - Token: Per-session in-flight stream token
//
// # Usage
//
// Create an actor-owned store and open a session:
//
//	actor := session.NewActor(session.NewStore(logger), logger)
//	defer actor.Close()
//
//	var sess *model.Session
//	err := actor.Do(ctx, func(s *session.Store) error {
//	    sess = s.Create("Tomato leaves")
//	    return nil
//	})
//
// # Annotation
//
// Annotate fills plant-type and disease-name guesses from assistant prose.
// It is best-effort and low confidence: nothing in the store gates behavior
// on its output. HasDiagnosis is only set from structured server signals.
package session
