// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package devserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/cropdoc/internal/event"
	"github.com/jeranaias/cropdoc/internal/request"
	"github.com/jeranaias/cropdoc/internal/stream"
)

func eventNames(frames []Frame) []string {
	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = f.Event
	}
	return names
}

func TestScript_WithImage(t *testing.T) {
	frames := Script(request.ChatRequest{
		Message:  "my wheat has rust",
		ImageB64: "aGVsbG8=",
		Context:  map[string]any{"crops": "wheat,rice"},
	})

	assert.Equal(t, []string{
		"state_update", "assistant_response", "attention_overlay",
		"message", "state_update", "complete",
	}, eventNames(frames))

	final := event.Parse(frames[4].Event, frames[4].Data)
	require.Equal(t, event.KindStateUpdate, final.Kind)
	assert.True(t, final.State.IsComplete)
	require.NotNil(t, final.State.Disease)
	assert.Equal(t, "Leaf Rust", final.State.Disease.Name)
	assert.Equal(t, "wheat", final.State.Disease.PlantType)
	assert.Len(t, final.State.FollowUps, 2)

	overlay := event.Parse(frames[2].Event, frames[2].Data)
	require.Equal(t, event.KindAttentionOverlay, overlay.Kind)
	assert.Equal(t, "aGVsbG8=", overlay.Overlay.ImageB64)
}

func TestScript_TextOnlyAndTriggers(t *testing.T) {
	frames := Script(request.ChatRequest{Message: "leaves look odd " + TriggerError + " " + TriggerGarbage})
	names := eventNames(frames)

	assert.NotContains(t, names, "attention_overlay")
	assert.Contains(t, names, "error")
	assert.Contains(t, names, "heartbeat")

	// The malformed frame parses to an error event
	assert.Equal(t, event.KindError, event.Parse(frames[1].Event, frames[1].Data).Kind)
}

func TestHandler_Health(t *testing.T) {
	srv := httptest.NewServer(New(Options{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
}

func TestHandler_StreamWritesSSE(t *testing.T) {
	s := New(Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body, _ := json.Marshal(request.ChatRequest{Message: "spots on my chilli"})
	resp, err := http.Post(srv.URL+"/chat/stream", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Session-ID"))

	r := stream.NewSSEReader(resp.Body)
	var names []string
	for {
		f, err := r.ReadFrame()
		if err != nil {
			break
		}
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"state_update", "assistant_response", "message", "state_update", "complete"}, names)
	assert.Equal(t, int64(1), s.Requests())
}

func TestHandler_RejectsEmptyRequest(t *testing.T) {
	srv := httptest.NewServer(New(Options{}).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chat/stream", "application/json", strings.NewReader(`{"message":"  "}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Post(srv.URL+"/chat/stream", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}
