// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/cropdoc/internal/enrich"
	"github.com/jeranaias/cropdoc/internal/request"
	"github.com/jeranaias/cropdoc/internal/session"
	"github.com/jeranaias/cropdoc/internal/stream"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const diagnosisScript = "event: state_update\n" +
	`data: {"current_node":"classifying"}` + "\n\n" +
	"event: message\ndata: Leaf spot detected\n\n" +
	"event: state_update\n" +
	`data: {"current_node":"completed","is_complete":true,"disease":{"name":"Leaf Spot","plant_type":"tomato"}}` + "\n\n" +
	"event: complete\ndata: done\n\n"

const replyScript = "event: message\ndata: Spray copper fungicide weekly.\n\nevent: complete\ndata: done\n\n"

// scriptedStreamer replays canned SSE bodies. failures[i], when non-nil,
// fails call i before any data arrives. A non-nil gate holds every call
// until it is closed or the call's context ends.
type scriptedStreamer struct {
	mu       sync.Mutex
	scripts  []string
	failures []error
	gate     chan struct{}
	requests []request.ChatRequest
}

func (s *scriptedStreamer) Stream(ctx context.Context, req request.ChatRequest, h stream.Handler) error {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, req)
	body := replyScript
	if n < len(s.scripts) {
		body = s.scripts[n]
	}
	var fail error
	if n < len(s.failures) {
		fail = s.failures[n]
	}
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			h.OnError(ctx.Err())
			h.OnComplete()
			return ctx.Err()
		}
	}
	if fail != nil {
		h.OnError(fail)
		h.OnComplete()
		return fail
	}
	return stream.Consume(ctx, io.NopCloser(strings.NewReader(body)), h)
}

func (s *scriptedStreamer) request(t *testing.T, i int) request.ChatRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Greater(t, len(s.requests), i)
	return s.requests[i]
}

type staticProfile enrich.Profile

func (p staticProfile) Profile(context.Context) (enrich.Profile, error) {
	return enrich.Profile(p), nil
}

type noticeObserver struct {
	mu      sync.Mutex
	notices []string
}

func (o *noticeObserver) OnSessionChanged(string, bool) {}
func (o *noticeObserver) OnStreamDone(string)           {}
func (o *noticeObserver) OnNotice(_ string, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notices = append(o.notices, msg)
}

var testNow = time.Date(2025, time.July, 10, 8, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T, s *scriptedStreamer, opts ...func(*Options)) *App {
	t.Helper()
	o := Options{Streamer: s, Now: func() time.Time { return testNow }}
	for _, fn := range opts {
		fn(&o)
	}
	a, err := New(o)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func waitTurn(t *testing.T, turn *Turn) {
	t.Helper()
	select {
	case <-turn.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not complete")
	}
}

func image() *Image {
	return &Image{Ref: "leaf.jpg", B64: "aGVsbG8="}
}

// =============================================================================
// SEND
// =============================================================================

func TestSend_StreamsIntoActiveSession(t *testing.T) {
	s := &scriptedStreamer{scripts: []string{diagnosisScript}}
	a := newTestApp(t, s, func(o *Options) {
		o.Profile = staticProfile{State: "Karnataka", Crops: []string{"Tomato"}}
	})
	ctx := context.Background()

	turn, err := a.Send(ctx, "what is wrong with my tomato?", image())
	require.NoError(t, err)
	waitTurn(t, turn)

	sess, err := a.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, turn.SessionID, sess.ID)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, turn.MessageID, sess.Messages[0].ID)
	assert.Equal(t, "Leaf spot detected", sess.Messages[1].Text)
	assert.Equal(t, "Analyzing Plant...", sess.Messages[1].StateLabel)
	assert.True(t, sess.HasDiagnosis)
	assert.Equal(t, "what is wrong with my tomato?", sess.Title)

	req := s.request(t, 0)
	assert.Equal(t, sess.ID, req.SessionID)
	assert.Equal(t, "aGVsbG8=", req.ImageB64)
	assert.Equal(t, enrich.SeasonKharif, req.Context["season"])
	assert.Equal(t, "Karnataka", req.Context["state"])
	assert.Equal(t, "tomato", req.Context["crops"])
}

func TestSend_RejectsEmptyMessage(t *testing.T) {
	a := newTestApp(t, &scriptedStreamer{})
	_, err := a.Send(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, request.ErrEmptyMessage)

	sess, err := a.Active(context.Background())
	require.NoError(t, err)
	assert.True(t, sess.IsEmpty())
}

func TestSend_SecondSendWhileStreamingIsRejected(t *testing.T) {
	s := &scriptedStreamer{gate: make(chan struct{})}
	a := newTestApp(t, s)
	ctx := context.Background()

	turn, err := a.Send(ctx, "first", nil)
	require.NoError(t, err)

	_, err = a.Send(ctx, "second", nil)
	assert.ErrorIs(t, err, session.ErrStreamInFlight)

	close(s.gate)
	waitTurn(t, turn)

	sess, err := a.Active(ctx)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "first", sess.Messages[0].Text)

	// The token was released
	turn, err = a.Send(ctx, "third", nil)
	require.NoError(t, err)
	waitTurn(t, turn)
}

func TestSend_ImageAfterDiagnosisStartsNewSession(t *testing.T) {
	s := &scriptedStreamer{scripts: []string{diagnosisScript}}
	a := newTestApp(t, s)
	ctx := context.Background()

	first, err := a.Send(ctx, "check this leaf", image())
	require.NoError(t, err)
	waitTurn(t, first)
	assert.False(t, first.AutoSplit)

	// Text follow-up stays in the same session
	followUp, err := a.Send(ctx, "how do I treat it?", nil)
	require.NoError(t, err)
	waitTurn(t, followUp)
	assert.Equal(t, first.SessionID, followUp.SessionID)

	second, err := a.Send(ctx, "and this one?", image())
	require.NoError(t, err)
	waitTurn(t, second)
	assert.True(t, second.AutoSplit)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	list, err := a.Sessions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, second.SessionID, list[0].ID)
}

// =============================================================================
// RETRY
// =============================================================================

func TestRetry_ReissuesFailedRequest(t *testing.T) {
	s := &scriptedStreamer{failures: []error{errors.New("connection refused")}}
	obs := &noticeObserver{}
	a := newTestApp(t, s, func(o *Options) { o.Observer = obs })
	ctx := context.Background()

	turn, err := a.Send(ctx, "spots on leaves", image())
	require.NoError(t, err)
	waitTurn(t, turn)

	sess, err := a.Active(ctx)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 1)
	failed := sess.Messages[0]
	assert.True(t, failed.Failed)
	assert.True(t, failed.Retryable)
	assert.Equal(t, "connection refused", sess.LastError)
	assert.Equal(t, []string{"connection refused"}, obs.notices)

	retry, err := a.Retry(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, failed.ID, retry.MessageID)
	waitTurn(t, retry)

	sess, err = a.Active(ctx)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.False(t, sess.Messages[0].Failed)
	assert.Empty(t, sess.LastError)
	assert.Equal(t, "Spray copper fungicide weekly.", sess.Messages[1].Text)

	again := s.request(t, 1)
	assert.Equal(t, "spots on leaves", again.Message)
	assert.Equal(t, "aGVsbG8=", again.ImageB64)
}

func TestRetry_NothingToRetry(t *testing.T) {
	a := newTestApp(t, &scriptedStreamer{})
	ctx := context.Background()

	_, err := a.Retry(ctx, "")
	assert.ErrorIs(t, err, ErrNothingToRetry)

	turn, err := a.Send(ctx, "hello", nil)
	require.NoError(t, err)
	waitTurn(t, turn)

	_, err = a.Retry(ctx, turn.MessageID)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestSwitch_VanishedSessionFallsBackToNew(t *testing.T) {
	a := newTestApp(t, &scriptedStreamer{})
	ctx := context.Background()

	original, err := a.Active(ctx)
	require.NoError(t, err)

	sess, created, err := a.Switch(ctx, "no-such-session")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, original.ID, sess.ID)

	sess, created, err = a.Switch(ctx, original.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, original.ID, sess.ID)
}

func TestDelete_LastSessionLeavesFreshOne(t *testing.T) {
	a := newTestApp(t, &scriptedStreamer{})
	ctx := context.Background()

	sess, err := a.Active(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Delete(ctx, sess.ID))

	list, err := a.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotEqual(t, sess.ID, list[0].ID)

	assert.ErrorIs(t, a.Delete(ctx, sess.ID), session.ErrSessionNotFound)
}

func TestCancel_StopsRunningStream(t *testing.T) {
	s := &scriptedStreamer{gate: make(chan struct{})}
	a := newTestApp(t, s)
	ctx := context.Background()

	turn, err := a.Send(ctx, "hello", nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return a.Cancel(turn.SessionID) }, time.Second, 10*time.Millisecond)
	waitTurn(t, turn)

	sess, err := a.Session(ctx, turn.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.Messages[0].Retryable)

	require.NoError(t, a.Wait(ctx))
	assert.False(t, a.Cancel(turn.SessionID))
}

func TestRename(t *testing.T) {
	a := newTestApp(t, &scriptedStreamer{})
	ctx := context.Background()

	sess, err := a.Active(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Rename(ctx, sess.ID, "Chilli field"))

	sess, err = a.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Chilli field", sess.Title)
}

func TestNew_RequiresStreamer(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
