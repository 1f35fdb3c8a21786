// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reconcile

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/cropdoc/internal/event"
	"github.com/jeranaias/cropdoc/internal/model"
	"github.com/jeranaias/cropdoc/internal/session"
	"github.com/jeranaias/cropdoc/internal/stream"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type recordingObserver struct {
	mu      sync.Mutex
	changes []bool
	notices []string
	done    int
}

func (o *recordingObserver) OnSessionChanged(_ string, active bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, active)
}

func (o *recordingObserver) OnNotice(_ string, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notices = append(o.notices, msg)
}

func (o *recordingObserver) OnStreamDone(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done++
}

type fixture struct {
	actor    *session.Actor
	id       string
	observer *recordingObserver
	rec      *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	actor := session.NewActor(session.NewStore(nil), nil)
	t.Cleanup(actor.Close)

	f := &fixture{actor: actor, observer: &recordingObserver{}}
	f.do(t, func(s *session.Store) error {
		f.id = s.Create("test").ID
		return nil
	})
	f.rec = New(Config{Actor: actor, SessionID: f.id, Observer: f.observer})
	return f
}

func (f *fixture) do(t *testing.T, fn func(*session.Store) error) {
	t.Helper()
	require.NoError(t, f.actor.Do(context.Background(), fn))
}

func (f *fixture) session(t *testing.T) *model.Session {
	t.Helper()
	var sess *model.Session
	f.do(t, func(s *session.Store) error {
		var err error
		sess, err = s.Get(f.id)
		return err
	})
	return sess
}

func (f *fixture) append(t *testing.T, msg *model.Message) {
	t.Helper()
	f.do(t, func(s *session.Store) error { return s.Append(f.id, msg) })
}

func (f *fixture) consume(t *testing.T, body string) error {
	t.Helper()
	return stream.Consume(context.Background(), io.NopCloser(strings.NewReader(body)), f.rec)
}

// =============================================================================
// MESSAGE COALESCING
// =============================================================================

func TestReconciler_MessagesCoalesceIntoOneTurn(t *testing.T) {
	f := newFixture(t)
	f.append(t, model.NewUserMessage("what is wrong with my plant?"))

	fragments := []string{"First paragraph.", "Second paragraph.", "Third."}
	var body strings.Builder
	for _, frag := range fragments {
		body.WriteString("event: message\ndata: " + frag + "\n\n")
	}
	require.NoError(t, f.consume(t, body.String()))

	sess := f.session(t)
	require.Len(t, sess.Messages, 2)
	reply := sess.Messages[1]
	assert.True(t, reply.IsAssistant())
	assert.Equal(t, strings.Join(fragments, "\n\n"), reply.Text)
}

func TestReconciler_NewTurnAfterUserMessage(t *testing.T) {
	f := newFixture(t)
	f.append(t, model.NewAssistantMessage("earlier answer", ""))
	f.append(t, model.NewUserMessage("follow-up question"))

	f.rec.HandleMessage("new answer")

	sess := f.session(t)
	require.Len(t, sess.Messages, 3)
	assert.Equal(t, "earlier answer", sess.Messages[0].Text)
	assert.Equal(t, "new answer", sess.Messages[2].Text)
}

func TestReconciler_SealedTurnIsNotExtended(t *testing.T) {
	f := newFixture(t)
	f.rec.HandleMessage("one")
	f.rec.HandleComplete()
	f.rec.HandleMessage("two")

	sess := f.session(t)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "one", sess.Messages[0].Text)
	assert.Equal(t, "two", sess.Messages[1].Text)
}

func TestReconciler_EndToEndScenario(t *testing.T) {
	f := newFixture(t)
	f.append(t, model.NewImageMessage("", "leaf.jpg", "AA=="))

	body := "event: state_update\ndata: {\"current_node\":\"classifying\"}\n\n" +
		"event: assistant_response\ndata: {\"assistant_response\":\"Leaf spot detected\"}\n\n" +
		"event: complete\ndata: ok\n\n"
	require.NoError(t, f.consume(t, body))

	sess := f.session(t)
	require.Len(t, sess.Messages, 2)
	reply := sess.Messages[1]
	assert.Equal(t, "Leaf spot detected", reply.Text)
	assert.Equal(t, "Analyzing Plant...", reply.StateLabel)
	assert.Equal(t, "classifying", sess.CurrentNode)

	select {
	case <-f.rec.Done():
	default:
		t.Fatal("stream-complete signal not delivered")
	}
	assert.Equal(t, 1, f.observer.done)
}

func TestReconciler_MalformedAssistantResponseBecomesText(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.consume(t, "event: assistant_response\ndata: {not json\n\n"))

	sess := f.session(t)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, "{not json", sess.Messages[0].Text)
	assert.Empty(t, f.observer.notices)
}

// =============================================================================
// OVERLAYS
// =============================================================================

func TestReconciler_OverlayDroppedWithUserTail(t *testing.T) {
	f := newFixture(t)
	f.append(t, model.NewUserMessage("question"))
	before := f.session(t)

	f.rec.HandleOverlay(&model.Overlay{ImageB64: "AAAA"})

	after := f.session(t)
	require.Len(t, after.Messages, 1)
	assert.Nil(t, after.Messages[0].Overlay)
	assert.Equal(t, before.LastUpdated, after.LastUpdated)
}

func TestReconciler_OverlayDroppedOnEmptyTranscript(t *testing.T) {
	f := newFixture(t)
	before := f.session(t)

	require.NoError(t, f.consume(t, "event: attention_overlay\ndata: {\"image_b64\":\"AAAA\"}\n\n"))

	after := f.session(t)
	assert.Empty(t, after.Messages)
	// Only the completion notification, never a change for the overlay
	assert.Equal(t, before.LastUpdated, after.LastUpdated)
}

func TestReconciler_OverlayAttachesToAssistantTail(t *testing.T) {
	f := newFixture(t)
	f.rec.HandleMessage("looking at your photo")
	f.rec.HandleOverlay(&model.Overlay{ImageB64: "AAAA", DiseaseName: "Leaf Spot"})

	sess := f.session(t)
	require.NotNil(t, sess.Messages[0].Overlay)
	assert.Equal(t, "Leaf Spot", sess.Messages[0].Overlay.DiseaseName)
}

// =============================================================================
// FOLLOW-UPS AND ATTACHMENTS
// =============================================================================

func TestReconciler_FollowUpsPendingUntilTurnOpens(t *testing.T) {
	f := newFixture(t)
	f.append(t, model.NewUserMessage("hi"))

	f.rec.HandleFollowUps([]model.FollowUp{{Label: "Show treatment"}})
	assert.Len(t, f.session(t).PendingFollowUps, 1)

	f.rec.HandleMessage("Here is what I found")
	sess := f.session(t)
	assert.Empty(t, sess.PendingFollowUps)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "Show treatment", sess.Messages[1].FollowUps[0].Label)
}

func TestReconciler_FollowUpsAttachToTailAndClearPending(t *testing.T) {
	f := newFixture(t)
	f.rec.HandleMessage("answer")
	f.do(t, func(s *session.Store) error {
		return s.Update(f.id, func(sess *model.Session) error {
			sess.PendingFollowUps = []model.FollowUp{{Label: "stale"}}
			return nil
		})
	})

	f.rec.HandleFollowUps([]model.FollowUp{{Label: "Insurance options"}})

	sess := f.session(t)
	assert.Empty(t, sess.PendingFollowUps)
	assert.Equal(t, []model.FollowUp{{Label: "Insurance options"}}, sess.Messages[0].FollowUps)
}

func TestReconciler_StructuredResultsMarkDiagnosis(t *testing.T) {
	f := newFixture(t)
	f.append(t, model.NewImageMessage("", "leaf.jpg", "AA=="))

	body := `event: state_update
data: {"current_node":"completed","assistant_response":"Early blight.","disease":{"name":"Early Blight","plant_type":"Tomato"},"prescription":{"treatments":[{"name":"Mancozeb"}]},"vendors":[{"name":"Agro Store"}],"insurance":{"scheme":"PMFBY"},"follow_ups":["Treatment"]}

`
	require.NoError(t, f.consume(t, body))

	sess := f.session(t)
	assert.True(t, sess.HasDiagnosis)
	assert.Equal(t, "Early Blight", sess.DiseaseName)
	assert.Equal(t, "Tomato", sess.PlantType)
	require.NotNil(t, sess.Insurance)
	assert.Equal(t, "PMFBY", sess.Insurance.Scheme)

	reply := sess.Messages[1]
	assert.Equal(t, "Diagnosis Complete", reply.StateLabel)
	require.NotNil(t, reply.Disease)
	require.NotNil(t, reply.Prescription)
	assert.Len(t, reply.Vendors, 1)
	assert.Len(t, reply.FollowUps, 1)

	var split bool
	f.do(t, func(s *session.Store) error { split = s.ShouldAutoSplit(); return nil })
	assert.True(t, split)
}

func TestReconciler_BadSubObjectKeepsRestOfUpdate(t *testing.T) {
	f := newFixture(t)
	f.append(t, model.NewImageMessage("what is this?", "leaf.jpg", "AA=="))

	body := `event: state_update
data: {"current_node":"completed","assistant_response":"Early blight on tomato","disease":{"name":"Early Blight","confidence":"high"},"insurance":{"scheme":"PMFBY","premium":"₹500"},"follow_ups":[7,"Treatment"]}

event: complete
data: done

`
	require.NoError(t, f.consume(t, body))

	sess := f.session(t)
	require.Len(t, sess.Messages, 2)
	reply := sess.Messages[1]
	assert.Equal(t, "Early blight on tomato", reply.Text)
	assert.True(t, reply.Sealed)
	assert.Equal(t, []model.FollowUp{{Label: "Treatment"}}, reply.FollowUps)

	assert.Equal(t, "completed", sess.CurrentNode)
	assert.True(t, sess.HasDiagnosis)
	require.NotNil(t, sess.Disease)
	assert.Equal(t, "Early Blight", sess.Disease.Name)
	require.NotNil(t, sess.Insurance)
	assert.Equal(t, "PMFBY", sess.Insurance.Scheme)

	f.observer.mu.Lock()
	defer f.observer.mu.Unlock()
	assert.Empty(t, f.observer.notices)
}

func TestReconciler_ExtensionReplacesTailAndReannotates(t *testing.T) {
	f := newFixture(t)
	f.append(t, model.NewUserMessage("help"))

	f.rec.HandleMessage("Looking at your plant.")
	first := f.session(t).Messages[1]
	assert.Empty(t, f.session(t).DiseaseName)

	f.rec.HandleMessage("Leaf spot detected on the tomato.")
	sess := f.session(t)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, first.ID, sess.Messages[1].ID, "the open turn is extended in place")
	assert.Equal(t, "Looking at your plant.\n\nLeaf spot detected on the tomato.", sess.Messages[1].Text)
	assert.Equal(t, "tomato", sess.PlantType)
	assert.NotEmpty(t, sess.DiseaseName)
	assert.False(t, sess.HasDiagnosis, "prose never marks a diagnosis")
}

func TestReconciler_DiseaseMarksDiagnosisOnce(t *testing.T) {
	f := newFixture(t)
	f.rec.HandleDisease(&model.Disease{Name: "Leaf Rust"})
	before := f.session(t).LastUpdated

	f.rec.HandleDisease(&model.Disease{Name: "Leaf Rust", Confidence: 0.8})
	sess := f.session(t)
	assert.True(t, sess.HasDiagnosis)
	assert.InDelta(t, 0.8, sess.Disease.Confidence, 1e-9)
	assert.False(t, sess.LastUpdated.Before(before))
}

func TestReconciler_AttachmentsWithoutTailStayOnSession(t *testing.T) {
	f := newFixture(t)
	f.append(t, model.NewUserMessage("hi"))
	f.rec.HandleInsurance(&model.Insurance{Scheme: "PMFBY"})

	sess := f.session(t)
	require.NotNil(t, sess.Insurance)
	assert.Nil(t, sess.Messages[0].Insurance)
}

// =============================================================================
// ERRORS AND LIFECYCLE
// =============================================================================

func TestReconciler_ApplicationErrorDoesNotStopStream(t *testing.T) {
	f := newFixture(t)
	body := "event: error\ndata: model overloaded\n\n" +
		"event: state_update\ndata: {\"error_message\":\"vendor lookup failed\"}\n\n" +
		"event: message\ndata: still here\n\n"
	require.NoError(t, f.consume(t, body))

	sess := f.session(t)
	assert.Equal(t, "vendor lookup failed", sess.LastError)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, "still here", sess.Messages[0].Text)
	assert.Equal(t, []string{"model overloaded", "vendor lookup failed"}, f.observer.notices)
}

func TestReconciler_TransportFaultMarksUserTurnRetryable(t *testing.T) {
	f := newFixture(t)
	f.append(t, model.NewUserMessage("question"))

	f.rec.OnEvent(event.Parse("message", "partial"))
	f.rec.OnError(errors.New("connection reset"))
	f.rec.OnComplete()

	sess := f.session(t)
	user := sess.Messages[0]
	assert.True(t, user.Failed)
	assert.True(t, user.Retryable)
	assert.Equal(t, "connection reset", user.Error)
	assert.Equal(t, "partial", sess.Messages[1].Text)
	assert.True(t, sess.Messages[1].Sealed)
	assert.Len(t, f.observer.notices, 1)
}

func TestReconciler_UpdatesInactiveSession(t *testing.T) {
	f := newFixture(t)
	f.do(t, func(s *session.Store) error {
		s.Create("other")
		return nil
	})

	f.rec.HandleMessage("still arrives")

	sess := f.session(t)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, []bool{false}, f.observer.changes)
}

func TestReconciler_VanishedSessionIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.do(t, func(s *session.Store) error { return s.Delete(f.id) })

	assert.NotPanics(t, func() {
		f.rec.HandleMessage("orphan")
		f.rec.OnComplete()
	})
	assert.Equal(t, 1, f.observer.done)
}

func TestReconciler_CompleteReleasesTokenOnce(t *testing.T) {
	actor := session.NewActor(session.NewStore(nil), nil)
	defer actor.Close()
	ctx := context.Background()

	var id string
	var tok session.Token
	require.NoError(t, actor.Do(ctx, func(s *session.Store) error {
		id = s.Create("x").ID
		var err error
		tok, err = s.BeginStream(id)
		return err
	}))

	obs := &recordingObserver{}
	rec := New(Config{Actor: actor, SessionID: id, Token: tok, Observer: obs})
	rec.OnComplete()
	rec.OnComplete()

	var inFlight bool
	require.NoError(t, actor.Do(ctx, func(s *session.Store) error {
		inFlight = s.InFlight(id)
		return nil
	}))
	assert.False(t, inFlight)
	assert.Equal(t, 1, obs.done)
}

// =============================================================================
// LABEL TESTS
// =============================================================================

func TestLabel(t *testing.T) {
	tests := []struct {
		node string
		want string
	}{
		{"classifying", "Analyzing Plant..."},
		{"completed", "Diagnosis Complete"},
		{"COMPLETED", "Diagnosis Complete"},
		{"soil_analysis", "Soil Analysis"},
		{"weather-check", "Weather Check"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.node, func(t *testing.T) {
			assert.Equal(t, tt.want, Label(tt.node))
		})
	}
}
