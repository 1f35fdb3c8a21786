// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/cropdoc/internal/model"
)

// recorder captures handler calls in order.
type recorder struct {
	calls    []string
	state    StateUpdate
	messages []string
	errors   []string
	follow   []model.FollowUp
	overlay  *model.Overlay
}

func (r *recorder) HandleState(u StateUpdate) { r.calls = append(r.calls, "state"); r.state = u }
func (r *recorder) HandleMessage(text string) {
	r.calls = append(r.calls, "message")
	r.messages = append(r.messages, text)
}
func (r *recorder) HandleFollowUps(f []model.FollowUp) {
	r.calls = append(r.calls, "follow_ups")
	r.follow = f
}
func (r *recorder) HandleDisease(*model.Disease)           { r.calls = append(r.calls, "disease") }
func (r *recorder) HandlePrescription(*model.Prescription) { r.calls = append(r.calls, "prescription") }
func (r *recorder) HandleVendors([]model.Vendor)           { r.calls = append(r.calls, "vendors") }
func (r *recorder) HandleInsurance(*model.Insurance)       { r.calls = append(r.calls, "insurance") }
func (r *recorder) HandleOverlay(o *model.Overlay) {
	r.calls = append(r.calls, "overlay")
	r.overlay = o
}
func (r *recorder) HandleError(text string) {
	r.calls = append(r.calls, "error")
	r.errors = append(r.errors, text)
}
func (r *recorder) HandleComplete() { r.calls = append(r.calls, "complete") }

// =============================================================================
// PARSE TESTS
// =============================================================================

func TestParse_Kinds(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Kind
	}{
		{"state_update", `{"current_node":"classifying"}`, KindStateUpdate},
		{"assistant_response", `{"assistant_response":"hi"}`, KindAssistantResponse},
		{"message", "plain text", KindMessage},
		{"attention_overlay", `{"image_b64":"AAAA"}`, KindAttentionOverlay},
		{"error", "boom", KindError},
		{"complete", "ok", KindComplete},
		{"heartbeat", "{}", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.name, tt.data).Kind)
		})
	}
}

func TestParse_AssistantResponseUnwraps(t *testing.T) {
	ev := Parse("assistant_response", `{"assistant_response":"Leaf spot detected"}`)
	assert.Equal(t, "Leaf spot detected", ev.Text)
	assert.NoError(t, ev.ParseErr)
}

func TestParse_MalformedAssistantResponseFallsBackToRawText(t *testing.T) {
	ev := Parse("assistant_response", "{not json")
	assert.Equal(t, KindAssistantResponse, ev.Kind)
	assert.Equal(t, "{not json", ev.Text)

	r := &recorder{}
	Dispatch(ev, r)
	assert.Equal(t, []string{"message"}, r.calls)
	assert.Equal(t, []string{"{not json"}, r.messages)
}

func TestParse_AssistantResponseMissingFieldFallsBack(t *testing.T) {
	ev := Parse("assistant_response", `{"other":"x"}`)
	assert.Equal(t, `{"other":"x"}`, ev.Text)
}

func TestParse_InvalidStateUpdateIsErrorKind(t *testing.T) {
	ev := Parse("state_update", "{broken")
	assert.Equal(t, KindError, ev.Kind)
	assert.Error(t, ev.ParseErr)
	assert.Contains(t, ev.Text, "invalid state_update payload")
}

func TestParse_StateUpdateNonObjectIsErrorKind(t *testing.T) {
	ev := Parse("state_update", `["completed"]`)
	assert.Equal(t, KindError, ev.Kind)
	assert.Error(t, ev.ParseErr)
}

func TestParse_StateUpdateToleratesBadOptionalFields(t *testing.T) {
	ev := Parse("state_update", `{
		"current_node":"completed",
		"is_complete":"yes",
		"assistant_response":"Early blight on tomato",
		"disease":{"name":"Early Blight","confidence":"high","severity":"high"},
		"prescription":"spray something",
		"insurance":{"scheme":"PMFBY","premium":"₹500"},
		"vendors":[{"name":"Kisan Kendra","price":280},5,{"name":"AgroMart"}],
		"follow_ups":["Treatment",3,{"label":"Vendors"}]
	}`)
	require.Equal(t, KindStateUpdate, ev.Kind)
	require.NotNil(t, ev.State)
	u := ev.State

	assert.Equal(t, "completed", u.CurrentNode)
	assert.False(t, u.IsComplete)
	assert.Equal(t, "Early blight on tomato", u.AssistantResponse)

	require.NotNil(t, u.Disease, "a mistyped nested field keeps the rest of the object")
	assert.Equal(t, "Early Blight", u.Disease.Name)
	assert.Equal(t, "high", u.Disease.Severity)
	assert.Zero(t, u.Disease.Confidence)

	assert.Nil(t, u.Prescription, "a sub-object of the wrong shape is dropped")

	require.NotNil(t, u.Insurance)
	assert.Equal(t, "PMFBY", u.Insurance.Scheme)
	assert.Zero(t, u.Insurance.Premium)

	require.Len(t, u.Vendors, 2)
	assert.Equal(t, "Kisan Kendra", u.Vendors[0].Name)
	assert.Equal(t, "AgroMart", u.Vendors[1].Name)

	assert.Equal(t, []model.FollowUp{{Label: "Treatment"}, {Label: "Vendors"}}, u.FollowUps)

	var fields []string
	for _, f := range u.Skipped {
		fields = append(fields, f.Field)
	}
	assert.ElementsMatch(t, []string{
		"is_complete", "disease", "prescription", "insurance",
		"vendors[0]", "vendors[1]", "follow_ups[1]",
	}, fields)
}

func TestParse_StateUpdateNullFieldsAreAbsent(t *testing.T) {
	ev := Parse("state_update", `{"current_node":"classifying","disease":null,"vendors":null,"follow_ups":null}`)
	require.NotNil(t, ev.State)
	assert.Equal(t, "classifying", ev.State.CurrentNode)
	assert.Nil(t, ev.State.Disease)
	assert.Empty(t, ev.State.Vendors)
	assert.Empty(t, ev.State.Skipped)
}

func TestParse_OverlayWithoutImageIsErrorKind(t *testing.T) {
	ev := Parse("attention_overlay", `{"disease_name":"Blight"}`)
	assert.Equal(t, KindError, ev.Kind)
}

func TestParse_OverlayFields(t *testing.T) {
	ev := Parse("attention_overlay", `{"image_b64":"AAAA","disease_name":"Early Blight","confidence":0.91,"source_node":"classifying"}`)
	require.NotNil(t, ev.Overlay)
	assert.Equal(t, "Early Blight", ev.Overlay.DiseaseName)
	assert.InDelta(t, 0.91, ev.Overlay.Confidence, 1e-9)
	assert.Equal(t, "classifying", ev.Overlay.SourceNode)
}

func TestParse_FollowUpsAcceptStringsAndObjects(t *testing.T) {
	ev := Parse("state_update", `{"follow_ups":["Show treatment",{"label":"Insurance","prompt":"Which insurance?"},{"text":"Vendors"},""]}`)
	require.NotNil(t, ev.State)
	assert.Equal(t, []model.FollowUp{
		{Label: "Show treatment"},
		{Label: "Insurance", Prompt: "Which insurance?"},
		{Label: "Vendors"},
	}, ev.State.FollowUps)
}

// =============================================================================
// DISPATCH TESTS
// =============================================================================

func TestDispatch_StateUpdateOrder(t *testing.T) {
	data := `{
		"current_node":"completed",
		"previous_node":"classifying",
		"is_complete":true,
		"assistant_response":"Early blight",
		"follow_ups":["Treatment"],
		"disease":{"name":"Early Blight"},
		"prescription":{"treatments":[{"name":"Mancozeb"}]},
		"vendors":[{"name":"Agro Store"}],
		"insurance":{"scheme":"PMFBY"},
		"error_message":"partial results"
	}`
	r := &recorder{}
	assert.True(t, Dispatch(Parse("state_update", data), r))

	assert.Equal(t, []string{
		"state", "message", "follow_ups", "disease", "prescription", "vendors", "insurance", "error",
	}, r.calls)
	assert.Equal(t, "completed", r.state.CurrentNode)
	assert.Equal(t, "classifying", r.state.PreviousNode)
	assert.True(t, r.state.IsComplete)
	assert.Equal(t, []string{"partial results"}, r.errors)
}

func TestDispatch_StateOnlyFiresState(t *testing.T) {
	r := &recorder{}
	Dispatch(Parse("state_update", `{"current_node":"classifying"}`), r)
	assert.Equal(t, []string{"state"}, r.calls)
}

func TestDispatch_UnknownHasNoEffect(t *testing.T) {
	r := &recorder{}
	assert.False(t, Dispatch(Parse("foo", "bar"), r))
	assert.Empty(t, r.calls)
}

func TestDispatch_SimpleKinds(t *testing.T) {
	r := &recorder{}
	Dispatch(Parse("message", "a"), r)
	Dispatch(Parse("error", "b"), r)
	Dispatch(Parse("attention_overlay", `{"image_b64":"x"}`), r)
	Dispatch(Parse("complete", ""), r)
	assert.Equal(t, []string{"message", "error", "overlay", "complete"}, r.calls)
	assert.Equal(t, "x", r.overlay.ImageB64)
}
