// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package event decodes SSE frames from the diagnosis server into typed
// events and fans them out into per-effect handler callbacks.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/cropdoc/internal/model"
)

// =============================================================================
// EVENT KINDS
// =============================================================================

// Kind identifies which variant of the event union is populated.
type Kind string

const (
	KindStateUpdate       Kind = "state_update"
	KindAssistantResponse Kind = "assistant_response"
	KindMessage           Kind = "message"
	KindError             Kind = "error"
	KindAttentionOverlay  Kind = "attention_overlay"
	KindComplete          Kind = "complete"
	KindUnknown           Kind = "unknown"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// StateUpdate is the superset envelope carried by state_update frames.
// Every populated optional field is an independent effect.
type StateUpdate struct {
	CurrentNode       string              `json:"current_node,omitempty"`
	PreviousNode      string              `json:"previous_node,omitempty"`
	IsComplete        bool                `json:"is_complete,omitempty"`
	AssistantResponse string              `json:"assistant_response,omitempty"`
	FollowUps         []model.FollowUp    `json:"follow_ups,omitempty"`
	Disease           *model.Disease      `json:"disease,omitempty"`
	Prescription      *model.Prescription `json:"prescription,omitempty"`
	Vendors           []model.Vendor      `json:"vendors,omitempty"`
	Insurance         *model.Insurance    `json:"insurance,omitempty"`
	Error             string              `json:"error,omitempty"`
	ErrorMessage      string              `json:"error_message,omitempty"`

	// Skipped lists optional fields that were dropped or only partly
	// decoded. The rest of the update is still applied.
	Skipped []FieldError `json:"-"`
}

// FieldError is one optional state_update field that did not decode.
type FieldError struct {
	Field string
	Err   error
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Err.Error()
}

// ErrorText returns the application error carried by the update, if any.
// error_message wins when both fields are set.
func (s *StateUpdate) ErrorText() string {
	if s.ErrorMessage != "" {
		return s.ErrorMessage
	}
	return s.Error
}

// Event is one decoded SSE frame. Exactly one of the payload fields is
// meaningful, selected by Kind.
type Event struct {
	Kind Kind
	// Name is the event name as it appeared on the wire.
	Name string

	State   *StateUpdate
	Text    string // message text or error text
	Overlay *model.Overlay

	// ParseErr is set when a structured payload failed to decode and the
	// frame was turned into an error event.
	ParseErr error
}

// =============================================================================
// PARSING
// =============================================================================

// Parse turns one complete frame into exactly one Event. It never fails:
// structural problems become KindError events and unrecognized names become
// KindUnknown.
func Parse(name, data string) Event {
	name = strings.TrimSpace(name)

	switch Kind(name) {
	case KindStateUpdate:
		return parseStateUpdate(name, data)

	case KindAssistantResponse:
		return parseAssistantResponse(name, data)

	case KindMessage:
		return Event{Kind: KindMessage, Name: name, Text: data}

	case KindAttentionOverlay:
		return parseOverlay(name, data)

	case KindError:
		return Event{Kind: KindError, Name: name, Text: data}

	case KindComplete:
		return Event{Kind: KindComplete, Name: name}

	default:
		return Event{Kind: KindUnknown, Name: name, Text: data}
	}
}

func parseStateUpdate(name, data string) Event {
	var update StateUpdate
	if err := json.Unmarshal([]byte(data), &update); err != nil {
		return parseFailure(name, err)
	}
	return Event{Kind: KindStateUpdate, Name: name, State: &update}
}

// parseAssistantResponse unwraps {"assistant_response": "..."}. Anything that
// does not decode to that shape is delivered as raw message text.
func parseAssistantResponse(name, data string) Event {
	var envelope struct {
		AssistantResponse *string `json:"assistant_response"`
	}
	if err := json.Unmarshal([]byte(data), &envelope); err == nil && envelope.AssistantResponse != nil {
		return Event{Kind: KindAssistantResponse, Name: name, Text: *envelope.AssistantResponse}
	}
	return Event{Kind: KindAssistantResponse, Name: name, Text: data}
}

func parseOverlay(name, data string) Event {
	var overlay model.Overlay
	if err := json.Unmarshal([]byte(data), &overlay); err != nil {
		return parseFailure(name, err)
	}
	if overlay.ImageB64 == "" {
		return parseFailure(name, fmt.Errorf("missing image_b64"))
	}
	return Event{Kind: KindAttentionOverlay, Name: name, Overlay: &overlay}
}

func parseFailure(name string, err error) Event {
	return Event{
		Kind:     KindError,
		Name:     name,
		Text:     fmt.Sprintf("invalid %s payload: %v", name, err),
		ParseErr: err,
	}
}

// =============================================================================
// WIRE HELPERS
// =============================================================================

// followUpWire accepts either a bare string or a {label, prompt} object.
type followUpWire model.FollowUp

// UnmarshalJSON implements json.Unmarshaler.
func (f *followUpWire) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var label string
		if err := json.Unmarshal(b, &label); err != nil {
			return err
		}
		*f = followUpWire{Label: label}
		return nil
	}
	var obj struct {
		Label  string `json:"label"`
		Text   string `json:"text"`
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.Label == "" {
		obj.Label = obj.Text
	}
	*f = followUpWire{Label: obj.Label, Prompt: obj.Prompt}
	return nil
}

// UnmarshalJSON decodes the envelope one field at a time. Only a payload
// that is not a JSON object fails; a bad optional field is recorded in
// Skipped and the others still apply. Follow-ups are accepted as strings or
// objects, and bad list elements are skipped individually.
func (s *StateUpdate) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	*s = StateUpdate{}

	skip := func(field string, err error) {
		s.Skipped = append(s.Skipped, FieldError{Field: field, Err: err})
	}
	field := func(name string, dst any) bool {
		raw, ok := fields[name]
		if !ok || isNull(raw) {
			return false
		}
		keep, err := decodeLenient(raw, dst)
		if err != nil {
			skip(name, err)
		}
		return keep
	}

	field("current_node", &s.CurrentNode)
	field("previous_node", &s.PreviousNode)
	field("is_complete", &s.IsComplete)
	field("assistant_response", &s.AssistantResponse)
	field("error", &s.Error)
	field("error_message", &s.ErrorMessage)

	var disease model.Disease
	if field("disease", &disease) {
		s.Disease = &disease
	}
	var prescription model.Prescription
	if field("prescription", &prescription) {
		s.Prescription = &prescription
	}
	var insurance model.Insurance
	if field("insurance", &insurance) {
		s.Insurance = &insurance
	}

	var vendors []json.RawMessage
	if field("vendors", &vendors) {
		for i, raw := range vendors {
			var v model.Vendor
			keep, err := decodeLenient(raw, &v)
			if err != nil {
				skip(fmt.Sprintf("vendors[%d]", i), err)
			}
			if keep && !isNull(raw) {
				s.Vendors = append(s.Vendors, v)
			}
		}
	}

	var followUps []json.RawMessage
	if field("follow_ups", &followUps) {
		for i, raw := range followUps {
			var f followUpWire
			if err := json.Unmarshal(raw, &f); err != nil {
				skip(fmt.Sprintf("follow_ups[%d]", i), err)
				continue
			}
			if f.Label != "" {
				s.FollowUps = append(s.FollowUps, model.FollowUp(f))
			}
		}
	}
	return nil
}

// decodeLenient decodes raw into dst and reports whether dst should be kept.
// A type mismatch nested inside an object keeps the fields that did decode;
// a mismatch of the value as a whole does not.
func decodeLenient(raw json.RawMessage, dst any) (bool, error) {
	err := json.Unmarshal(raw, dst)
	if err == nil {
		return true, nil
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return true, err
	}
	return false, err
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
