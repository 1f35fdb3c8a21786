// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package event

import "github.com/jeranaias/cropdoc/internal/model"

// Handler receives the downstream effects of decoded events.
type Handler interface {
	HandleState(update StateUpdate)
	HandleMessage(text string)
	HandleFollowUps(followUps []model.FollowUp)
	HandleDisease(disease *model.Disease)
	HandlePrescription(prescription *model.Prescription)
	HandleVendors(vendors []model.Vendor)
	HandleInsurance(insurance *model.Insurance)
	HandleOverlay(overlay *model.Overlay)
	HandleError(text string)
	HandleComplete()
}

// Dispatch fans one event out into handler calls. For a state_update the
// effects fire in a fixed order: state, message, follow-ups, disease,
// prescription, vendors, insurance, error. Unknown events produce no calls.
// It reports whether any effect fired.
func Dispatch(ev Event, h Handler) bool {
	switch ev.Kind {
	case KindStateUpdate:
		if ev.State == nil {
			return false
		}
		dispatchState(ev.State, h)
		return true

	case KindAssistantResponse, KindMessage:
		h.HandleMessage(ev.Text)
		return true

	case KindAttentionOverlay:
		if ev.Overlay == nil {
			return false
		}
		h.HandleOverlay(ev.Overlay)
		return true

	case KindError:
		h.HandleError(ev.Text)
		return true

	case KindComplete:
		h.HandleComplete()
		return true
	}
	return false
}

func dispatchState(s *StateUpdate, h Handler) {
	h.HandleState(*s)

	if s.AssistantResponse != "" {
		h.HandleMessage(s.AssistantResponse)
	}
	if len(s.FollowUps) > 0 {
		h.HandleFollowUps(s.FollowUps)
	}
	if s.Disease != nil {
		h.HandleDisease(s.Disease)
	}
	if s.Prescription != nil {
		h.HandlePrescription(s.Prescription)
	}
	if len(s.Vendors) > 0 {
		h.HandleVendors(s.Vendors)
	}
	if s.Insurance != nil {
		h.HandleInsurance(s.Insurance)
	}
	if text := s.ErrorText(); text != "" {
		h.HandleError(text)
	}
}
