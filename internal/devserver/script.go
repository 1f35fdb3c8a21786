// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package devserver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeranaias/cropdoc/internal/event"
	"github.com/jeranaias/cropdoc/internal/model"
	"github.com/jeranaias/cropdoc/internal/request"
)

// Frame is one SSE frame of a scripted response.
type Frame struct {
	Event string
	Data  string
}

// Trigger words in the message that change the script.
const (
	// TriggerError injects an application error event mid-stream.
	TriggerError = "#error"
	// TriggerGarbage injects a malformed state update and an unknown event.
	TriggerGarbage = "#garbage"
)

// condition is a canned diagnosis keyed by a word in the message.
type condition struct {
	keyword string
	disease model.Disease
	remedy  model.Treatment
}

var conditions = []condition{
	{"rust", model.Disease{Name: "Leaf Rust", Severity: "moderate",
		Description: "Orange pustules on the leaf surface caused by a Puccinia fungus."},
		model.Treatment{Name: "Propiconazole 25% EC", Dosage: "1 ml/L", Frequency: "every 15 days", Method: "foliar spray"}},
	{"blight", model.Disease{Name: "Early Blight", Severity: "high",
		Description: "Concentric brown rings on older leaves caused by Alternaria solani."},
		model.Treatment{Name: "Mancozeb 75% WP", Dosage: "2.5 g/L", Frequency: "every 10 days", Method: "foliar spray"}},
	{"mildew", model.Disease{Name: "Powdery Mildew", Severity: "low",
		Description: "White powdery growth on leaves and stems."},
		model.Treatment{Name: "Wettable sulphur 80% WP", Dosage: "3 g/L", Frequency: "every 10 days", Method: "foliar spray"}},
}

var fallback = condition{
	disease: model.Disease{Name: "Leaf Spot", Severity: "moderate",
		Description: "Small dark lesions with yellow halos, usually fungal."},
	remedy: model.Treatment{Name: "Copper oxychloride 50% WP", Dosage: "3 g/L", Frequency: "every 7 days", Method: "foliar spray"},
}

// Script returns the frames the server sends for req. The sequence is
// classifying, assistant response, attention overlay when an image was
// sent, completed with the structured results, then complete.
func Script(req request.ChatRequest) []Frame {
	lower := strings.ToLower(req.Message)
	c := pick(lower)
	plant := plantFor(req)
	c.disease.PlantType = plant
	c.disease.Confidence = 0.87

	var frames []Frame
	frames = append(frames, state(event.StateUpdate{CurrentNode: "classifying", PreviousNode: "start"}))

	if strings.Contains(lower, TriggerGarbage) {
		frames = append(frames,
			Frame{Event: string(event.KindStateUpdate), Data: `{"current_node":`},
			Frame{Event: "heartbeat", Data: "ping"})
	}

	frames = append(frames, assistant(fmt.Sprintf("I am looking at your %s. %s detected.", plant, c.disease.Name)))

	if req.HasImage() {
		overlay, _ := json.Marshal(model.Overlay{
			ImageB64:    req.ImageB64,
			DiseaseName: c.disease.Name,
			Confidence:  c.disease.Confidence,
			SourceNode:  "classifying",
		})
		frames = append(frames, Frame{Event: string(event.KindAttentionOverlay), Data: string(overlay)})
	}

	if strings.Contains(lower, TriggerError) {
		frames = append(frames, Frame{Event: string(event.KindError), Data: "vendor lookup is temporarily unavailable"})
	}

	frames = append(frames, Frame{
		Event: string(event.KindMessage),
		Data:  "Treatment plan:\n" + c.remedy.Name + ", " + c.remedy.Dosage + ", " + c.remedy.Frequency + ".",
	})

	disease := c.disease
	frames = append(frames, state(event.StateUpdate{
		CurrentNode:  "completed",
		PreviousNode: "prescribing",
		IsComplete:   true,
		Disease:      &disease,
		Prescription: &model.Prescription{
			Treatments: []model.Treatment{c.remedy},
			Preventive: []string{"Remove and destroy infected leaves", "Avoid overhead irrigation"},
		},
		Vendors: []model.Vendor{
			{Name: "Kisan Seva Kendra", Location: locationFor(req), Price: "₹280"},
			{Name: "AgroMart Online", URL: "https://example.com/agromart"},
		},
		Insurance: &model.Insurance{
			Scheme:   "Pradhan Mantri Fasal Bima Yojana",
			Provider: "Agriculture Insurance Company of India",
			Premium:  2,
		},
		FollowUps: []model.FollowUp{
			{Label: "Show organic alternatives", Prompt: "What organic treatments work for " + c.disease.Name + "?"},
			{Label: "How do I prevent this next season?"},
		},
	}))

	frames = append(frames, Frame{Event: string(event.KindComplete), Data: "done"})
	return frames
}

func pick(message string) condition {
	for _, c := range conditions {
		if strings.Contains(message, c.keyword) {
			return c
		}
	}
	return fallback
}

// plantFor uses the first crop from the request context, if any.
func plantFor(req request.ChatRequest) string {
	if crops, ok := req.Context["crops"].(string); ok && crops != "" {
		return strings.TrimSpace(strings.Split(crops, ",")[0])
	}
	return "plant"
}

func locationFor(req request.ChatRequest) string {
	if state, ok := req.Context["state"].(string); ok && state != "" {
		return state
	}
	return "nearest district centre"
}

func state(u event.StateUpdate) Frame {
	data, _ := json.Marshal(u)
	return Frame{Event: string(event.KindStateUpdate), Data: string(data)}
}

func assistant(text string) Frame {
	data, _ := json.Marshal(map[string]string{"assistant_response": text})
	return Frame{Event: string(event.KindAssistantResponse), Data: string(data)}
}
