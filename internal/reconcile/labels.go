// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reconcile

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// stateLabels maps server FSM node IDs to display labels.
var stateLabels = map[string]string{
	"start":           "Getting Started",
	"greeting":        "Getting Started",
	"classifying":     "Analyzing Plant...",
	"diagnosing":      "Diagnosing...",
	"prescribing":     "Preparing Treatment...",
	"finding_vendors": "Finding Suppliers...",
	"insurance":       "Checking Insurance...",
	"followup":        "Follow-up",
	"completed":       "Diagnosis Complete",
	"error":           "Something Went Wrong",
}

// Label returns the display label for an FSM node. Unmapped nodes are
// title-cased with underscores and hyphens read as spaces.
func Label(node string) string {
	node = strings.TrimSpace(node)
	if node == "" {
		return ""
	}
	if label, ok := stateLabels[strings.ToLower(node)]; ok {
		return label
	}
	spaced := strings.NewReplacer("_", " ", "-", " ").Replace(node)
	// Casers carry state; one per call
	return cases.Title(language.English).String(strings.Join(strings.Fields(spaced), " "))
}
