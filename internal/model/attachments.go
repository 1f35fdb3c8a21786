// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// =============================================================================
// FOLLOW-UP ACTIONS
// =============================================================================

// FollowUp is a suggested next action the user can pick, e.g. "Show
// treatment options". Prompt is the text sent back when it is chosen; it
// defaults to Label.
type FollowUp struct {
	Label  string `json:"label"`
	Prompt string `json:"prompt,omitempty"`
}

// Text returns the message text to submit when the follow-up is chosen.
func (f FollowUp) Text() string {
	if f.Prompt != "" {
		return f.Prompt
	}
	return f.Label
}

// =============================================================================
// ATTENTION OVERLAY
// =============================================================================

// Overlay is a diagnostic attention map rendered over the submitted photo.
type Overlay struct {
	ImageB64    string  `json:"image_b64"`
	DiseaseName string  `json:"disease_name,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	SourceNode  string  `json:"source_node,omitempty"`
}

// Clone returns a copy of the overlay.
func (o *Overlay) Clone() *Overlay {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

// =============================================================================
// DIAGNOSIS RESULTS
// =============================================================================

// Disease is the classification result for the submitted plant.
type Disease struct {
	Name        string  `json:"name"`
	PlantType   string  `json:"plant_type,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Severity    string  `json:"severity,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Clone returns a copy of the disease record.
func (d *Disease) Clone() *Disease {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// Treatment is a single step of a prescription.
type Treatment struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Method    string `json:"method,omitempty"`
}

// Prescription is the recommended treatment plan.
type Prescription struct {
	Treatments []Treatment `json:"treatments,omitempty"`
	Preventive []string    `json:"preventive,omitempty"`
	Notes      string      `json:"notes,omitempty"`
}

// Clone returns a deep copy of the prescription.
func (p *Prescription) Clone() *Prescription {
	if p == nil {
		return nil
	}
	c := *p
	c.Treatments = append([]Treatment(nil), p.Treatments...)
	c.Preventive = append([]string(nil), p.Preventive...)
	return &c
}

// Vendor is a supplier for the prescribed treatment.
type Vendor struct {
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Price    string `json:"price,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Insurance is a crop insurance recommendation.
type Insurance struct {
	Scheme   string  `json:"scheme"`
	Provider string  `json:"provider,omitempty"`
	Premium  float64 `json:"premium,omitempty"`
	Coverage float64 `json:"coverage,omitempty"`
	Subsidy  float64 `json:"subsidy,omitempty"`
	Details  string  `json:"details,omitempty"`
}

// Clone returns a copy of the insurance record.
func (i *Insurance) Clone() *Insurance {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}
