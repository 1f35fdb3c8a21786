// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"time"

	"github.com/jeranaias/cropdoc/internal/model"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter exports the complete session record. Image payloads are not
// included; messages keep their image references.
type JSONExporter struct {
	options *Options
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

// document wraps a session with export metadata.
type document struct {
	Generator  string         `json:"generator"`
	ExportedAt time.Time      `json:"exported_at"`
	Session    *model.Session `json:"session"`
}

// Export converts a session to indented JSON.
func (e *JSONExporter) Export(sess *model.Session) ([]byte, error) {
	if sess == nil {
		return nil, ErrNilSession
	}
	return json.MarshalIndent(document{
		Generator:  "cropdoc",
		ExportedAt: e.options.now().UTC(),
		Session:    sess,
	}, "", "  ")
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}

// MimeType returns the MIME type for JSON.
func (e *JSONExporter) MimeType() string {
	return "application/json"
}
