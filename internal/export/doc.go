// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes diagnosis sessions to shareable files.
//
// # Supported Formats
//
//   - Markdown: transcript with diagnosis, treatment, vendor and insurance sections
//   - JSON: the full session record
//
// # Usage
//
//	exp, err := export.ForFormat("md", nil)
//	if err != nil {
//	    return err
//	}
//	path, err := export.ExportToFile(sess, exp, &export.Options{OutputDir: dir})
package export
