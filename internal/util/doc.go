// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across cropdoc packages.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - TruncateWidth: Display-width aware truncation for terminal columns
//   - SingleLine: Collapses whitespace runs for one-line previews
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
//
// # Usage
//
//	title := util.TruncateRunes(util.SingleLine(text), 50)
//	err := util.AtomicWriteFile(path, data, 0600)
package util
