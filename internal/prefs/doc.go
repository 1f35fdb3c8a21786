// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prefs stores user preferences (server selection and farm profile)
// in a local SQLite database. Saved server settings take precedence over
// the config file.
package prefs
