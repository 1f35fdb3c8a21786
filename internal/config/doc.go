// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for cropdoc.
//
// Supports both TOML and JSON configuration formats, with defaults,
// environment variable overrides, validation and live reload.
//
// # Key Types
//
//   - Config: Main configuration structure
//   - ServerConfig: Diagnosis server selection and endpoint paths
//   - TransportConfig: Connect, read, write and call timeouts
//   - Watcher: Reloads the file on change
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (CROPDOC_*), including those from ./.env
//   - ~/.cropdoc/config.toml
//   - ~/.cropdoc/config.json
//   - Built-in defaults
//
// Saved preferences (see package prefs) override the server URL and type.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c, err := client.New(cfg.ClientOptions(logger))
package config
