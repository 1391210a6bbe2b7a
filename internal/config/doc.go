// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for convobuddy.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - StorageConfig: KV backend selection and file watching
//   - GenerationConfig: Temperature and context length for new chats
//   - HTTPConfig: Client timeouts
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Command-line flags (applied by the caller)
//   - Environment variables (CONVOBUDDY_*)
//   - ~/.convobuddy/config.toml
//   - ~/.convobuddy/config.json
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	kv, err := storage.Open(cfg.Storage.Backend, cfg.StorePath(), log)
package config
