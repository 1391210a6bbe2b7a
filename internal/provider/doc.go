// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider manages configured backend connections.
//
// Store keeps the provider list and the active-provider pointer in a
// storage.KV. Migrate is run once at startup; it converts the legacy
// single-provider keys (backendProvider, ollamaUrl, ollamaPort) into a
// provider record when no list exists yet and records the schema version.
//
//	res, err := provider.Migrate(kv, log)
//	store := provider.NewStore(kv, log)
//	active, err := store.GetActiveProvider()
package provider
