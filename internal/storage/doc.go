// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the persistence substrate and chat persistence.
//
// All state lives in a string key-value store (KV). Values that hold lists
// are JSON encoded. Three backends are available:
//
//   - File: one JSON object on disk, rewritten atomically, watched with fsnotify
//   - SQLite: a kv table in a pure Go SQLite database, polled for other writers
//   - Memory: process-local, used by tests and --storage=memory
//
// # Key Types
//
//   - KV: get/set/remove plus Subscribe for change notifications
//   - ChatStore: the chat session list and the active chat / last model pointers
//
// # Usage
//
//	kv, err := storage.Open(cfg.Storage.Backend, cfg.StorePath(), log)
//	chats := storage.NewChatStore(kv, storage.WithChatLogger(log))
//	err = chats.SaveChat(session)
//
// # Change notifications
//
// Every local write publishes Change{Key: key}. When another process rewrites
// the store and the backend is being watched, subscribers receive
// Change{External: true} after the new contents are loaded.
package storage
