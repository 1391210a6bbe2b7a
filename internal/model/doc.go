// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the core domain types shared by storage, the
// protocol adapter and the chat orchestrator.
//
// # Key Types
//
//   - ChatSession: A persisted conversation with its generation settings
//   - Message: Single turn with role, content and optional base64 images
//   - Provider: A configured backend connection and its ProviderType
//   - ModelInfo: A model reported by a provider's listing endpoint
//
// # Capabilities
//
// IsVisionModel and IsGenerationSupported are name and type heuristics used
// to gate image attachments and image generation:
//
//	if len(images) > 0 && !model.IsVisionModel(session.Model) {
//	    return ErrVisionRequired
//	}
package model
