// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat drives a conversation: it sends turns to the active
// provider, applies streamed deltas and persists the session as it goes.
//
// # Key Types
//
//   - Orchestrator: owns the working copy of the active session
//   - State: idle, awaiting-first-token, streaming, error
//   - Reply: outcome of one submitted turn
//
// # Turn Lifecycle
//
// Submit appends the user message, creates the session on first use and
// adds an empty assistant placeholder. Every streamed delta is appended to
// the placeholder and saved. Cancel keeps whatever arrived. A failed turn
// shows a notice in place of the placeholder without persisting it.
//
// Input of the form "/image <prompt>" is sent to the image endpoint instead
// and the result is stored as a data-URI markdown image.
//
// # Usage
//
//	o := chat.New(chat.Config{
//	    Chats:     chats,
//	    Providers: providers,
//	    Backend:   adapter,
//	    OnDelta:   func(d string) { fmt.Print(d) },
//	})
//	defer o.Close()
//	reply, err := o.Submit(ctx, "hello", nil)
package chat
