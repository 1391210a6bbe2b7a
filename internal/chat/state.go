// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

// =============================================================================
// CHAT STATE
// =============================================================================

// State is the generation state of an Orchestrator.
type State int

const (
	StateIdle               State = iota // No active generation
	StateAwaitingFirstToken              // Request sent, nothing received yet
	StateStreaming                       // Receiving deltas
	StateError                           // A turn just failed; returns to idle
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingFirstToken:
		return "awaiting-first-token"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Busy reports whether a generation is in flight.
func (s State) Busy() bool {
	return s == StateAwaitingFirstToken || s == StateStreaming
}
