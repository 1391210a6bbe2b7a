// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"time"

	"github.com/jeranaias/convobuddy/internal/model"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Message is a chat message in the native wire format.
type Message struct {
	Role    string   `json:"role"`             // "user", "assistant", "system"
	Content string   `json:"content"`          // The message content
	Images  []string `json:"images,omitempty"` // Base64 payloads, no data-URI prefix
}

// ChatRequest is the request body for /api/chat.
type ChatRequest struct {
	Model    string    `json:"model"`             // Model name (e.g., "llama3.2")
	Messages []Message `json:"messages"`          // Conversation history
	Stream   bool      `json:"stream"`            // Always true for chat
	Options  *Options  `json:"options,omitempty"` // Model parameters
}

// Options contains model parameters for inference.
type Options struct {
	// Temperature is a pointer so an explicit 0 is sent.
	Temperature *float64 `json:"temperature,omitempty"`

	// NumCtx is the context window size.
	NumCtx int `json:"num_ctx,omitempty"`
}

// FromModel converts a persisted message into the wire format. Images are
// copied verbatim.
func FromModel(m model.Message) Message {
	out := Message{Role: m.Role.String(), Content: m.Content}
	if len(m.Images) > 0 {
		out.Images = append([]string(nil), m.Images...)
	}
	return out
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ChatResponse is one line of a streamed /api/chat response.
type ChatResponse struct {
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
	Message    Message   `json:"message"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason,omitempty"`
	Error      string    `json:"error,omitempty"`

	PromptEvalCount int   `json:"prompt_eval_count,omitempty"` // number of tokens in prompt
	EvalCount       int   `json:"eval_count,omitempty"`        // number of tokens generated
	TotalDuration   int64 `json:"total_duration,omitempty"`    // nanoseconds
	EvalDuration    int64 `json:"eval_duration,omitempty"`     // nanoseconds
}

// TagsResponse is the response from /api/tags.
type TagsResponse struct {
	Models []Tag `json:"models"`
}

// Tag is one locally available model.
type Tag struct {
	Name       string       `json:"name"`
	Model      string       `json:"model,omitempty"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details,omitempty"`
}

// ModelDetails contains model metadata.
type ModelDetails struct {
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}

// ToModelInfo converts a tag into the dialect-neutral model description.
func (t Tag) ToModelInfo() model.ModelInfo {
	id := t.Name
	if id == "" {
		id = t.Model
	}
	return model.ModelInfo{
		ID:            id,
		Size:          t.Size,
		Family:        t.Details.Family,
		ParameterSize: t.Details.ParameterSize,
	}
}
