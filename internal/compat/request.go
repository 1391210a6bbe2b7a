// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package compat implements the OpenAI-compatible chat dialect.
package compat

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/jeranaias/convobuddy/internal/llm"
	"github.com/jeranaias/convobuddy/internal/model"
)

// ImageDataPrefix is prepended to stored base64 payloads to form image URLs.
const ImageDataPrefix = "data:image/jpeg;base64,"

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ChatRequest is the streaming request body for /v1/chat/completions.
type ChatRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Stream      bool                           `json:"stream"`
	Temperature *float64                       `json:"temperature,omitempty"`
	MaxTokens   int                            `json:"max_tokens,omitempty"`
}

// ToMessage converts a persisted message. A message with images becomes a
// multi-part content array: the text part first, then one image_url part
// per image.
func ToMessage(m model.Message) openai.ChatCompletionMessage {
	if !m.HasImages() {
		return openai.ChatCompletionMessage{Role: m.Role.String(), Content: m.Content}
	}

	parts := make([]openai.ChatMessagePart, 0, len(m.Images)+1)
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: m.Content,
	})
	for _, img := range m.Images {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: ImageDataPrefix + img},
		})
	}
	return openai.ChatCompletionMessage{Role: m.Role.String(), MultiContent: parts}
}

// ToMessages converts a whole history.
func ToMessages(msgs []model.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ToMessage(m))
	}
	return out
}

// NewChatRequest builds the streaming body. ContextLength is sent as
// max_tokens; an unset temperature is omitted.
func NewChatRequest(req llm.ChatRequest) *ChatRequest {
	return &ChatRequest{
		Model:       req.Model,
		Messages:    ToMessages(req.Messages),
		Stream:      true,
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.ContextLength,
	}
}

// NewCompletionRequest builds the go-openai non-streaming request. The
// library omits a zero temperature, so 0 falls back to the server default.
func NewCompletionRequest(req llm.ChatRequest) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  ToMessages(req.Messages),
		MaxTokens: req.Options.ContextLength,
	}
	if req.Options.Temperature != nil {
		out.Temperature = float32(*req.Options.Temperature)
	}
	return out
}
