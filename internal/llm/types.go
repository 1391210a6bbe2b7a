// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"io"

	"github.com/jeranaias/convobuddy/internal/model"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Options carries generation parameters. Zero values mean "server default".
type Options struct {
	// Temperature is nil when the caller did not choose one.
	Temperature *float64

	// ContextLength is the requested context window; 0 omits it.
	ContextLength int
}

// Temp returns a pointer option for t.
func Temp(t float64) *float64 {
	return &t
}

// ChatRequest is a dialect-neutral chat request.
type ChatRequest struct {
	Model    string
	Messages []model.Message
	Options  Options
}

// HasImages reports whether any message carries an image.
func (r ChatRequest) HasImages() bool {
	for _, m := range r.Messages {
		if m.HasImages() {
			return true
		}
	}
	return false
}

// ImageRequest asks a server to generate an image from a prompt.
type ImageRequest struct {
	Prompt string
	Model  string
	Size   string
}

// Image is a generated image as a base64 payload without data-URI prefix.
type Image struct {
	B64 string
}

// DataURI returns the payload as a PNG data URI.
func (i Image) DataURI() string {
	return "data:image/png;base64," + i.B64
}

// =============================================================================
// DIALECT CONTRACT
// =============================================================================

// DeltaFunc receives streamed text fragments in wire order.
type DeltaFunc func(delta string)

// Dialect is one wire format. Implementations build the streaming request
// body and decode its response into deltas.
type Dialect interface {
	// Name identifies the dialect in logs.
	Name() string

	// ChatPath is the streaming chat endpoint relative to the base URL.
	ChatPath() string

	// BuildChatRequest returns the JSON-encodable streaming request body.
	BuildChatRequest(req ChatRequest) (any, error)

	// DecodeStream reads r until end of stream or terminator, calling
	// onDelta for every non-empty fragment. Malformed lines are skipped.
	// It returns ErrAborted once ctx is cancelled.
	DecodeStream(ctx context.Context, r io.Reader, onDelta DeltaFunc) error

	// ModelsPath is the model listing endpoint relative to the base URL.
	ModelsPath() string

	// DecodeModels parses a model listing response.
	DecodeModels(r io.Reader) ([]model.ModelInfo, error)
}
