// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package compat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jeranaias/convobuddy/internal/llm"
)

// STREAMING: line-oriented SSE parsing; each data line is decoded on its own

// doneMarker terminates an OpenAI-compatible stream.
var doneMarker = []byte("[DONE]")

// =============================================================================
// STREAMING TYPES
// =============================================================================

// StreamChunk is one decoded data payload of a streaming response.
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// GetContent returns the content from the first choice's delta.
func (c *StreamChunk) GetContent() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader yields the payload of each "data:" line in a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// Next returns the next data payload. Blank lines, comments and other
// fields (event:, id:, retry:) are skipped. Returns io.EOF when the stream
// ends.
func (s *SSEReader) Next() ([]byte, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if len(line) == 0 && err != nil {
			return nil, io.EOF
		}

		line = bytes.TrimSpace(line)
		if bytes.HasPrefix(line, []byte("data:")) {
			return bytes.TrimSpace(line[len("data:"):]), nil
		}
		if err != nil {
			return nil, io.EOF
		}
	}
}

// =============================================================================
// STREAM PROCESSING
// =============================================================================

// processStream reads data lines, emitting choices[0].delta.content until
// [DONE] or end of stream. Undecodable payloads go to onSkip.
func processStream(ctx context.Context, body io.Reader, onDelta llm.DeltaFunc, onSkip func([]byte, error)) (int, error) {
	reader := NewSSEReader(body)
	chunks := 0

	for {
		if ctx.Err() != nil {
			return chunks, llm.ErrAborted
		}

		data, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return chunks, nil
			}
			return chunks, llm.ReadError(ctx, err)
		}

		if bytes.Equal(data, doneMarker) {
			return chunks, nil
		}
		if len(data) == 0 {
			continue
		}

		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			if onSkip != nil {
				onSkip(data, err)
			}
			continue
		}
		if chunk.Error != nil && chunk.Error.Message != "" {
			return chunks, &llm.APIError{
				StatusCode: http.StatusOK,
				Status:     "stream error",
				Message:    chunk.Error.Message,
			}
		}

		if content := chunk.GetContent(); content != "" {
			chunks++
			onDelta(content)
		}
	}
}
