// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/convobuddy/internal/llm"
)

// =============================================================================
// STREAM READER
// =============================================================================

// StreamReader decodes newline-delimited JSON chat responses.
type StreamReader struct {
	reader *bufio.Reader

	// PERFORMANCE: strings.Builder avoids quadratic allocations
	accumulator strings.Builder
	chunks      int
	skipped     int
	model       string
	stats       StreamStats

	// OnSkip is called for each line that is not valid JSON.
	OnSkip func(line []byte, err error)
}

// NewStreamReader creates a new stream reader from an io.Reader.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{
		reader: bufio.NewReader(r),
		stats:  StreamStats{StartTime: time.Now()},
	}
}

// Process reads the stream and calls onDelta for each non-empty content
// fragment. It returns nil at end of stream or after a done line, and
// llm.ErrAborted once ctx is cancelled.
func (s *StreamReader) Process(ctx context.Context, onDelta llm.DeltaFunc) error {
	for {
		if ctx.Err() != nil {
			return llm.ErrAborted
		}

		line, readErr := s.reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return llm.ReadError(ctx, readErr)
		}

		done, err := s.handleLine(line, onDelta)
		if err != nil || done {
			return err
		}
		if readErr != nil {
			return nil
		}
	}
}

// handleLine parses one line. Blank and malformed lines are skipped.
func (s *StreamReader) handleLine(line []byte, onDelta llm.DeltaFunc) (bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false, nil
	}

	var resp ChatResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		s.skipped++
		if s.OnSkip != nil {
			s.OnSkip(line, err)
		}
		return false, nil
	}

	if resp.Error != "" {
		return true, &llm.APIError{
			StatusCode: http.StatusOK,
			Status:     "stream error",
			Message:    resp.Error,
		}
	}

	if resp.Model != "" {
		s.model = resp.Model
	}

	if content := resp.Message.Content; content != "" {
		if s.chunks == 0 {
			s.stats.FirstTokenTime = time.Now()
		}
		s.chunks++
		s.accumulator.WriteString(content)
		onDelta(content)
	}

	if resp.Done {
		s.stats.EndTime = time.Now()
		s.stats.PromptTokens = resp.PromptEvalCount
		s.stats.CompletionTokens = resp.EvalCount
		s.stats.TotalDuration = time.Duration(resp.TotalDuration)
		s.stats.EvalDuration = time.Duration(resp.EvalDuration)
		s.stats.DoneReason = resp.DoneReason
		return true, nil
	}
	return false, nil
}

// GetAccumulated returns all accumulated content.
func (s *StreamReader) GetAccumulated() string {
	return s.accumulator.String()
}

// GetChunkCount returns the number of content fragments received.
func (s *StreamReader) GetChunkCount() int {
	return s.chunks
}

// GetSkipped returns the number of malformed lines skipped.
func (s *StreamReader) GetSkipped() int {
	return s.skipped
}

// GetModel returns the model name reported by the stream.
func (s *StreamReader) GetModel() string {
	return s.model
}

// Stats returns timing and token statistics.
func (s *StreamReader) Stats() StreamStats {
	return s.stats
}

// =============================================================================
// STREAM STATISTICS
// =============================================================================

// StreamStats holds statistics collected during streaming.
type StreamStats struct {
	StartTime      time.Time
	FirstTokenTime time.Time
	EndTime        time.Time

	// Reported by the server on the final line
	TotalDuration    time.Duration
	EvalDuration     time.Duration
	PromptTokens     int
	CompletionTokens int
	DoneReason       string
}

// TTFT returns the time to first token, or 0 if none arrived.
func (s StreamStats) TTFT() time.Duration {
	if s.FirstTokenTime.IsZero() {
		return 0
	}
	return s.FirstTokenTime.Sub(s.StartTime)
}

// TokensPerSecond returns the server-reported generation rate.
func (s StreamStats) TokensPerSecond() float64 {
	if s.EvalDuration <= 0 {
		return 0
	}
	return float64(s.CompletionTokens) / s.EvalDuration.Seconds()
}
