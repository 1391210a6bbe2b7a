// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama implements the native local-server chat dialect.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/convobuddy/internal/llm"
	"github.com/jeranaias/convobuddy/internal/logging"
	"github.com/jeranaias/convobuddy/internal/model"
)

// Endpoint paths relative to the provider base URL.
const (
	ChatPath = "/api/chat"
	TagsPath = "/api/tags"
)

// Dialect is the native NDJSON chat dialect.
type Dialect struct {
	log logrus.FieldLogger
}

var _ llm.Dialect = (*Dialect)(nil)

// NewDialect creates the native dialect. A nil logger discards.
func NewDialect(log logrus.FieldLogger) *Dialect {
	return &Dialect{log: logging.OrDiscard(log)}
}

// Name implements llm.Dialect.
func (d *Dialect) Name() string { return "native" }

// ChatPath implements llm.Dialect.
func (d *Dialect) ChatPath() string { return ChatPath }

// ModelsPath implements llm.Dialect.
func (d *Dialect) ModelsPath() string { return TagsPath }

// BuildChatRequest returns a streaming ChatRequest. Options are always
// sent so the server does not fall back to its own context size.
func (d *Dialect) BuildChatRequest(req llm.ChatRequest) (any, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	msgs := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, FromModel(m))
	}
	return &ChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   true,
		Options: &Options{
			Temperature: req.Options.Temperature,
			NumCtx:      req.Options.ContextLength,
		},
	}, nil
}

// DecodeStream implements llm.Dialect.
func (d *Dialect) DecodeStream(ctx context.Context, r io.Reader, onDelta llm.DeltaFunc) error {
	reader := NewStreamReader(r)
	reader.OnSkip = func(line []byte, err error) {
		d.log.WithFields(logrus.Fields{
			"dialect": d.Name(),
			"bytes":   len(line),
		}).WithError(err).Warn("STREAM_LINE_SKIPPED")
	}

	err := reader.Process(ctx, onDelta)

	stats := reader.Stats()
	d.log.WithFields(logrus.Fields{
		"dialect":     d.Name(),
		"model":       reader.GetModel(),
		"chunks":      reader.GetChunkCount(),
		"skipped":     reader.GetSkipped(),
		"ttft":        stats.TTFT(),
		"eval_tokens": stats.CompletionTokens,
	}).Debug("STREAM_DONE")
	return err
}

// DecodeModels parses an /api/tags listing in server order.
func (d *Dialect) DecodeModels(r io.Reader) ([]model.ModelInfo, error) {
	var tags TagsResponse
	if err := json.NewDecoder(r).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}
	out := make([]model.ModelInfo, 0, len(tags.Models))
	for _, t := range tags.Models {
		out = append(out, t.ToModelInfo())
	}
	return out, nil
}
