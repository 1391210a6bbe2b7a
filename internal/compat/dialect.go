// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package compat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/convobuddy/internal/llm"
	"github.com/jeranaias/convobuddy/internal/logging"
	"github.com/jeranaias/convobuddy/internal/model"
)

// Endpoint paths relative to the provider base URL.
const (
	APIPrefix  = "/v1"
	ChatPath   = APIPrefix + "/chat/completions"
	ModelsPath = APIPrefix + "/models"
	ImagesPath = APIPrefix + "/images/generations"
)

// Dialect is the OpenAI-compatible SSE chat dialect.
type Dialect struct {
	log logrus.FieldLogger
}

var _ llm.Dialect = (*Dialect)(nil)

// NewDialect creates the OpenAI-compatible dialect. A nil logger discards.
func NewDialect(log logrus.FieldLogger) *Dialect {
	return &Dialect{log: logging.OrDiscard(log)}
}

// Name implements llm.Dialect.
func (d *Dialect) Name() string { return "openai" }

// ChatPath implements llm.Dialect.
func (d *Dialect) ChatPath() string { return ChatPath }

// ModelsPath implements llm.Dialect.
func (d *Dialect) ModelsPath() string { return ModelsPath }

// BuildChatRequest implements llm.Dialect.
func (d *Dialect) BuildChatRequest(req llm.ChatRequest) (any, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	return NewChatRequest(req), nil
}

// DecodeStream implements llm.Dialect.
func (d *Dialect) DecodeStream(ctx context.Context, r io.Reader, onDelta llm.DeltaFunc) error {
	skipped := 0
	chunks, err := processStream(ctx, r, onDelta, func(data []byte, err error) {
		skipped++
		d.log.WithFields(logrus.Fields{
			"dialect": d.Name(),
			"bytes":   len(data),
		}).WithError(err).Warn("STREAM_LINE_SKIPPED")
	})

	d.log.WithFields(logrus.Fields{
		"dialect": d.Name(),
		"chunks":  chunks,
		"skipped": skipped,
	}).Debug("STREAM_DONE")
	return err
}

// DecodeModels parses a /v1/models listing in server order.
func (d *Dialect) DecodeModels(r io.Reader) ([]model.ModelInfo, error) {
	var list openai.ModelsList
	if err := json.NewDecoder(r).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}
	out := make([]model.ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, model.ModelInfo{ID: m.ID})
	}
	return out, nil
}
