// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend routes chat, model listing and image calls to the wire
// dialect of a provider.
package backend

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/convobuddy/internal/compat"
	"github.com/jeranaias/convobuddy/internal/llm"
	"github.com/jeranaias/convobuddy/internal/logging"
	"github.com/jeranaias/convobuddy/internal/model"
	"github.com/jeranaias/convobuddy/internal/ollama"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds HTTP settings for the adapter.
type Config struct {
	// Timeout bounds non-streaming requests (default: 60s). Streaming
	// requests are bounded only by their context.
	Timeout time.Duration

	// ConnectTimeout bounds dialing (default: 5s).
	ConnectTimeout time.Duration
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:        llm.DefaultTimeout,
		ConnectTimeout: llm.DefaultConnectTimeout,
	}
}

// =============================================================================
// ADAPTER
// =============================================================================

// Adapter is the single entry point for talking to a provider. The dialect
// is chosen from the provider type: the native dialect for ollama, the
// OpenAI-compatible one for everything else.
//
// The Adapter is safe for concurrent use.
//
// Example:
//
//	a := backend.New(backend.DefaultConfig(), log)
//	err := a.StreamChat(ctx, provider, req, func(delta string) {
//	    fmt.Print(delta)
//	})
type Adapter struct {
	openai   llm.Dialect
	dialects map[model.ProviderType]llm.Dialect

	stream *llm.Transport
	quick  *llm.Transport
	client *http.Client

	log logrus.FieldLogger
}

// New creates an adapter. Zero config fields take defaults; a nil logger
// discards.
func New(cfg Config, log logrus.FieldLogger) *Adapter {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	log = logging.OrDiscard(log)

	native := ollama.NewDialect(log)
	openai := compat.NewDialect(log)
	quickClient := llm.NewHTTPClient(cfg.Timeout, cfg.ConnectTimeout)

	return &Adapter{
		openai: openai,
		dialects: map[model.ProviderType]llm.Dialect{
			model.ProviderOllama:        native,
			model.ProviderLMStudio:      openai,
			model.ProviderLlamaCpp:      openai,
			model.ProviderOpenAIGeneric: openai,
			model.ProviderDockerRunner:  openai,
		},
		stream: llm.NewTransport(llm.NewHTTPClient(0, cfg.ConnectTimeout), log),
		quick:  llm.NewTransport(quickClient, log),
		client: quickClient,
		log:    log,
	}
}

// Dialect returns the dialect for a provider type. Unknown types use the
// OpenAI-compatible dialect.
func (a *Adapter) Dialect(t model.ProviderType) llm.Dialect {
	if d, ok := a.dialects[t]; ok {
		return d
	}
	return a.openai
}

func endpoint(p *model.Provider, path string) string {
	return strings.TrimRight(p.URL, "/") + path
}

// =============================================================================
// OPERATIONS
// =============================================================================

// StreamChat sends req to the provider and calls onDelta for each text
// fragment, in wire order, from the calling goroutine. It returns
// llm.ErrAborted when ctx is cancelled.
func (a *Adapter) StreamChat(ctx context.Context, p *model.Provider, req llm.ChatRequest, onDelta llm.DeltaFunc) error {
	if p == nil {
		return llm.ErrNoProvider
	}
	d := a.Dialect(p.Type)

	body, err := d.BuildChatRequest(req)
	if err != nil {
		return err
	}

	target := endpoint(p, d.ChatPath())
	start := time.Now()
	log := a.log.WithFields(logrus.Fields{
		"provider_id": p.ID,
		"dialect":     d.Name(),
		"model":       req.Model,
		"messages":    len(req.Messages),
	})
	log.Debug("STREAM_START")

	resp, err := a.stream.Send(ctx, http.MethodPost, target, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	err = d.DecodeStream(ctx, resp.Body, onDelta)
	switch {
	case llm.IsAborted(err):
		log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("STREAM_ABORTED")
		return llm.ErrAborted
	case err != nil:
		log.WithError(err).Warn("STREAM_FAILED")
		return err
	}
	log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Debug("STREAM_COMPLETE")
	return nil
}

// GenerateAIResponse performs a non-streaming chat completion. Every
// provider type answers this on the OpenAI-compatible endpoint.
func (a *Adapter) GenerateAIResponse(ctx context.Context, p *model.Provider, req llm.ChatRequest) (string, error) {
	if p == nil {
		return "", llm.ErrNoProvider
	}
	text, err := compat.NewClient(p.URL, a.client).Complete(ctx, req)
	if err != nil {
		a.log.WithFields(logrus.Fields{"provider_id": p.ID, "model": req.Model}).WithError(err).Warn("COMPLETION_FAILED")
		return "", err
	}
	return text, nil
}

// GetModels lists models from the dialect's listing endpoint, in the
// order the server returns them.
func (a *Adapter) GetModels(ctx context.Context, p *model.Provider) ([]model.ModelInfo, error) {
	if p == nil {
		return nil, llm.ErrNoProvider
	}
	d := a.Dialect(p.Type)

	resp, err := a.quick.Send(ctx, http.MethodGet, endpoint(p, d.ModelsPath()), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	models, err := d.DecodeModels(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, llm.ReadError(ctx, err)
		}
		return nil, err
	}
	a.log.WithFields(logrus.Fields{"provider_id": p.ID, "count": len(models)}).Debug("MODELS_LISTED")
	return models, nil
}

// TestConnection probes p by listing its models.
func (a *Adapter) TestConnection(ctx context.Context, p *model.Provider) error {
	_, err := a.GetModels(ctx, p)
	return err
}

// GenerateImage creates one image on the OpenAI-compatible images
// endpoint. Providers without generation support fail before dispatch.
func (a *Adapter) GenerateImage(ctx context.Context, p *model.Provider, req llm.ImageRequest) (llm.Image, error) {
	if p == nil {
		return llm.Image{}, llm.ErrNoProvider
	}
	if !model.IsGenerationSupported(p.Type) {
		return llm.Image{}, llm.ErrGenerationUnsupported
	}
	img, err := compat.NewClient(p.URL, a.client).GenerateImage(ctx, req)
	if err != nil {
		a.log.WithFields(logrus.Fields{"provider_id": p.ID, "model": req.Model}).WithError(err).Warn("IMAGE_FAILED")
		return llm.Image{}, err
	}
	return img, nil
}
