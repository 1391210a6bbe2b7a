// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package compat

import (
	"context"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jeranaias/convobuddy/internal/llm"
)

// DefaultImageSize is requested when the caller does not choose one.
const DefaultImageSize = openai.CreateImageSize512x512

// =============================================================================
// CLIENT
// =============================================================================

// Client performs the non-streaming OpenAI-compatible calls through
// go-openai. Local servers need no API key, so none is sent.
//
// Example:
//
//	c := compat.NewClient("http://127.0.0.1:1234", httpClient)
//	text, err := c.Complete(ctx, req)
type Client struct {
	baseURL string
	client  *openai.Client
}

// NewClient creates a client for the server at baseURL (no /v1 suffix).
func NewClient(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	cfg := openai.DefaultConfig("")
	cfg.BaseURL = baseURL + APIPrefix
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &Client{baseURL: baseURL, client: openai.NewClientWithConfig(cfg)}
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Complete sends a non-streaming chat completion and returns the text of
// the first choice.
func (c *Client) Complete(ctx context.Context, req llm.ChatRequest) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, NewCompletionRequest(req))
	if err != nil {
		return "", llm.Classify(ctx, c.baseURL+ChatPath, err)
	}
	if len(resp.Choices) == 0 {
		return "", llm.ErrEmptyResponse
	}
	msg := resp.Choices[0].Message
	if msg.Content != "" {
		return msg.Content, nil
	}
	// Some servers answer with multi-part content.
	var sb strings.Builder
	for _, part := range msg.MultiContent {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return "", llm.ErrEmptyResponse
	}
	return sb.String(), nil
}

// GenerateImage asks /v1/images/generations for one base64 image.
func (c *Client) GenerateImage(ctx context.Context, req llm.ImageRequest) (llm.Image, error) {
	size := req.Size
	if size == "" {
		size = DefaultImageSize
	}
	resp, err := c.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          req.Model,
		N:              1,
		Size:           size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return llm.Image{}, llm.Classify(ctx, c.baseURL+ImagesPath, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return llm.Image{}, llm.ErrEmptyResponse
	}
	return llm.Image{B64: resp.Data[0].B64JSON}, nil
}
