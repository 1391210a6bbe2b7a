// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llm defines the shared contract for talking to local LLM servers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrAborted reports a user-initiated cancellation. It is not a failure
	// and wraps context.Canceled.
	ErrAborted = fmt.Errorf("generation aborted: %w", context.Canceled)

	// ErrNoBody is returned when a successful response has no readable body.
	ErrNoBody = errors.New("no response body")

	// ErrNoProvider is returned when no active provider is configured.
	ErrNoProvider = errors.New("no active provider configured")

	// ErrGenerationUnsupported is returned when the provider type cannot
	// generate images.
	ErrGenerationUnsupported = errors.New("image generation is not supported by this provider")

	// ErrVisionRequired is returned when images are attached for a model
	// that does not look vision capable.
	ErrVisionRequired = errors.New("selected model does not support image input")

	// ErrEmptyResponse is returned when a server answers without content.
	ErrEmptyResponse = errors.New("empty response from server")
)

// =============================================================================
// TYPED ERRORS
// =============================================================================

// APIError is a non-success HTTP status from the server. Message holds the
// server-provided error text when there was one, else the status text.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" && !strings.Contains(e.Status, e.Message) {
		return fmt.Sprintf("server returned %s: %s", e.Status, e.Message)
	}
	return "server returned " + e.Status
}

// ConnectionError is a failure to reach the server at all.
type ConnectionError struct {
	URL   string
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot reach %s: %v", e.URL, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// =============================================================================
// PREDICATES
// =============================================================================

// IsAborted reports whether err is a user cancellation.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}

// IsConnection reports whether err is a connectivity failure.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// imageHints are fragments servers use when they reject image input.
var imageHints = []string{
	"image",
	"vision",
	"multimodal",
	"mmproj",
	"image_url",
}

// IsImageUnsupported reports whether err looks like a server refusing
// image input for the chosen model.
func IsImageUnsupported(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrVisionRequired) {
		return true
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	for _, hint := range imageHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Classify maps transport and client-library errors onto the taxonomy
// above. ctx is the request context; its cancellation wins over whatever
// error the aborted read produced.
func Classify(ctx context.Context, target string, err error) error {
	if err == nil {
		return nil
	}
	if ctx != nil && errors.Is(ctx.Err(), context.Canceled) {
		return ErrAborted
	}
	if errors.Is(err, context.Canceled) {
		return ErrAborted
	}

	var (
		apiErr   *APIError
		connErr  *ConnectionError
		oaAPIErr *openai.APIError
		oaReqErr *openai.RequestError
		urlErr   *url.Error
		netErr   net.Error
		opErr    *net.OpError
		dnsErr   *net.DNSError
	)
	switch {
	case errors.As(err, &apiErr), errors.As(err, &connErr):
		return err
	// RequestError unwraps to a partially decoded APIError, so it goes first.
	case errors.As(err, &oaReqErr):
		status := statusOr(oaReqErr.HTTPStatus, oaReqErr.HTTPStatusCode)
		msg := ErrorMessage(oaReqErr.Body)
		if msg == "" && errors.As(oaReqErr.Err, &oaAPIErr) {
			msg = oaAPIErr.Message
		}
		if msg == "" {
			msg = status
		}
		return &APIError{StatusCode: oaReqErr.HTTPStatusCode, Status: status, Message: msg}
	case errors.As(err, &oaAPIErr):
		return &APIError{
			StatusCode: oaAPIErr.HTTPStatusCode,
			Status:     statusOr(oaAPIErr.HTTPStatus, oaAPIErr.HTTPStatusCode),
			Message:    oaAPIErr.Message,
		}
	case errors.As(err, &dnsErr), errors.As(err, &opErr), errors.As(err, &urlErr):
		return &ConnectionError{URL: target, Cause: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &ConnectionError{URL: target, Cause: err}
	}
	return err
}

func statusOr(status string, code int) string {
	if status != "" {
		return status
	}
	if code == 0 {
		return "unknown status"
	}
	return fmt.Sprintf("%d", code)
}
