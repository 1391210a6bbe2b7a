// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/convobuddy/internal/logging"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 * 1024

// Default HTTP timeouts.
const (
	DefaultTimeout        = 60 * time.Second
	DefaultConnectTimeout = 5 * time.Second
)

// =============================================================================
// HTTP CLIENTS
// =============================================================================

// NewHTTPClient builds a client with a dial timeout. A zero timeout leaves
// the overall request unbounded, which streaming requests need; they are
// bounded by their context instead.
func NewHTTPClient(timeout, connectTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// =============================================================================
// TRANSPORT
// =============================================================================

// Transport sends JSON requests and maps failures onto the error taxonomy.
type Transport struct {
	client *http.Client
	log    logrus.FieldLogger
}

// NewTransport wraps client. A nil client gets an unbounded streaming client.
func NewTransport(client *http.Client, log logrus.FieldLogger) *Transport {
	if client == nil {
		client = NewHTTPClient(0, DefaultConnectTimeout)
	}
	return &Transport{client: client, log: logging.OrDiscard(log)}
}

// Client returns the underlying HTTP client.
func (t *Transport) Client() *http.Client {
	return t.client
}

// Send issues method to target with payload JSON-encoded (nil sends no
// body). On success the caller owns resp.Body. Non-2xx statuses become
// *APIError, transport failures *ConnectionError and cancellation ErrAborted.
func (t *Transport) Send(ctx context.Context, method, target string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		err = Classify(ctx, target, err)
		t.log.WithFields(logrus.Fields{"method": method, "url": target}).WithError(err).Debug("HTTP_FAILED")
		return nil, err
	}

	t.log.WithFields(logrus.Fields{
		"method":  method,
		"url":     target,
		"status":  resp.StatusCode,
		"latency": time.Since(start).Round(time.Millisecond),
	}).Debug("HTTP_RESPONSE")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer drainAndClose(resp.Body)
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, NewAPIError(resp.StatusCode, resp.Status, raw)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, ErrNoBody
	}
	return resp, nil
}

// NewAPIError builds an APIError, preferring the server's own message.
func NewAPIError(code int, status string, body []byte) *APIError {
	if status == "" {
		status = fmt.Sprintf("%d %s", code, http.StatusText(code))
	}
	msg := ErrorMessage(body)
	if msg == "" {
		msg = http.StatusText(code)
		if msg == "" {
			msg = status
		}
	}
	return &APIError{StatusCode: code, Status: status, Message: msg}
}

// ErrorMessage extracts a server error message from a response body. It
// understands {"error":"..."}, {"error":{"message":"..."}} and
// {"message":"..."}. It returns "" when none is present.
func ErrorMessage(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if len(envelope.Error) > 0 {
		var s string
		if err := json.Unmarshal(envelope.Error, &s); err == nil {
			return strings.TrimSpace(s)
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Error, &obj); err == nil && obj.Message != "" {
			return strings.TrimSpace(obj.Message)
		}
	}
	return strings.TrimSpace(envelope.Message)
}

// ReadError maps an error from reading a response body. Cancellation of
// ctx wins over the read error it caused.
func ReadError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrAborted
	}
	if ctx.Err() != nil {
		return fmt.Errorf("stream read failed: %w", ctx.Err())
	}
	return fmt.Errorf("stream read failed: %w", err)
}

// drainAndClose discards what is left of r so the connection can be reused.
func drainAndClose(r io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, maxErrorBody))
	r.Close()
}
