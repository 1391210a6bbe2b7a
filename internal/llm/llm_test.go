// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ERROR MESSAGE EXTRACTION
// =============================================================================

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"ollama string", `{"error":"model \"x\" not found"}`, `model "x" not found`},
		{"openai object", `{"error":{"message":"bad request","type":"invalid"}}`, "bad request"},
		{"top level message", `{"message":" overloaded "}`, "overloaded"},
		{"plain text", "Internal Server Error", ""},
		{"empty", "", ""},
		{"no message", `{"detail":"x"}`, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ErrorMessage([]byte(tc.body)))
		})
	}
}

func TestNewAPIError_FallsBackToStatusText(t *testing.T) {
	err := NewAPIError(http.StatusBadGateway, "502 Bad Gateway", []byte("<html>"))
	assert.Equal(t, "Bad Gateway", err.Message)
	assert.Equal(t, "server returned 502 Bad Gateway", err.Error())

	err = NewAPIError(http.StatusNotFound, "", []byte(`{"error":"model not found"}`))
	assert.Equal(t, "404 Not Found", err.Status)
	assert.Equal(t, "model not found", err.Message)
	assert.Contains(t, err.Error(), "model not found")
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

func TestClassify(t *testing.T) {
	ctx := context.Background()

	assert.Nil(t, Classify(ctx, "u", nil))
	assert.ErrorIs(t, Classify(ctx, "u", context.Canceled), ErrAborted)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, Classify(cancelled, "u", io.ErrUnexpectedEOF), ErrAborted)

	var apiErr *APIError
	err := Classify(ctx, "u", &openai.APIError{Message: "nope", HTTPStatus: "400 Bad Request", HTTPStatusCode: 400})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Equal(t, "nope", apiErr.Message)

	err = Classify(ctx, "u", &openai.RequestError{
		HTTPStatusCode: 500,
		Err:            &openai.APIError{},
		Body:           []byte(`{"error":"llama crashed"}`),
	})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "llama crashed", apiErr.Message)
	assert.Equal(t, "500", apiErr.Status)

	plain := errors.New("boom")
	assert.Equal(t, plain, Classify(ctx, "u", plain))
}

func TestIsImageUnsupported(t *testing.T) {
	assert.True(t, IsImageUnsupported(ErrVisionRequired))
	assert.True(t, IsImageUnsupported(&APIError{StatusCode: 400, Message: "model does not support Images"}))
	assert.True(t, IsImageUnsupported(&APIError{StatusCode: 500, Message: "mmproj not loaded"}))
	assert.False(t, IsImageUnsupported(&APIError{StatusCode: 500, Message: "out of memory"}))
	assert.False(t, IsImageUnsupported(errors.New("image")))
	assert.False(t, IsImageUnsupported(nil))
}

// =============================================================================
// TRANSPORT
// =============================================================================

func TestTransportSend_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'ghost' not found"}`))
	}))
	defer srv.Close()

	tr := NewTransport(srv.Client(), nil)
	_, err := tr.Send(context.Background(), http.MethodPost, srv.URL+"/api/chat", map[string]string{"model": "ghost"})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "model 'ghost' not found", apiErr.Message)
}

func TestTransportSend_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL + "/api/tags"
	srv.Close()

	_, err := NewTransport(nil, nil).Send(context.Background(), http.MethodGet, target, nil)
	assert.True(t, IsConnection(err), "got %v", err)
}

func TestTransportSend_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	resp, err := NewTransport(srv.Client(), nil).Send(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestReadError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.NoError(t, ReadError(ctx, nil))
	assert.ErrorIs(t, ReadError(ctx, io.ErrUnexpectedEOF), io.ErrUnexpectedEOF)
	cancel()
	assert.ErrorIs(t, ReadError(ctx, io.ErrUnexpectedEOF), ErrAborted)
}
