// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider manages configured backend connections.
package provider

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/jeranaias/convobuddy/internal/model"
)

// =============================================================================
// URL NORMALIZATION
// =============================================================================

// ValidationError reports a provider field that cannot be saved.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid provider %s %q: %s", e.Field, e.Value, e.Message)
}

// NormalizeURL trims whitespace and trailing slashes, adds http:// when no
// scheme is given and checks that the result is an absolute http(s) URL.
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimRight(s, "/")
	if s == "" {
		return "", &ValidationError{Field: "url", Value: raw, Message: "must not be empty"}
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", &ValidationError{Field: "url", Value: raw, Message: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &ValidationError{Field: "url", Value: raw, Message: "scheme must be http or https"}
	}
	if u.Host == "" || u.Hostname() == "" {
		return "", &ValidationError{Field: "url", Value: raw, Message: "missing host"}
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", &ValidationError{Field: "url", Value: raw, Message: "must not contain a query or fragment"}
	}
	return s, nil
}

// Normalize returns a copy of p with trimmed name, normalized URL and a
// validated type. An empty name becomes model.DefaultProviderName.
func Normalize(p model.Provider) (model.Provider, error) {
	out := p
	out.Name = strings.TrimSpace(p.Name)
	if out.Name == "" {
		out.Name = model.DefaultProviderName
	}
	if !out.Type.Valid() {
		return out, &ValidationError{Field: "type", Value: string(p.Type), Message: "unknown provider type"}
	}
	u, err := NormalizeURL(p.URL)
	if err != nil {
		return out, err
	}
	out.URL = u
	return out, nil
}

// =============================================================================
// LEGACY URL
// =============================================================================

var trailingPort = regexp.MustCompile(`:\d+$`)

// LegacyURL builds a base URL from the legacy single-provider settings.
//
// host defaults to http://127.0.0.1 and loses any trailing :port; http://
// is added when it has no scheme. port defaults by provider type.
func LegacyURL(providerType, host, port string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		host = "http://127.0.0.1"
	}

	port = strings.TrimSpace(port)
	if port == "" {
		port = legacyDefaultPort(providerType)
	}

	host = trailingPort.ReplaceAllString(host, "")
	if !strings.HasPrefix(host, "http") {
		host = "http://" + host
	}
	return host + ":" + port
}

func legacyDefaultPort(providerType string) string {
	switch model.ProviderType(providerType) {
	case model.ProviderLMStudio:
		return "1234"
	case model.ProviderLlamaCpp:
		return "8080"
	default:
		return "11434"
	}
}
