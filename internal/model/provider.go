// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"fmt"
	"strings"
)

// =============================================================================
// PROVIDER TYPE
// =============================================================================

// ProviderType identifies the kind of backend a provider points at.
// It determines the wire dialect used to talk to it.
type ProviderType string

const (
	ProviderOllama        ProviderType = "ollama"
	ProviderLMStudio      ProviderType = "lm-studio"
	ProviderLlamaCpp      ProviderType = "llama-cpp"
	ProviderOpenAIGeneric ProviderType = "openai-generic"
	ProviderDockerRunner  ProviderType = "docker-runner"
)

// ProviderTypes lists every supported provider type in display order.
var ProviderTypes = []ProviderType{
	ProviderLMStudio,
	ProviderOllama,
	ProviderLlamaCpp,
	ProviderOpenAIGeneric,
	ProviderDockerRunner,
}

// DefaultProviderName is the name suggested for a new provider.
const DefaultProviderName = "Local AI"

// Valid reports whether t is a known provider type.
func (t ProviderType) Valid() bool {
	for _, known := range ProviderTypes {
		if t == known {
			return true
		}
	}
	return false
}

// String returns the string representation of the provider type.
func (t ProviderType) String() string {
	return string(t)
}

// Label returns the display label for the provider type.
func (t ProviderType) Label() string {
	switch t {
	case ProviderLMStudio:
		return "LM Studio"
	case ProviderOllama:
		return "Ollama"
	case ProviderLlamaCpp:
		return "llama.cpp"
	case ProviderOpenAIGeneric:
		return "Generic OpenAI"
	case ProviderDockerRunner:
		return "Docker Runner"
	default:
		return string(t)
	}
}

// DefaultURL returns the usual local base URL for the provider type.
func (t ProviderType) DefaultURL() string {
	switch t {
	case ProviderLMStudio:
		return "http://127.0.0.1:1234"
	case ProviderLlamaCpp:
		return "http://127.0.0.1:8080"
	case ProviderOpenAIGeneric:
		return "http://127.0.0.1:8000"
	case ProviderDockerRunner:
		return "http://127.0.0.1:12434"
	default:
		return "http://127.0.0.1:11434"
	}
}

// ParseProviderType parses a provider type, accepting the label spellings too.
func ParseProviderType(s string) (ProviderType, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for _, t := range ProviderTypes {
		if norm == string(t) || norm == strings.ToLower(t.Label()) {
			return t, nil
		}
	}
	switch norm {
	case "lmstudio":
		return ProviderLMStudio, nil
	case "llamacpp", "llama.cpp":
		return ProviderLlamaCpp, nil
	case "openai":
		return ProviderOpenAIGeneric, nil
	}
	return "", fmt.Errorf("unknown provider type %q", s)
}

// =============================================================================
// PROVIDER
// =============================================================================

// Provider is a configured backend connection.
// URL is the base URL with scheme, host and port and no trailing path.
type Provider struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	URL  string       `json:"url"`
	Type ProviderType `json:"type"`
}

// String returns a short human-readable description.
func (p Provider) String() string {
	return fmt.Sprintf("%s (%s, %s)", p.Name, p.Type.Label(), p.URL)
}
