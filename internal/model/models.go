// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// MODEL INFO TYPE
// =============================================================================

// ModelInfo describes one model reported by a provider.
// Only ID is guaranteed; the native dialect also reports size and family.
type ModelInfo struct {
	// ID is the model identifier used in API calls
	ID string `json:"id"`

	// Size is the on-disk size in bytes, 0 when unknown
	Size int64 `json:"size,omitempty"`

	// Family is the model family reported by the server, if any
	Family string `json:"family,omitempty"`

	// ParameterSize is e.g. "7B", if reported
	ParameterSize string `json:"parameter_size,omitempty"`
}

// Vision reports whether the model name suggests image input support.
func (m ModelInfo) Vision() bool {
	return IsVisionModel(m.ID)
}

// SizeString returns a human-readable size or "-" when unknown.
func (m ModelInfo) SizeString() string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case m.Size <= 0:
		return "-"
	case m.Size >= gb:
		return fmt.Sprintf("%.1f GB", float64(m.Size)/gb)
	case m.Size >= mb:
		return fmt.Sprintf("%.1f MB", float64(m.Size)/mb)
	case m.Size >= kb:
		return fmt.Sprintf("%.1f KB", float64(m.Size)/kb)
	default:
		return fmt.Sprintf("%d B", m.Size)
	}
}

// SortModels orders models by ID, case-insensitively.
func SortModels(models []ModelInfo) {
	sort.SliceStable(models, func(i, j int) bool {
		return strings.ToLower(models[i].ID) < strings.ToLower(models[j].ID)
	})
}

// ModelIDs extracts the IDs in order.
func ModelIDs(models []ModelInfo) []string {
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	return ids
}

// =============================================================================
// CAPABILITIES
// =============================================================================

// VisionKeywords are substrings that mark a model name as vision capable.
var VisionKeywords = []string{
	"vision",
	"vl",
	"multimodal",
	"llava",
	"qwen2-vl",
	"pixtral",
}

// IsVisionModel reports whether a model name contains any vision keyword,
// case-insensitively. This is a heuristic over the name only.
func IsVisionModel(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range VisionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// IsGenerationSupported reports whether the provider type can generate
// images. Every type except LM Studio is assumed to support it.
func IsGenerationSupported(t ProviderType) bool {
	return t != ProviderLMStudio
}
