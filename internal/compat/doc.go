// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package compat implements the OpenAI-compatible chat dialect used by
// LM Studio, llama.cpp, Docker Model Runner and generic OpenAI-style
// servers.
//
// Streaming chat is decoded from "data:" lines; "data: [DONE]" ends the
// stream. Non-streaming completions and image generation go through
// go-openai pointed at the provider's /v1 prefix.
package compat
