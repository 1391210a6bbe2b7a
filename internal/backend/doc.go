// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend routes chat, model listing and image calls to the wire
// dialect of a provider.
//
// The dialect is chosen once per provider type when the Adapter is built:
//
//	| Type             | Stream chat          | Models      | Images                  |
//	|------------------|----------------------|-------------|-------------------------|
//	| ollama           | /api/chat (NDJSON)   | /api/tags   | /v1/images/generations  |
//	| everything else  | /v1/chat/completions | /v1/models  | /v1/images/generations  |
//
// Non-streaming completions always use /v1/chat/completions. Errors are
// reported with the llm taxonomy: llm.ErrAborted for cancellation,
// *llm.APIError for non-2xx statuses and *llm.ConnectionError when the
// server cannot be reached.
package backend
