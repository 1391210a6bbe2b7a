// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama implements the native local-server chat dialect.
//
// Requests go to /api/chat with stream enabled; the response is one JSON
// object per line, each carrying a message.content fragment. Lines that do
// not parse are logged and skipped. A line with done set ends the stream.
//
// # Key Types
//
//   - Dialect: llm.Dialect implementation used by the backend adapter
//   - ChatRequest: Request structure for /api/chat
//   - StreamReader: NDJSON decoder with per-stream statistics
//   - TagsResponse: The /api/tags model listing
//
// # Usage
//
//	d := ollama.NewDialect(log)
//	body, _ := d.BuildChatRequest(req)
//	// POST body to base+d.ChatPath(), then:
//	err := d.DecodeStream(ctx, resp.Body, func(delta string) {
//	    fmt.Print(delta)
//	})
package ollama
