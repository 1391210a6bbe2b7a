// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes saved chats to Markdown, JSON or HTML.
//
// # Key Types
//
//   - Exporter: converts a model.ChatSession to one format
//   - Options: output directory, metadata toggle and HTML theme
//
// # Usage
//
//	exp, err := export.New("html", export.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	path, err := export.ToFile(session, exp, opts)
package export
