// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the convobuddy command tree.
//
// Commands are built with cobra and share one App, opened lazily on the
// first command that needs the store. Output goes to the command's writers
// so every command can be driven from tests.
//
// # Key Types
//
//   - App: Config, logger, store, chat and provider stores, protocol adapter
//   - GlobalFlags: --config, --data-dir, --log-level, --json
//   - ChatCLI: liner-backed line editing and history for the chat REPL
//   - JSONResponse: Envelope for --json output
//
// # Usage
//
//	os.Exit(cli.Main())
//
// or, embedded:
//
//	err := cli.Execute(ctx, []string{"ask", "hello"}, os.Stdout, os.Stderr)
//
// # Commands Overview
//
//   - chat: Interactive chat with slash commands, saved as it streams
//   - ask: One question, not saved
//   - providers: list, add, edit, remove, use, test
//   - models: Models served by a provider
//   - chats: list, show, delete, rename, clear, export
//   - image: Generate an image to a file
//   - migrate: Report the legacy store migration
//   - config: show, get, set, keys, reset, path
//
// Commands that print data support --json.
package cli
