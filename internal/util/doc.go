// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across convobuddy packages.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - TruncateWidth, PadWidth: terminal-width aware layout via go-runewidth
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
//   - ReadImageBase64, WriteBase64File: image attachment and output helpers
//
// # Usage
//
//	err := util.AtomicWriteFile(path, data, 0600)
//	img, err := util.ReadImageBase64("cat.png")
package util
