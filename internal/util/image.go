// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across convobuddy packages.
package util

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// MaxImageBytes bounds attachments read from disk.
const MaxImageBytes = 20 << 20

// ReadImageBase64 reads an image file and returns its raw base64 payload
// (no data-URI prefix). Non-image content is rejected by sniffing.
func ReadImageBase64(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > MaxImageBytes {
		return "", fmt.Errorf("%s is too large (%d bytes, max %d)", path, info.Size(), MaxImageBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "image/") {
		return "", fmt.Errorf("%s does not look like an image (%s)", path, ct)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// StripDataURI removes a "data:<mime>;base64," prefix if present.
func StripDataURI(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.Index(s, ","); i >= 0 {
		return s[i+1:]
	}
	return s
}

// WriteBase64File decodes a base64 payload and writes it atomically.
func WriteBase64File(path, payload string) error {
	data, err := base64.StdEncoding.DecodeString(StripDataURI(payload))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	return AtomicWriteFile(path, data, 0644)
}
