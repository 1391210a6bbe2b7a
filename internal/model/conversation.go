// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"strings"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// TitleMaxRunes is how much of the first user message becomes the title.
	TitleMaxRunes = 40

	// ImageOnlyTitle is used when the first user message has no text.
	ImageOnlyTitle = "Image message"

	// UntitledChat is displayed for sessions without a title.
	UntitledChat = "Untitled Chat"

	// DefaultTemperature is the generation temperature for new chats.
	DefaultTemperature = 0.7

	// DefaultContextLength is the context window requested for new chats.
	DefaultContextLength = 4096
)

// =============================================================================
// CHAT SESSION TYPE
// =============================================================================

// ChatSession is one persisted conversation.
//
// The JSON layout is the on-disk format; timestamps are unix milliseconds.
type ChatSession struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Messages      []Message `json:"messages"`
	Model         string    `json:"model"`
	Provider      string    `json:"provider"`
	Temperature   float64   `json:"temperature"`
	ContextLength int       `json:"contextLength"`
	CreatedAt     int64     `json:"createdAt"`
	UpdatedAt     int64     `json:"updatedAt"`
}

// TitleFromInput derives a session title from the first user message.
func TitleFromInput(input string, hasImages bool) string {
	text := strings.TrimSpace(input)
	if text == "" {
		if hasImages {
			return ImageOnlyTitle
		}
		return UntitledChat
	}
	return truncateRunes(text, TitleMaxRunes, "...")
}

// DisplayTitle returns the title or a placeholder when it is empty.
func (c *ChatSession) DisplayTitle() string {
	if c.Title == "" {
		return UntitledChat
	}
	return c.Title
}

// LastMessage returns a pointer to the last message, or nil if empty.
func (c *ChatSession) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// AppendToLast concatenates delta onto the last message's content.
// Content only grows; an empty delta is a no-op.
func (c *ChatSession) AppendToLast(delta string) {
	if last := c.LastMessage(); last != nil && delta != "" {
		last.Content += delta
	}
}

// FirstUserMessage returns the first user turn, or nil.
func (c *ChatSession) FirstUserMessage() *Message {
	for i := range c.Messages {
		if c.Messages[i].Role == RoleUser {
			return &c.Messages[i]
		}
	}
	return nil
}

// Preview returns the first user message truncated for listings.
func (c *ChatSession) Preview(maxRunes int) string {
	if msg := c.FirstUserMessage(); msg != nil {
		return msg.Preview(maxRunes)
	}
	return ""
}

// Created returns CreatedAt as a time.Time.
func (c *ChatSession) Created() time.Time {
	return time.UnixMilli(c.CreatedAt)
}

// Updated returns UpdatedAt as a time.Time.
func (c *ChatSession) Updated() time.Time {
	return time.UnixMilli(c.UpdatedAt)
}

// Clone returns a deep copy, including every message's image list.
func (c *ChatSession) Clone() *ChatSession {
	if c == nil {
		return nil
	}
	out := *c
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		for i, m := range c.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	return &out
}
