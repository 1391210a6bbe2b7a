// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/convobuddy/internal/model"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports chats to Markdown. Generated images stay inline
// as data-URI images; attachments are listed by count.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// Export converts a chat to Markdown.
func (e *MarkdownExporter) Export(c *model.ChatSession) ([]byte, error) {
	if err := validate(c); err != nil {
		return nil, err
	}

	var sb strings.Builder

	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		sb.WriteString(fmt.Sprintf("title: %s\n", escapeYAML(c.DisplayTitle())))
		sb.WriteString(fmt.Sprintf("model: %s\n", escapeYAML(c.Model)))
		sb.WriteString(fmt.Sprintf("date: %s\n", c.Created().Format(time.RFC3339)))
		sb.WriteString(fmt.Sprintf("updated: %s\n", c.Updated().Format(time.RFC3339)))
		sb.WriteString(fmt.Sprintf("messages: %d\n", len(c.Messages)))
		sb.WriteString("generator: convobuddy\n")
		sb.WriteString("---\n\n")
	}

	sb.WriteString(fmt.Sprintf("# %s\n\n", escapeMarkdown(c.DisplayTitle())))

	if e.options.IncludeMetadata {
		sb.WriteString(fmt.Sprintf("- **Model**: %s\n", c.Model))
		sb.WriteString(fmt.Sprintf("- **Created**: %s\n", formatTimestamp(c.Created())))
		sb.WriteString(fmt.Sprintf("- **Last Updated**: %s\n", formatTimestamp(c.Updated())))
		if c.Temperature > 0 || c.ContextLength > 0 {
			sb.WriteString(fmt.Sprintf("- **Parameters**: temperature %.2f, context %d\n", c.Temperature, c.ContextLength))
		}
		sb.WriteString("\n---\n\n")
	}

	for i, msg := range c.Messages {
		sb.WriteString(fmt.Sprintf("### %s", msg.Role.DisplayName()))
		if n := len(msg.Images); n > 0 {
			sb.WriteString(fmt.Sprintf(" (%d image(s))", n))
		}
		sb.WriteString("\n\n")
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n")
		if i < len(c.Messages)-1 {
			sb.WriteString("---\n\n")
		}
	}

	if e.options.IncludeMetadata {
		sb.WriteString("\n---\n\n")
		sb.WriteString(fmt.Sprintf("*Exported from convobuddy on %s*\n",
			e.options.now().Format("January 2, 2006 at 3:04 PM")))
	}
	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// MimeType returns the MIME type for Markdown.
func (e *MarkdownExporter) MimeType() string {
	return "text/markdown"
}

// =============================================================================
// ESCAPING HELPERS
// =============================================================================

// escapeMarkdown escapes characters that would break a heading.
func escapeMarkdown(s string) string {
	r := strings.NewReplacer(`#`, `\#`, `*`, `\*`, `_`, `\_`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

// escapeYAML quotes a frontmatter value when it holds special characters.
func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":#|>@`\"'[]{}!%&*\n\r\\") || strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
		s = strings.ReplaceAll(s, "\\", "\\\\")
		s = strings.ReplaceAll(s, "\"", "\\\"")
		s = strings.ReplaceAll(s, "\n", "\\n")
		s = strings.ReplaceAll(s, "\r", "\\r")
		return fmt.Sprintf("\"%s\"", s)
	}
	return s
}
