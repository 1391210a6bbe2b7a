// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/base64"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/jeranaias/convobuddy/internal/model"
)

// =============================================================================
// HTML EXPORTER
// =============================================================================

// HTMLExporter exports chats to a single self-contained HTML page. Images
// are embedded as data URIs.
type HTMLExporter struct {
	options *Options
}

// NewHTMLExporter creates a new HTML exporter.
func NewHTMLExporter(opts *Options) *HTMLExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &HTMLExporter{options: opts}
}

// Export converts a chat to HTML.
func (e *HTMLExporter) Export(c *model.ChatSession) ([]byte, error) {
	if err := validate(c); err != nil {
		return nil, err
	}

	theme := e.options.Theme
	if theme != "light" {
		theme = "dark"
	}
	title := html.EscapeString(c.DisplayTitle())

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	sb.WriteString("    <meta charset=\"UTF-8\">\n")
	sb.WriteString("    <meta name=\"viewport\" content=\"width=device-width, initial-scale=1.0\">\n")
	sb.WriteString(fmt.Sprintf("    <title>%s</title>\n", title))
	sb.WriteString("    <meta name=\"generator\" content=\"convobuddy\">\n")
	sb.WriteString(fmt.Sprintf("    <meta name=\"date\" content=\"%s\">\n", c.Created().Format(time.RFC3339)))
	sb.WriteString(pageCSS)
	sb.WriteString("</head>\n")
	sb.WriteString(fmt.Sprintf("<body class=\"%s-theme\">\n", theme))
	sb.WriteString("    <div class=\"container\">\n")

	sb.WriteString("        <header class=\"header\">\n")
	sb.WriteString(fmt.Sprintf("            <h1>%s</h1>\n", title))
	if e.options.IncludeMetadata {
		sb.WriteString("            <div class=\"metadata\">\n")
		sb.WriteString(fmt.Sprintf("                <span><strong>Model:</strong> %s</span>\n", html.EscapeString(c.Model)))
		sb.WriteString(fmt.Sprintf("                <span><strong>Created:</strong> %s</span>\n", formatTimestamp(c.Created())))
		sb.WriteString(fmt.Sprintf("                <span><strong>Messages:</strong> %d</span>\n", len(c.Messages)))
		sb.WriteString("            </div>\n")
	}
	sb.WriteString("        </header>\n")

	sb.WriteString("        <main class=\"conversation\">\n")
	for _, msg := range c.Messages {
		sb.WriteString(e.renderMessage(msg))
	}
	sb.WriteString("        </main>\n")

	sb.WriteString("        <footer class=\"footer\">\n")
	sb.WriteString(fmt.Sprintf("            <p>Exported from <strong>convobuddy</strong> on %s</p>\n",
		e.options.now().Format("January 2, 2006 at 3:04 PM")))
	sb.WriteString("        </footer>\n")
	sb.WriteString("    </div>\n</body>\n</html>\n")

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for HTML.
func (e *HTMLExporter) FileExtension() string {
	return ".html"
}

// MimeType returns the MIME type for HTML.
func (e *HTMLExporter) MimeType() string {
	return "text/html"
}

// =============================================================================
// RENDERING FUNCTIONS
// =============================================================================

func (e *HTMLExporter) renderMessage(msg model.Message) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("            <div class=\"message %s\">\n", html.EscapeString(string(msg.Role))))
	sb.WriteString(fmt.Sprintf("                <div class=\"role\">%s</div>\n", html.EscapeString(msg.Role.DisplayName())))
	sb.WriteString("                <div class=\"content\">\n")
	sb.WriteString(formatContent(msg.Content))
	sb.WriteString("\n")
	for _, img := range msg.Images {
		sb.WriteString(fmt.Sprintf("<img class=\"attachment\" alt=\"attachment\" src=\"%s\">\n", html.EscapeString(imageDataURI(img))))
	}
	sb.WriteString("                </div>\n")
	sb.WriteString("            </div>\n")
	return sb.String()
}

var (
	markdownImage = regexp.MustCompile(`!\[([^\]]*)\]\((data:image/[a-zA-Z0-9.+-]+;base64,[A-Za-z0-9+/=]+)\)`)
	codeBlock     = regexp.MustCompile("```([a-zA-Z0-9_+-]*)\n([\\s\\S]*?)```")
	inlineCode    = regexp.MustCompile("`([^`\n]+)`")
)

// formatContent escapes content and converts fenced code, inline code and
// data-URI images. Other text becomes paragraphs split on blank lines.
func formatContent(content string) string {
	var blocks []string
	placeholder := func(s string) string {
		blocks = append(blocks, s)
		return fmt.Sprintf("\x00%d\x00", len(blocks)-1)
	}

	content = markdownImage.ReplaceAllStringFunc(content, func(m string) string {
		parts := markdownImage.FindStringSubmatch(m)
		return placeholder(fmt.Sprintf("<img class=\"generated\" alt=\"%s\" src=\"%s\">",
			html.EscapeString(parts[1]), parts[2]))
	})
	content = codeBlock.ReplaceAllStringFunc(content, func(m string) string {
		parts := codeBlock.FindStringSubmatch(m)
		label := ""
		if parts[1] != "" {
			label = fmt.Sprintf("<div class=\"code-lang\">%s</div>", html.EscapeString(parts[1]))
		}
		return placeholder(fmt.Sprintf("<div class=\"code-block\">%s<pre><code>%s</code></pre></div>",
			label, html.EscapeString(strings.TrimRight(parts[2], "\n"))))
	})

	var out []string
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if isPlaceholder(para) {
			out = append(out, para)
			continue
		}
		text := html.EscapeString(para)
		text = inlineCode.ReplaceAllString(text, "<code class=\"inline-code\">$1</code>")
		text = strings.ReplaceAll(text, "\n", "<br>\n")
		out = append(out, "<p>"+text+"</p>")
	}
	result := strings.Join(out, "\n")

	for i, b := range blocks {
		result = strings.ReplaceAll(result, fmt.Sprintf("\x00%d\x00", i), b)
	}
	return result
}

func isPlaceholder(s string) bool {
	return len(s) > 2 && s[0] == 0 && s[len(s)-1] == 0 && !strings.ContainsAny(s[1:len(s)-1], "\x00 \n")
}

// imageDataURI turns a stored base64 attachment into a data URI. The MIME
// type is sniffed from the decoded header bytes.
func imageDataURI(b64 string) string {
	mime := "image/png"
	head := b64
	if len(head) > 64 {
		head = head[:64]
	}
	if raw, err := base64.StdEncoding.DecodeString(head[:len(head)/4*4]); err == nil {
		if sniffed := http.DetectContentType(raw); strings.HasPrefix(sniffed, "image/") {
			mime = sniffed
		}
	}
	return "data:" + mime + ";base64," + b64
}

const pageCSS = `    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        .dark-theme {
            --bg: #1a1b26; --panel: #24283b; --text: #c0caf5; --muted: #565f89;
            --user: #1f2335; --border: #414868; --accent: #7aa2f7; --code: #16161e;
        }
        .light-theme {
            --bg: #ffffff; --panel: #f7f8fa; --text: #24292e; --muted: #6a737d;
            --user: #eef2f7; --border: #e1e4e8; --accent: #0366d6; --code: #f6f8fa;
        }
        body {
            font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
            line-height: 1.6; color: var(--text); background: var(--bg); padding: 20px;
        }
        .container { max-width: 900px; margin: 0 auto; background: var(--panel); border-radius: 12px; overflow: hidden; }
        .header { padding: 28px 32px; border-bottom: 1px solid var(--border); }
        .header h1 { font-size: 24px; margin-bottom: 8px; }
        .metadata { display: flex; flex-wrap: wrap; gap: 16px; color: var(--muted); font-size: 14px; }
        .conversation { padding: 24px 32px; }
        .message { padding: 16px; margin-bottom: 16px; border-radius: 8px; border: 1px solid var(--border); }
        .message.user { background: var(--user); }
        .role { font-weight: 600; color: var(--accent); margin-bottom: 8px; }
        .content p { margin-bottom: 10px; white-space: pre-wrap; }
        .content img { max-width: 100%; border-radius: 6px; margin-top: 8px; }
        .code-block { background: var(--code); border-radius: 6px; margin: 10px 0; overflow-x: auto; }
        .code-lang { font-size: 12px; color: var(--muted); padding: 6px 12px 0; }
        .code-block pre { padding: 12px; font-family: "SF Mono", Monaco, monospace; font-size: 14px; }
        .inline-code { background: var(--code); padding: 2px 5px; border-radius: 4px; font-family: monospace; }
        .footer { padding: 16px 32px; color: var(--muted); font-size: 13px; border-top: 1px solid var(--border); }
    </style>
`
