// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// render.go - Markdown and table rendering for terminal output.

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/convobuddy/internal/config"
	"github.com/jeranaias/convobuddy/internal/util"
)

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

// markdownRenderer renders assistant replies. A nil renderer prints text
// unchanged.
type markdownRenderer struct {
	r *glamour.TermRenderer
}

// newMarkdownRenderer returns a renderer for out, or a pass-through one when
// markdown is disabled or out is not a terminal.
func newMarkdownRenderer(cfg *config.Config, out io.Writer) *markdownRenderer {
	if !cfg.UI.Markdown || !isTerminalWriter(out) {
		return &markdownRenderer{}
	}
	width := cfg.UI.WordWrap
	if width <= 0 {
		width = GetTerminalWidth() - 4
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return &markdownRenderer{}
	}
	return &markdownRenderer{r: r}
}

// Enabled reports whether output is rendered rather than streamed.
func (m *markdownRenderer) Enabled() bool {
	return m != nil && m.r != nil
}

// Render returns content rendered for the terminal. Rendering failures fall
// back to the raw content.
func (m *markdownRenderer) Render(content string) string {
	if !m.Enabled() {
		return content
	}
	out, err := m.r.Render(content)
	if err != nil {
		return content
	}
	return out
}

// displayResponse writes a finished reply, rendered when possible.
func displayResponse(w io.Writer, md *markdownRenderer, content string) {
	if md.Enabled() {
		fmt.Fprint(w, md.Render(content))
		return
	}
	fmt.Fprint(w, content)
	if !strings.HasSuffix(content, "\n") {
		fmt.Fprintln(w)
	}
}

// =============================================================================
// TABLES
// =============================================================================

// table lays out rows in columns measured in display width, so CJK titles
// and emoji line up.
type table struct {
	headers []string
	rows    [][]string
	max     []int
}

func newTable(headers ...string) *table {
	return &table{headers: headers, max: make([]int, len(headers))}
}

// limit caps the width of column i.
func (t *table) limit(i, width int) *table {
	t.max[i] = width
	return t
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.headers))
	cell := func(row []string, i int) string {
		if i >= len(row) {
			return ""
		}
		s := util.SingleLine(row[i])
		if t.max[i] > 0 {
			s = util.TruncateWidth(s, t.max[i])
		}
		return s
	}
	for i, h := range t.headers {
		widths[i] = util.StringWidth(h)
	}
	for _, row := range t.rows {
		for i := range t.headers {
			if n := util.StringWidth(cell(row, i)); n > widths[i] {
				widths[i] = n
			}
		}
	}

	line := func(row []string, style func(string) string) {
		parts := make([]string, len(t.headers))
		for i := range t.headers {
			s := cell(row, i)
			if i < len(t.headers)-1 {
				s = util.PadWidth(s, widths[i])
			}
			parts[i] = s
		}
		fmt.Fprintln(w, style(strings.TrimRight(strings.Join(parts, "  "), " ")))
	}

	line(t.headers, func(s string) string { return TitleStyle.Render(s) })
	for _, row := range t.rows {
		line(row, func(s string) string { return s })
	}
}
