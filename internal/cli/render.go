// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/cropdoc/internal/export"
	"github.com/jeranaias/cropdoc/internal/model"
	"github.com/jeranaias/cropdoc/internal/util"
)

// =============================================================================
// MESSAGE RENDERING
// =============================================================================

// Renderer turns transcript messages into terminal text. Markdown is
// rendered with glamour when enabled; otherwise the raw Markdown is shown,
// which reads fine as plain text.
type Renderer struct {
	mu       sync.Mutex
	markdown bool
	width    int
	md       *glamour.TermRenderer
}

// NewRenderer creates a renderer wrapping at width.
func NewRenderer(markdown bool, width int) *Renderer {
	r := &Renderer{width: width}
	r.SetMarkdown(markdown)
	return r
}

// SetMarkdown switches glamour rendering on or off. A renderer that fails
// to build leaves markdown off.
func (r *Renderer) SetMarkdown(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.markdown = enabled
	if !enabled || r.md != nil {
		return
	}
	md, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(r.width),
	)
	if err != nil {
		r.markdown = false
		return
	}
	r.md = md
}

// Markdown renders content, falling back to the input on any failure.
func (r *Renderer) Markdown(content string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.markdown || r.md == nil {
		return content
	}
	out, err := r.md.Render(content)
	if err != nil {
		return content
	}
	return strings.Trim(out, "\n")
}

// Message renders one transcript turn with its heading.
func (r *Renderer) Message(msg *model.Message) string {
	var sb strings.Builder

	switch {
	case msg.IsUser():
		sb.WriteString(farmerStyle.Render("You"))
		if msg.ImageRef != "" {
			sb.WriteString(DimStyle.Render(" [photo: " + msg.ImageRef + "]"))
		}
		sb.WriteString("\n")
		sb.WriteString(msg.Text)
		if msg.Failed {
			sb.WriteString("\n")
			sb.WriteString(ErrorStyle.Render("Not delivered: "))
			sb.WriteString(msg.Error)
			if msg.Retryable {
				sb.WriteString(DimStyle.Render("  (type /retry to resend)"))
			}
		}

	default:
		sb.WriteString(assistantStyle.Render("CropDoc"))
		if msg.StateLabel != "" {
			sb.WriteString(DimStyle.Render(" · " + msg.StateLabel))
		}
		sb.WriteString("\n")
		if msg.Text != "" {
			sb.WriteString(r.Markdown(msg.Text))
		}
		if results := export.RenderResults(msg); results != "" {
			sb.WriteString("\n\n")
			sb.WriteString(r.Markdown(results))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// SessionLine renders one row of the /sessions listing.
func SessionLine(index int, s model.Summary) string {
	marker := "  "
	if s.Active {
		marker = SuccessStyle.Render("* ")
	}

	title := util.TruncateWidth(s.Title, 40)
	if pad := 40 - util.StringWidth(title); pad > 0 {
		title += strings.Repeat(" ", pad)
	}

	line := fmt.Sprintf("%s%2d. %s", marker, index, title) +
		DimStyle.Render(fmt.Sprintf("  %s  %s", pluralize(s.MessageCount, "message"), s.LastUpdated.Format("Jan 2 15:04")))
	if s.DiseaseName != "" {
		line += "  " + WarningStyle.Render(s.DiseaseName)
	}
	return line
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
