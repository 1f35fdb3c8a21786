// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/cropdoc/internal/model"
	"github.com/jeranaias/cropdoc/internal/util"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports sessions to Markdown format.
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

// Export converts a session to Markdown format.
func (e *MarkdownExporter) Export(sess *model.Session) ([]byte, error) {
	if err := validate(sess); err != nil {
		return nil, err
	}

	var sb strings.Builder

	// YAML frontmatter with metadata
	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		fmt.Fprintf(&sb, "title: %s\n", escapeYAML(sess.Title))
		fmt.Fprintf(&sb, "session: %s\n", sess.ID)
		fmt.Fprintf(&sb, "date: %s\n", sess.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(&sb, "updated: %s\n", sess.LastUpdated.Format(time.RFC3339))
		fmt.Fprintf(&sb, "messages: %d\n", len(sess.Messages))
		if sess.PlantType != "" {
			fmt.Fprintf(&sb, "plant: %s\n", escapeYAML(sess.PlantType))
		}
		if sess.DiseaseName != "" {
			fmt.Fprintf(&sb, "disease: %s\n", escapeYAML(sess.DiseaseName))
		}
		fmt.Fprintf(&sb, "exported: %s\n", e.options.now().Format(time.RFC3339))
		sb.WriteString("generator: cropdoc\n")
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(util.SingleLine(sess.Title)))

	if e.options.IncludeMetadata {
		sb.WriteString("## Session Information\n\n")
		fmt.Fprintf(&sb, "- **Created**: %s\n", formatTimestamp(sess.CreatedAt))
		fmt.Fprintf(&sb, "- **Last Updated**: %s\n", formatTimestamp(sess.LastUpdated))
		fmt.Fprintf(&sb, "- **Messages**: %d\n", len(sess.Messages))
		if sess.CurrentNode != "" {
			fmt.Fprintf(&sb, "- **Stage**: %s\n", sess.CurrentNode)
		}
		if sess.HasDiagnosis {
			sb.WriteString("- **Diagnosis**: complete\n")
		}
		sb.WriteString("\n---\n\n")
	}

	sb.WriteString("## Conversation\n\n")

	for i, msg := range sess.Messages {
		label := formatRoleLabel(msg)
		if e.options.IncludeTimestamps {
			fmt.Fprintf(&sb, "### %s <sub>%s</sub>\n\n", label, formatShortTimestamp(msg.Timestamp))
		} else {
			fmt.Fprintf(&sb, "### %s\n\n", label)
		}

		if msg.ImageRef != "" {
			fmt.Fprintf(&sb, "*Photo: %s*\n\n", escapeMarkdown(msg.ImageRef))
		}
		if text := strings.TrimSpace(msg.Text); text != "" {
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
		if msg.Failed {
			fmt.Fprintf(&sb, "> **Not delivered**: %s\n\n", msg.Error)
		}
		if results := RenderResults(msg); results != "" {
			sb.WriteString(results)
			sb.WriteString("\n")
		}

		if i < len(sess.Messages)-1 {
			sb.WriteString("---\n\n")
		}
	}

	sb.WriteString("\n---\n\n")
	fmt.Fprintf(&sb, "*Exported from cropdoc on %s*\n",
		e.options.now().Format("January 2, 2006 at 3:04 PM"))

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
// RESULT SECTIONS
// =============================================================================

// RenderResults formats the structured results and follow-ups attached to
// an assistant turn as Markdown. Returns "" when there are none.
func RenderResults(msg *model.Message) string {
	var sb strings.Builder

	if d := msg.Disease; d != nil {
		sb.WriteString("#### Diagnosis\n\n")
		fmt.Fprintf(&sb, "- **Disease**: %s\n", d.Name)
		if d.PlantType != "" {
			fmt.Fprintf(&sb, "- **Plant**: %s\n", d.PlantType)
		}
		if d.Confidence > 0 {
			fmt.Fprintf(&sb, "- **Confidence**: %.0f%%\n", d.Confidence*100)
		}
		if d.Severity != "" {
			fmt.Fprintf(&sb, "- **Severity**: %s\n", d.Severity)
		}
		if d.Description != "" {
			fmt.Fprintf(&sb, "\n%s\n", d.Description)
		}
		sb.WriteString("\n")
	}

	if o := msg.Overlay; o != nil {
		sb.WriteString("*Attention map received")
		if o.DiseaseName != "" {
			fmt.Fprintf(&sb, " for %s", o.DiseaseName)
		}
		if o.Confidence > 0 {
			fmt.Fprintf(&sb, " (%.0f%%)", o.Confidence*100)
		}
		sb.WriteString("*\n\n")
	}

	if p := msg.Prescription; p != nil {
		sb.WriteString("#### Treatment\n\n")
		if len(p.Treatments) > 0 {
			sb.WriteString("| Product | Dosage | Frequency | Method |\n")
			sb.WriteString("|---|---|---|---|\n")
			for _, t := range p.Treatments {
				fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n",
					escapeTableCell(t.Name), escapeTableCell(t.Dosage),
					escapeTableCell(t.Frequency), escapeTableCell(t.Method))
			}
			sb.WriteString("\n")
		}
		if len(p.Preventive) > 0 {
			sb.WriteString("**Prevention**\n\n")
			for _, step := range p.Preventive {
				fmt.Fprintf(&sb, "- %s\n", step)
			}
			sb.WriteString("\n")
		}
		if p.Notes != "" {
			fmt.Fprintf(&sb, "%s\n\n", p.Notes)
		}
	}

	if len(msg.Vendors) > 0 {
		sb.WriteString("#### Where to buy\n\n")
		for _, v := range msg.Vendors {
			line := "- **" + v.Name + "**"
			for _, extra := range []string{v.Location, v.Phone, v.Price} {
				if extra != "" {
					line += " · " + extra
				}
			}
			sb.WriteString(line + "\n")
		}
		sb.WriteString("\n")
	}

	if ins := msg.Insurance; ins != nil {
		sb.WriteString("#### Crop insurance\n\n")
		fmt.Fprintf(&sb, "- **Scheme**: %s\n", ins.Scheme)
		if ins.Provider != "" {
			fmt.Fprintf(&sb, "- **Provider**: %s\n", ins.Provider)
		}
		if ins.Premium > 0 {
			fmt.Fprintf(&sb, "- **Premium**: %.2f\n", ins.Premium)
		}
		if ins.Coverage > 0 {
			fmt.Fprintf(&sb, "- **Coverage**: %.2f\n", ins.Coverage)
		}
		if ins.Details != "" {
			fmt.Fprintf(&sb, "\n%s\n", ins.Details)
		}
		sb.WriteString("\n")
	}

	if len(msg.FollowUps) > 0 {
		sb.WriteString("**Suggested next steps**\n\n")
		for i, f := range msg.FollowUps {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, f.Label)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

// formatRoleLabel returns the heading for a message.
func formatRoleLabel(msg *model.Message) string {
	switch msg.Role {
	case model.RoleUser:
		return "[Farmer]"
	case model.RoleAssistant:
		if msg.StateLabel != "" {
			return "[CropDoc: " + msg.StateLabel + "]"
		}
		return "[CropDoc]"
	case "":
		return "Unknown"
	default:
		runes := []rune(string(msg.Role))
		return strings.ToUpper(string(runes[0])) + string(runes[1:])
	}
}

// =============================================================================
// ESCAPING HELPERS
// =============================================================================

// escapeMarkdown escapes special Markdown characters in plain text.
func escapeMarkdown(s string) string {
	// Only escape characters that would break formatting in titles/headings
	s = strings.ReplaceAll(s, "#", "\\#")
	s = strings.ReplaceAll(s, "*", "\\*")
	s = strings.ReplaceAll(s, "_", "\\_")
	s = strings.ReplaceAll(s, "[", "\\[")
	s = strings.ReplaceAll(s, "]", "\\]")
	return s
}

// escapeTableCell keeps a value on one table row.
func escapeTableCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.Join(strings.Fields(s), " ")
}

// escapeYAML escapes special YAML characters in values.
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
