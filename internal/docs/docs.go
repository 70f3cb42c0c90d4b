// Package docs renders loaded context documents into a human-readable
// markdown summary, optionally converted to HTML.
package docs

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/contextd/contextd/internal/contextstore"
)

// Markdown renders a summary of all documents, one section per context,
// sorted by name.
func Markdown(docs map[string]*contextstore.Document) string {
	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("# Context Documents\n")
	for _, name := range names {
		doc := docs[name]
		fmt.Fprintf(&b, "\n## %s\n\n", name)
		fmt.Fprintf(&b, "- **Tool category:** `%s`\n", doc.ToolCategory)
		fmt.Fprintf(&b, "- **Description:** %s\n", doc.Description)
		if doc.AutoConvert {
			b.WriteString("- **Auto-convert:** enabled\n")
		}
		if doc.Metadata != nil && doc.Metadata.Version != "" {
			fmt.Fprintf(&b, "- **Version:** %s", doc.Metadata.Version)
			if doc.Metadata.LastUpdated != "" {
				fmt.Fprintf(&b, " (updated %s)", doc.Metadata.LastUpdated)
			}
			b.WriteString("\n")
		}
		writeCorrections(&b, doc)
		writeStartupActions(&b, doc)
	}
	return b.String()
}

func writeCorrections(b *strings.Builder, doc *contextstore.Document) {
	if doc.AutoCorrections == nil || doc.AutoCorrections.Len() == 0 {
		return
	}
	b.WriteString("\n### Auto-corrections\n\n")
	b.WriteString("| Name | Pattern | Replacement |\n")
	b.WriteString("| --- | --- | --- |\n")
	for pair := doc.AutoCorrections.Oldest(); pair != nil; pair = pair.Next() {
		replacement := ""
		if pair.Value.Replacement != nil {
			replacement = *pair.Value.Replacement
		}
		fmt.Fprintf(b, "| %s | `%s` | `%s` |\n",
			pair.Key, escapeCell(pair.Value.Pattern), escapeCell(replacement))
	}
}

func writeStartupActions(b *strings.Builder, doc *contextstore.Document) {
	if doc.SessionInit == nil || len(doc.SessionInit.Actions.OnStartup) == 0 {
		return
	}
	state := "disabled"
	if doc.SessionInit.Enabled {
		state = "enabled"
	}
	fmt.Fprintf(b, "\n### Startup actions (%s)\n\n", state)
	for i, action := range doc.SessionInit.Actions.OnStartup {
		fmt.Fprintf(b, "%d. `%s`", i+1, action.Action)
		if action.Description != "" {
			fmt.Fprintf(b, " - %s", action.Description)
		}
		b.WriteString("\n")
	}
}

// escapeCell keeps regex patterns from breaking table syntax.
func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// HTML converts rendered markdown to HTML using GFM so the correction
// tables survive conversion.
func HTML(md string) (string, error) {
	gm := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM, // tables, strikethrough, autolinks, task lists
		),
	)
	var buf bytes.Buffer
	if err := gm.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}
