package docs

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/contextd/contextd/internal/contextstore"
)

func docFromJSON(t *testing.T, src string) *contextstore.Document {
	t.Helper()
	var doc contextstore.Document
	if err := json.Unmarshal([]byte(src), &doc); err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return &doc
}

func TestMarkdown(t *testing.T) {
	docs := map[string]*contextstore.Document{
		"git": docFromJSON(t, `{
			"tool_category": "git",
			"description": "git workflow rules",
			"auto_convert": true,
			"auto_corrections": {
				"typo": {"pattern": "teh|pipe|char", "replacement": "the"}
			},
			"session_initialization": {"enabled": true, "actions": {"on_startup": [
				{"action": "recall_memory", "description": "warm up git context"}
			]}},
			"metadata": {"version": "1.2.0", "last_updated": "2026-01-01T00:00:00Z"}
		}`),
		"docker": docFromJSON(t, `{"tool_category": "docker", "description": "container rules"}`),
	}

	md := Markdown(docs)

	// Sections sorted by name.
	if strings.Index(md, "## docker") > strings.Index(md, "## git") {
		t.Error("sections not sorted")
	}
	for _, want := range []string{
		"# Context Documents",
		"**Tool category:** `git`",
		"git workflow rules",
		"**Auto-convert:** enabled",
		"**Version:** 1.2.0 (updated 2026-01-01T00:00:00Z)",
		"### Auto-corrections",
		"| typo |",
		"### Startup actions (enabled)",
		"1. `recall_memory` - warm up git context",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}
	// Pipe characters inside patterns are escaped so the table survives.
	if !strings.Contains(md, `pipe\|char`) {
		t.Error("table cell not escaped")
	}
}

func TestHTML(t *testing.T) {
	docs := map[string]*contextstore.Document{
		"git": docFromJSON(t, `{
			"tool_category": "git",
			"description": "rules",
			"auto_corrections": {"typo": {"pattern": "teh", "replacement": "the"}}
		}`),
	}

	html, err := HTML(Markdown(docs))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, "<h2") || !strings.Contains(html, "git") {
		t.Errorf("html missing heading: %s", html)
	}
	// GFM tables render as real tables.
	if !strings.Contains(html, "<table>") {
		t.Errorf("correction table not rendered: %s", html)
	}
}
