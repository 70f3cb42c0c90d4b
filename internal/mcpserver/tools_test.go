package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/contextd/contextd/internal/contextstore"
	"github.com/contextd/contextd/internal/memoryservice"
	"github.com/contextd/contextd/internal/sessioninit"
)

// --- Fake Memory Service ---

type fakeMemory struct {
	stats memoryservice.Stats
}

func (f *fakeMemory) Store(context.Context, string, []string, map[string]any) (string, error) {
	return "mem-1", nil
}

func (f *fakeMemory) Recall(context.Context, string, int) ([]memoryservice.Entry, error) {
	return nil, nil
}

func (f *fakeMemory) SearchByTag(context.Context, []string, int) ([]memoryservice.Entry, error) {
	return nil, nil
}

func (f *fakeMemory) Stats(context.Context) (memoryservice.Stats, error) {
	return f.stats, nil
}

// --- Helpers ---

func newTestServer(t *testing.T, files map[string]string) *Server {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	store := contextstore.New(dir, true)
	store.LoadAll()
	mem := &fakeMemory{stats: memoryservice.Stats{TotalMemories: 7, TagsAvailable: 3, StorageBackend: "sqlite", ServiceStatus: "ok"}}
	init := sessioninit.New(store, mem, time.Second)
	return New(store, init, mem)
}

func makeRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("result content is %T, not TextContent", result.Content[0])
	}
	return tc.Text
}

func decodeResult(t *testing.T, result *mcp.CallToolResult, v any) {
	t.Helper()
	if result.IsError {
		t.Fatalf("tool returned error: %s", resultText(t, result))
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), v); err != nil {
		t.Fatalf("decode result: %v\n%s", err, resultText(t, result))
	}
}

const gitFixture = `{
	"tool_category": "git",
	"description": "git rules",
	"syntax_rules": {"commit_format": "conventional"},
	"preferences": {"rebase": true},
	"auto_corrections": {
		"typo": {"pattern": "teh", "replacement": "the"}
	}
}`

// --- Tests ---

func TestGetToolContext(t *testing.T) {
	s := newTestServer(t, map[string]string{"git_context.json": gitFixture})

	result, err := s.handleGetToolContext(context.Background(),
		makeRequest("get_tool_context", map[string]any{"tool_name": "git:commit"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var doc map[string]any
	decodeResult(t, result, &doc)
	if doc["tool_category"] != "git" {
		t.Errorf("tool_category = %v", doc["tool_category"])
	}
}

func TestGetToolContext_Unknown(t *testing.T) {
	s := newTestServer(t, nil)

	result, err := s.handleGetToolContext(context.Background(),
		makeRequest("get_tool_context", map[string]any{"tool_name": "docker"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Unknown tools resolve to an empty document, not an error.
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, result))
	}
	var doc map[string]any
	decodeResult(t, result, &doc)
	if len(doc) != 0 {
		t.Errorf("expected empty document, got %v", doc)
	}
}

func TestGetToolContext_MissingArg(t *testing.T) {
	s := newTestServer(t, nil)

	result, err := s.handleGetToolContext(context.Background(),
		makeRequest("get_tool_context", map[string]any{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("missing tool_name accepted")
	}
}

func TestGetSyntaxRulesAndPreferences(t *testing.T) {
	s := newTestServer(t, map[string]string{"git_context.json": gitFixture})

	result, err := s.handleGetSyntaxRules(context.Background(),
		makeRequest("get_syntax_rules", map[string]any{"tool_name": "git"}))
	if err != nil {
		t.Fatal(err)
	}
	var rules map[string]any
	decodeResult(t, result, &rules)
	if rules["commit_format"] != "conventional" {
		t.Errorf("rules = %v", rules)
	}

	result, err = s.handleGetPreferences(context.Background(),
		makeRequest("get_preferences", map[string]any{"tool_name": "git"}))
	if err != nil {
		t.Fatal(err)
	}
	var prefs map[string]any
	decodeResult(t, result, &prefs)
	if prefs["rebase"] != true {
		t.Errorf("prefs = %v", prefs)
	}
}

func TestListContexts(t *testing.T) {
	s := newTestServer(t, map[string]string{
		"git_context.json":    gitFixture,
		"docker_context.json": `{"tool_category": "docker", "description": "x"}`,
	})

	result, err := s.handleListContexts(context.Background(),
		makeRequest("list_available_contexts", nil))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	decodeResult(t, result, &names)
	if len(names) != 2 || names[0] != "docker" || names[1] != "git" {
		t.Errorf("names = %v", names)
	}
}

func TestApplyCorrections(t *testing.T) {
	s := newTestServer(t, map[string]string{"git_context.json": gitFixture})

	result, err := s.handleApplyCorrections(context.Background(),
		makeRequest("apply_auto_corrections", map[string]any{
			"tool_name": "git",
			"text":      "teh commit",
		}))
	if err != nil {
		t.Fatal(err)
	}
	if got := resultText(t, result); got != "the commit" {
		t.Errorf("corrected text = %q", got)
	}
}

func TestCreateContext(t *testing.T) {
	s := newTestServer(t, nil)

	result, err := s.handleCreateContext(context.Background(),
		makeRequest("create_context", map[string]any{
			"context_name":  "terraform",
			"tool_category": "terraform",
			"rules":         map[string]any{"description": "infra rules"},
		}))
	if err != nil {
		t.Fatal(err)
	}
	var res contextstore.OpResult
	decodeResult(t, result, &res)
	if !res.Success {
		t.Fatalf("create failed: %s (%v)", res.Error, res.ValidationErrors)
	}
	if _, ok := s.store.Get("terraform"); !ok {
		t.Error("created context not queryable")
	}
}

func TestCreateContext_InvalidName(t *testing.T) {
	s := newTestServer(t, nil)

	result, err := s.handleCreateContext(context.Background(),
		makeRequest("create_context", map[string]any{
			"context_name":  "system",
			"tool_category": "git",
			"rules":         map[string]any{"description": "x"},
		}))
	if err != nil {
		t.Fatal(err)
	}
	var res contextstore.OpResult
	decodeResult(t, result, &res)
	if res.Success {
		t.Fatal("reserved name accepted")
	}
	if !strings.Contains(res.Error, "invalid context name") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestUpdateContextRules(t *testing.T) {
	s := newTestServer(t, map[string]string{"git_context.json": gitFixture})

	result, err := s.handleUpdateContext(context.Background(),
		makeRequest("update_context_rules", map[string]any{
			"context_name": "git",
			"updates":      map[string]any{"description": "new rules"},
		}))
	if err != nil {
		t.Fatal(err)
	}
	var res contextstore.OpResult
	decodeResult(t, result, &res)
	if !res.Success {
		t.Fatalf("update failed: %s", res.Error)
	}
	if res.Backup == "" {
		t.Error("no backup reported")
	}
}

func TestUpdateContextRules_EmptyUpdates(t *testing.T) {
	s := newTestServer(t, map[string]string{"git_context.json": gitFixture})

	result, err := s.handleUpdateContext(context.Background(),
		makeRequest("update_context_rules", map[string]any{
			"context_name": "git",
			"updates":      map[string]any{},
		}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Fatal("empty updates accepted")
	}
}

func TestAddContextPattern(t *testing.T) {
	s := newTestServer(t, map[string]string{"git_context.json": gitFixture})

	result, err := s.handleAddPattern(context.Background(),
		makeRequest("add_context_pattern", map[string]any{
			"context_name":   "git",
			"section":        "auto_retrieve_triggers",
			"pattern_name":   "error_lookup",
			"pattern_config": map[string]any{"patterns": []any{"error", "failed"}},
		}))
	if err != nil {
		t.Fatal(err)
	}
	var res contextstore.OpResult
	decodeResult(t, result, &res)
	if !res.Success {
		t.Fatalf("add pattern failed: %s", res.Error)
	}
	if res.Section != "auto_retrieve_triggers" || res.PatternName != "error_lookup" {
		t.Errorf("result = %+v", res)
	}
}

func TestSessionTools(t *testing.T) {
	s := newTestServer(t, map[string]string{
		"git_context.json": `{
			"tool_category": "git",
			"description": "x",
			"session_initialization": {"enabled": true, "actions": {"on_startup": [
				{"action": "recall_memory", "parameters": {"query": "git"}}
			]}}
		}`,
	})

	// Before any run the status tool reports not-initialized.
	result, err := s.handleSessionStatus(context.Background(),
		makeRequest("get_session_status", nil))
	if err != nil {
		t.Fatal(err)
	}
	var pre map[string]any
	decodeResult(t, result, &pre)
	if pre["initialized"] != false {
		t.Errorf("pre-run status = %v", pre)
	}

	result, err = s.handleInitializeSession(context.Background(),
		makeRequest("initialize_session", nil))
	if err != nil {
		t.Fatal(err)
	}
	var status sessioninit.Status
	decodeResult(t, result, &status)
	if !status.Initialized {
		t.Fatal("session not initialized")
	}
	if len(status.InitializedContexts) != 1 || status.InitializedContexts[0] != "git" {
		t.Errorf("initialized contexts = %v", status.InitializedContexts)
	}

	result, err = s.handleSessionStatus(context.Background(),
		makeRequest("get_session_status", nil))
	if err != nil {
		t.Fatal(err)
	}
	var post sessioninit.Status
	decodeResult(t, result, &post)
	if !post.Initialized {
		t.Error("status tool does not reflect the run")
	}
}

func TestMemoryStats(t *testing.T) {
	s := newTestServer(t, nil)

	result, err := s.handleMemoryStats(context.Background(),
		makeRequest("get_memory_stats", nil))
	if err != nil {
		t.Fatal(err)
	}
	var stats struct {
		Success       bool   `json:"success"`
		TotalMemories int    `json:"total_memories"`
		TagsAvailable int    `json:"tags_available"`
		Backend       string `json:"storage_backend"`
	}
	decodeResult(t, result, &stats)
	if !stats.Success || stats.TotalMemories != 7 || stats.TagsAvailable != 3 || stats.Backend != "sqlite" {
		t.Errorf("stats = %+v", stats)
	}
}
