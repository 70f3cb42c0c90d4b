package sessioninit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/contextd/contextd/internal/contextstore"
	"github.com/contextd/contextd/internal/memoryservice"
)

// fakeMemory records calls and returns canned results.
type fakeMemory struct {
	calls []string

	storeErr  error
	recallErr error
	entries   []memoryservice.Entry
}

func (f *fakeMemory) Store(_ context.Context, content string, tags []string, _ map[string]any) (string, error) {
	f.calls = append(f.calls, "store:"+content)
	if f.storeErr != nil {
		return "", f.storeErr
	}
	return "mem-1", nil
}

func (f *fakeMemory) Recall(_ context.Context, query string, limit int) ([]memoryservice.Entry, error) {
	f.calls = append(f.calls, "recall:"+query)
	if f.recallErr != nil {
		return nil, f.recallErr
	}
	return f.entries, nil
}

func (f *fakeMemory) SearchByTag(_ context.Context, tags []string, limit int) ([]memoryservice.Entry, error) {
	f.calls = append(f.calls, "search_by_tag")
	return f.entries, nil
}

func (f *fakeMemory) Stats(_ context.Context) (memoryservice.Stats, error) {
	return memoryservice.Stats{}, nil
}

func storeWith(t *testing.T, files map[string]string) *contextstore.Store {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	s := contextstore.New(dir, true)
	s.LoadAll()
	return s
}

func TestRun(t *testing.T) {
	store := storeWith(t, map[string]string{
		"git_context.json": `{
			"tool_category": "git",
			"description": "x",
			"session_initialization": {
				"enabled": true,
				"actions": {"on_startup": [
					{"action": "recall_memory", "parameters": {"query": "git workflow", "limit": 3}},
					{"action": "search_by_tag", "parameters": {"tags": ["git"], "limit": 2}}
				]}
			}
		}`,
		"docker_context.json": `{
			"tool_category": "docker",
			"description": "x",
			"session_initialization": {"enabled": false, "actions": {"on_startup": [
				{"action": "recall_memory", "parameters": {"query": "never runs"}}
			]}}
		}`,
		"plain_context.json": `{"tool_category": "plain", "description": "x"}`,
	})

	mem := &fakeMemory{entries: []memoryservice.Entry{{ID: "a", Content: "remembered"}}}
	init := New(store, mem, time.Second)

	if _, ok := init.Status(); ok {
		t.Fatal("status reported before any run")
	}

	status := init.Run(context.Background())
	if !status.Initialized {
		t.Fatal("not marked initialized")
	}
	if len(status.InitializedContexts) != 1 || status.InitializedContexts[0] != "git" {
		t.Errorf("initialized contexts = %v", status.InitializedContexts)
	}
	if len(status.ExecutedActions) != 2 {
		t.Fatalf("executed actions = %+v", status.ExecutedActions)
	}
	// Declared order preserved.
	if status.ExecutedActions[0].Action != "recall_memory" || status.ExecutedActions[1].Action != "search_by_tag" {
		t.Errorf("action order = %+v", status.ExecutedActions)
	}
	if len(status.Errors) != 0 {
		t.Errorf("unexpected errors: %v", status.Errors)
	}
	if _, ok := status.MemoryRetrievalResults["git_recall_memory"]; !ok {
		t.Errorf("retrieval results = %v", status.MemoryRetrievalResults)
	}
	if _, ok := status.MemoryRetrievalResults["git_search_by_tag"]; !ok {
		t.Errorf("retrieval results = %v", status.MemoryRetrievalResults)
	}

	// Disabled context's actions never reached the service.
	for _, call := range mem.calls {
		if call == "recall:never runs" {
			t.Error("disabled context executed")
		}
	}

	got, ok := init.Status()
	if !ok || got != status {
		t.Error("Status() does not return the last run")
	}
}

func TestRun_ActionFailureDoesNotStopRun(t *testing.T) {
	store := storeWith(t, map[string]string{
		"git_context.json": `{
			"tool_category": "git",
			"description": "x",
			"session_initialization": {"enabled": true, "actions": {"on_startup": [
				{"action": "recall_memory", "parameters": {"query": "q"}},
				{"action": "store_memory", "parameters": {"content": "note", "tags": ["t"]}}
			]}}
		}`,
	})

	mem := &fakeMemory{recallErr: errors.New("backend down")}
	status := New(store, mem, time.Second).Run(context.Background())

	if len(status.ExecutedActions) != 2 {
		t.Fatalf("executed actions = %+v", status.ExecutedActions)
	}
	if status.ExecutedActions[0].Status != "failed" {
		t.Errorf("first action status = %q", status.ExecutedActions[0].Status)
	}
	if status.ExecutedActions[1].Status != "success" {
		t.Errorf("second action status = %q", status.ExecutedActions[1].Status)
	}
	if len(status.Errors) != 1 {
		t.Fatalf("errors = %v", status.Errors)
	}
	if status.Errors[0] != "git/recall_memory: backend down" {
		t.Errorf("error = %q", status.Errors[0])
	}
	// The run still completes.
	if !status.Initialized {
		t.Error("run not marked initialized despite completing")
	}
}

func TestRun_UnknownAction(t *testing.T) {
	store := storeWith(t, map[string]string{
		"git_context.json": `{
			"tool_category": "git",
			"description": "x",
			"session_initialization": {"enabled": true, "actions": {"on_startup": [
				{"action": "summon_dragon"}
			]}}
		}`,
	})

	status := New(store, &fakeMemory{}, time.Second).Run(context.Background())
	if len(status.ExecutedActions) != 1 {
		t.Fatalf("executed actions = %+v", status.ExecutedActions)
	}
	if status.ExecutedActions[0].Status != "unknown_action" {
		t.Errorf("status = %q", status.ExecutedActions[0].Status)
	}
	// Unknown actions are reported, not errors.
	if len(status.Errors) != 0 {
		t.Errorf("errors = %v", status.Errors)
	}
}

func TestRun_ReplacesPreviousStatus(t *testing.T) {
	store := storeWith(t, map[string]string{
		"git_context.json": `{
			"tool_category": "git",
			"description": "x",
			"session_initialization": {"enabled": true, "actions": {"on_startup": [
				{"action": "recall_memory", "parameters": {"query": "q"}}
			]}}
		}`,
	})

	mem := &fakeMemory{recallErr: errors.New("boom")}
	init := New(store, mem, time.Second)

	first := init.Run(context.Background())
	if len(first.Errors) != 1 {
		t.Fatalf("first run errors = %v", first.Errors)
	}

	// Second run succeeds; its status fully replaces the first.
	mem.recallErr = nil
	second := init.Run(context.Background())
	if len(second.Errors) != 0 {
		t.Errorf("second run inherited errors: %v", second.Errors)
	}

	got, _ := init.Status()
	if got != second {
		t.Error("Status() still reports the first run")
	}
}
