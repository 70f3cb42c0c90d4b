// Package sessioninit executes the startup actions declared by context
// documents against the external memory service and aggregates the outcome
// into a session status record.
package sessioninit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/contextd/contextd/internal/contextstore"
	"github.com/contextd/contextd/internal/memoryservice"
)

// ActionResult records the outcome of one startup action.
type ActionResult struct {
	Context string `json:"context"`
	Action  string `json:"action"`
	Status  string `json:"status"` // success, failed, unknown_action
	Summary string `json:"summary"`
}

// Status is the ephemeral record of one initialization run. Each run
// produces a fresh Status that fully replaces the previous one.
type Status struct {
	Initialized            bool           `json:"initialized"`
	InitializationTime     string         `json:"initialization_time"`
	ExecutedActions        []ActionResult `json:"executed_actions"`
	Errors                 []string       `json:"errors"`
	MemoryRetrievalResults map[string]any `json:"memory_retrieval_results"`
	ExecutionTimeSeconds   float64        `json:"execution_time_seconds"`
	InitializedContexts    []string       `json:"initialized_contexts"`
}

// Initializer runs session initialization over the loaded documents. The
// last run's status is retained for read-only queries until the next run.
type Initializer struct {
	store   *contextstore.Store
	svc     memoryservice.Service
	timeout time.Duration

	mu   sync.Mutex
	last *Status
}

// New creates an Initializer. timeout bounds every individual memory-service
// call; a timed-out call is handled like any other action failure.
func New(store *contextstore.Store, svc memoryservice.Service, timeout time.Duration) *Initializer {
	return &Initializer{store: store, svc: svc, timeout: timeout}
}

// Status returns the record of the most recent run, or ok=false if no run
// has happened yet.
func (i *Initializer) Status() (*Status, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.last, i.last != nil
}

// Run executes the on_startup actions of every document that has session
// initialization enabled, in stable context-name order, actions in declared
// order. A failing action is recorded and does not stop the remaining
// actions or documents. The aggregate status becomes the new current status.
func (i *Initializer) Run(ctx context.Context) *Status {
	start := time.Now()
	status := &Status{
		InitializationTime:     start.UTC().Format(time.RFC3339),
		MemoryRetrievalResults: map[string]any{},
		ExecutedActions:        []ActionResult{},
		Errors:                 []string{},
		InitializedContexts:    []string{},
	}

	docs := i.store.All()
	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		doc := docs[name]
		if doc.SessionInit == nil || !doc.SessionInit.Enabled {
			continue
		}
		status.InitializedContexts = append(status.InitializedContexts, name)
		for _, action := range doc.SessionInit.Actions.OnStartup {
			i.execute(ctx, name, action, status)
		}
	}

	status.Initialized = true
	status.ExecutionTimeSeconds = time.Since(start).Seconds()

	i.mu.Lock()
	i.last = status
	i.mu.Unlock()
	return status
}

func (i *Initializer) execute(ctx context.Context, contextName string, action contextstore.StartupAction, status *Status) {
	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	result := ActionResult{Context: contextName, Action: action.Action}

	switch action.Action {
	case "recall_memory":
		query := stringParam(action.Parameters, "query")
		limit := intParam(action.Parameters, "limit", 5)
		entries, err := i.svc.Recall(callCtx, query, limit)
		if err != nil {
			i.fail(status, &result, err)
			break
		}
		result.Status = "success"
		result.Summary = fmt.Sprintf("recalled %d memories for query %q", len(entries), query)
		status.MemoryRetrievalResults[contextName+"_"+action.Action] = entries

	case "search_by_tag":
		tags := stringsParam(action.Parameters, "tags")
		limit := intParam(action.Parameters, "limit", 5)
		entries, err := i.svc.SearchByTag(callCtx, tags, limit)
		if err != nil {
			i.fail(status, &result, err)
			break
		}
		result.Status = "success"
		result.Summary = fmt.Sprintf("found %d memories tagged %v", len(entries), tags)
		status.MemoryRetrievalResults[contextName+"_"+action.Action] = entries

	case "store_memory":
		content := stringParam(action.Parameters, "content")
		tags := stringsParam(action.Parameters, "tags")
		metadata, _ := action.Parameters["metadata"].(map[string]any)
		id, err := i.svc.Store(callCtx, content, tags, metadata)
		if err != nil {
			i.fail(status, &result, err)
			break
		}
		result.Status = "success"
		result.Summary = fmt.Sprintf("stored memory %s", id)

	default:
		// Unknown actions are reported, never raised: documents may
		// declare actions this build does not understand yet.
		result.Status = "unknown_action"
		result.Summary = fmt.Sprintf("unknown action %q", action.Action)
	}

	status.ExecutedActions = append(status.ExecutedActions, result)
}

func (i *Initializer) fail(status *Status, result *ActionResult, err error) {
	result.Status = "failed"
	result.Summary = err.Error()
	status.Errors = append(status.Errors, fmt.Sprintf("%s/%s: %v", result.Context, result.Action, err))
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// intParam tolerates JSON numbers arriving as float64.
func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
