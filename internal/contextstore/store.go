package contextstore

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// contextSuffix is the preferred filename convention for context documents.
const contextSuffix = "_context.json"

// createdBy is stamped into metadata for documents this store writes.
const createdBy = "contextd"

// Notifier receives store mutation events. Implementations must not block:
// the store calls Record synchronously on the mutation path and relies on
// the notifier to hand off asynchronously. A nil Notifier is valid.
type Notifier interface {
	Record(op, contextName string, detail map[string]any)
}

// OpResult is the structured outcome of a mutating store operation,
// serialized as-is back to the transport layer. User-level failures are
// reported here, never as Go errors.
type OpResult struct {
	Success           bool     `json:"success"`
	Message           string   `json:"message,omitempty"`
	Error             string   `json:"error,omitempty"`
	ContextName       string   `json:"context_name,omitempty"`
	File              string   `json:"file,omitempty"`
	Backup            string   `json:"backup,omitempty"`
	Section           string   `json:"section,omitempty"`
	PatternName       string   `json:"pattern_name,omitempty"`
	ValidationErrors  []string `json:"validation_errors,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
	AvailableContexts []string `json:"available_contexts,omitempty"`
}

func failure(name, format string, args ...any) *OpResult {
	return &OpResult{ContextName: name, Error: fmt.Sprintf(format, args...)}
}

// Store owns the in-memory map of context name to document and the backing
// directory of JSON files. Mutations follow validate -> backup -> compute ->
// validate -> write-then-swap -> notify; the in-memory map never reflects
// content that failed to reach disk. Reads may run concurrently; callers
// must serialize mutating calls (the stdio transport dispatches requests
// one at a time).
type Store struct {
	dir      string
	autoLoad bool
	notifier Notifier
	now      func() time.Time

	mu    sync.RWMutex
	docs  map[string]*Document
	files map[string]string // context name -> absolute file path
}

// Option configures a Store.
type Option func(*Store)

// WithNotifier attaches a mutation notifier (the audit hook).
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithClock overrides the time source. Used by tests to pin backup
// timestamps and metadata fields.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over dir. When autoLoad is false the store starts
// empty and LoadAll is a no-op.
func New(dir string, autoLoad bool, opts ...Option) *Store {
	s := &Store{
		dir:      dir,
		autoLoad: autoLoad,
		now:      time.Now,
		docs:     map[string]*Document{},
		files:    map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadAll scans the directory for context files and rebuilds the in-memory
// map. Files matching *_context.json are preferred; any other *.json file
// not already matched is loaded as a fallback. Per-file failures are logged
// and skipped. An unreadable directory leaves the store empty rather than
// failing: a missing config directory is a valid cold-start state.
// Returns the number of documents loaded.
func (s *Store) LoadAll() int {
	if !s.autoLoad {
		log.Printf("[store] auto-loading of contexts is disabled")
		return 0
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Printf("[store] context directory %q: %v", s.dir, err)
		return 0
	}

	// Preferred convention first, then plain .json fallbacks.
	var ordered []string
	seen := map[string]bool{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), contextSuffix) {
			ordered = append(ordered, e.Name())
			seen[e.Name()] = true
		}
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") && !seen[e.Name()] {
			ordered = append(ordered, e.Name())
		}
	}

	docs := map[string]*Document{}
	files := map[string]string{}
	for _, fname := range ordered {
		name := strings.TrimSuffix(fname, ".json")
		name = strings.TrimSuffix(name, "_context")
		if _, ok := docs[name]; ok {
			// Preferred-convention file already claimed this name.
			continue
		}

		path := filepath.Join(s.dir, fname)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[store] read %s: %v", fname, err)
			continue
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			log.Printf("[store] parse %s: %v", fname, err)
			continue
		}
		docs[name] = &doc
		files[name] = path
	}

	s.mu.Lock()
	s.docs = docs
	s.files = files
	s.mu.Unlock()

	log.Printf("[store] loaded %d context(s) from %s", len(docs), s.dir)
	return len(docs)
}

// Names returns the loaded context names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.docs))
	for name := range s.docs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the document for an exact context name.
func (s *Store) Get(name string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[name]
	return doc, ok
}

// All returns a snapshot of the loaded documents. Documents are never
// mutated in place after a swap, so the returned references are safe to
// read concurrently.
func (s *Store) All() map[string]*Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Document, len(s.docs))
	for name, doc := range s.docs {
		out[name] = doc
	}
	return out
}

// GetByTool resolves a tool identifier to its owning document. Identifiers
// may be namespaced as "<category>:<specific>"; only the part before the
// first colon participates in resolution. Resolution never errors: an
// unknown category degrades to "no rules apply".
func (s *Store) GetByTool(toolID string) (*Document, bool) {
	category := toolID
	if i := strings.Index(toolID, ":"); i >= 0 {
		category = toolID[:i]
	}
	return s.Get(category)
}

// documentPath returns the on-disk path for a context name, honoring the
// filename the document was originally loaded from.
func (s *Store) documentPath(name string) string {
	s.mu.RLock()
	path, ok := s.files[name]
	s.mu.RUnlock()
	if ok {
		return path
	}
	return filepath.Join(s.dir, name+contextSuffix)
}

// fileExists reports whether a document file for name is already on disk
// under either naming convention.
func (s *Store) fileExists(name string) bool {
	for _, candidate := range []string{name + contextSuffix, name + ".json"} {
		if _, err := os.Stat(filepath.Join(s.dir, candidate)); err == nil {
			return true
		}
	}
	return false
}

// Create assembles and persists a new context document. It fails with a
// structured error if the name or category is invalid, a file for the name
// already exists on disk, or the assembled document fails validation.
func (s *Store) Create(name, category string, rules map[string]any) *OpResult {
	if !ValidName(name) {
		return failure(name, "invalid context name %q: must match %s and not be a reserved name", name, namePattern.String())
	}
	if !namePattern.MatchString(category) {
		return failure(name, "invalid tool category %q: must match %s", category, namePattern.String())
	}
	if s.fileExists(name) {
		res := failure(name, "context %q already exists", name)
		res.AvailableContexts = s.Names()
		return res
	}

	raw, err := rawFromAny(rules)
	if err != nil {
		return failure(name, "invalid rules: %v", err)
	}
	raw["tool_category"] = mustMarshal(category)
	s.stampMetadata(raw, nil)

	vr := Validate(raw)
	if !vr.OK() {
		res := failure(name, "context validation failed")
		res.ValidationErrors = vr.Errors
		res.Warnings = vr.Warnings
		return res
	}

	path, doc, err := s.persist(name, raw)
	if err != nil {
		return failure(name, "write context: %v", err)
	}

	s.mu.Lock()
	s.docs[name] = doc
	s.files[name] = path
	s.mu.Unlock()

	s.notify("created", name, map[string]any{
		"tool_category": category,
		"file":          filepath.Base(path),
	})

	return &OpResult{
		Success:     true,
		Message:     fmt.Sprintf("context %q created", name),
		ContextName: name,
		File:        path,
		Warnings:    vr.Warnings,
	}
}

// Update applies updates as a shallow merge over the current document, with
// metadata deep-merged rather than replaced. The previous file is backed up
// first (best-effort). On validation failure the on-disk file is left
// unchanged and the backup reference is returned alongside the errors.
func (s *Store) Update(name string, updates map[string]any) *OpResult {
	doc, ok := s.Get(name)
	if !ok {
		res := failure(name, "context %q not found", name)
		res.AvailableContexts = s.Names()
		return res
	}

	backup, _ := s.backupFile(name)

	raw, err := doc.rawMap()
	if err != nil {
		return failure(name, "encode current document: %v", err)
	}
	for key, val := range updates {
		if key == "metadata" {
			continue // deep-merged below
		}
		raw[key] = mustMarshal(val)
	}
	if metaVal, ok := updates["metadata"]; ok {
		metaUpdates, ok := metaVal.(map[string]any)
		if !ok {
			res := failure(name, "context validation failed")
			res.ValidationErrors = []string{`"metadata" must be an object`}
			res.Backup = backup
			return res
		}
		mergeMetadata(raw, metaUpdates)
	}
	s.stampMetadata(raw, doc.Metadata)

	vr := Validate(raw)
	if !vr.OK() {
		res := failure(name, "context validation failed")
		res.ValidationErrors = vr.Errors
		res.Warnings = vr.Warnings
		res.Backup = backup
		return res
	}

	path, merged, err := s.persist(name, raw)
	if err != nil {
		res := failure(name, "write context: %v", err)
		res.Backup = backup
		return res
	}

	s.mu.Lock()
	s.docs[name] = merged
	s.files[name] = path
	s.mu.Unlock()

	fields := make([]string, 0, len(updates))
	for key := range updates {
		fields = append(fields, key)
	}
	sort.Strings(fields)
	s.notify("updated", name, map[string]any{"updated_fields": fields})

	return &OpResult{
		Success:     true,
		Message:     fmt.Sprintf("context %q updated", name),
		ContextName: name,
		File:        path,
		Backup:      backup,
		Warnings:    vr.Warnings,
	}
}

// patternSections are the only sections AddPattern may target.
var patternSections = map[string]bool{
	"auto_store_triggers":    true,
	"auto_retrieve_triggers": true,
}

// AddPattern inserts or overwrites a trigger pattern under the given
// section, creating the section if absent.
func (s *Store) AddPattern(name, section, patternName string, config map[string]any) *OpResult {
	if !patternSections[section] {
		return failure(name, "invalid section %q: must be auto_store_triggers or auto_retrieve_triggers", section)
	}

	doc, ok := s.Get(name)
	if !ok {
		res := failure(name, "context %q not found", name)
		res.AvailableContexts = s.Names()
		return res
	}

	backup, _ := s.backupFile(name)

	raw, err := doc.rawMap()
	if err != nil {
		return failure(name, "encode current document: %v", err)
	}

	var sec map[string]json.RawMessage
	if existing, ok := raw[section]; ok {
		if err := json.Unmarshal(existing, &sec); err != nil {
			return failure(name, "section %q is not an object", section)
		}
	} else {
		sec = map[string]json.RawMessage{}
	}
	sec[patternName] = mustMarshal(config)
	raw[section] = mustMarshal(sec)
	s.stampMetadata(raw, doc.Metadata)

	vr := Validate(raw)
	if !vr.OK() {
		res := failure(name, "context validation failed")
		res.ValidationErrors = vr.Errors
		res.Warnings = vr.Warnings
		res.Backup = backup
		return res
	}

	path, merged, err := s.persist(name, raw)
	if err != nil {
		res := failure(name, "write context: %v", err)
		res.Backup = backup
		return res
	}

	s.mu.Lock()
	s.docs[name] = merged
	s.files[name] = path
	s.mu.Unlock()

	s.notify("pattern_added", name, map[string]any{
		"section":      section,
		"pattern_name": patternName,
	})

	return &OpResult{
		Success:     true,
		Message:     fmt.Sprintf("pattern %q added to %s of context %q", patternName, section, name),
		ContextName: name,
		File:        path,
		Backup:      backup,
		Section:     section,
		PatternName: patternName,
		Warnings:    vr.Warnings,
	}
}

// persist writes the assembled document atomically (temp file + rename) and
// decodes the bytes that actually reached disk into the in-memory form.
func (s *Store) persist(name string, raw map[string]json.RawMessage) (string, *Document, error) {
	data, err := marshalOrdered(raw)
	if err != nil {
		return "", nil, fmt.Errorf("encode: %w", err)
	}
	data = append(data, '\n')

	doc, err := docFromRaw(raw)
	if err != nil {
		return "", nil, fmt.Errorf("decode merged document: %w", err)
	}

	path := s.documentPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", nil, err
	}
	return path, doc, nil
}

// stampMetadata populates the store-owned metadata fields on every write:
// last_updated is always refreshed, version/priority/created_by get defaults
// when absent, and optimization_count never moves backwards relative to the
// previous document.
func (s *Store) stampMetadata(raw map[string]json.RawMessage, prev *Metadata) {
	meta := map[string]any{}
	if existing, ok := raw["metadata"]; ok {
		_ = json.Unmarshal(existing, &meta)
	}
	meta["last_updated"] = s.now().UTC().Format(time.RFC3339)
	if _, ok := meta["version"]; !ok {
		meta["version"] = "1.0.0"
	}
	if _, ok := meta["priority"]; !ok {
		meta["priority"] = "medium"
	}
	if _, ok := meta["created_by"]; !ok {
		meta["created_by"] = createdBy
	}
	if prev != nil {
		count, _ := meta["optimization_count"].(float64)
		if int(count) < prev.OptimizationCount {
			meta["optimization_count"] = prev.OptimizationCount
		}
	}
	raw["metadata"] = mustMarshal(meta)
}

// mergeMetadata deep-merges updates into the document's metadata object.
func mergeMetadata(raw map[string]json.RawMessage, updates map[string]any) {
	meta := map[string]any{}
	if existing, ok := raw["metadata"]; ok {
		_ = json.Unmarshal(existing, &meta)
	}
	deepMerge(meta, updates)
	raw["metadata"] = mustMarshal(meta)
}

// deepMerge merges src into dst recursively; nested objects merge key-wise,
// everything else is replaced.
func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		if srcMap, ok := val.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = val
	}
}

// notify fires the audit hook if one is attached. The hook is fire-and-
// forget; its outcome never affects the mutation result.
func (s *Store) notify(op, name string, detail map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Record(op, name, detail)
}

// rawFromAny converts a generic JSON object to its raw-keyed form.
func rawFromAny(m map[string]any) (map[string]json.RawMessage, error) {
	raw := make(map[string]json.RawMessage, len(m))
	for key, val := range m {
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", key, err)
		}
		raw[key] = b
	}
	return raw, nil
}

// mustMarshal marshals values that originate from decoded JSON and cannot
// fail to re-encode.
func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
