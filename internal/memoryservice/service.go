// Package memoryservice defines the external memory-service contract used
// for session initialization and audit storage, and provides a SQLite-backed
// implementation. The store core never depends on this service for
// correctness; callers treat every failure as recoverable.
package memoryservice

import "context"

// Entry is a stored memory returned from Recall and SearchByTag.
type Entry struct {
	ID        string         `json:"memory_id"`
	Content   string         `json:"content"`
	Tags      []string       `json:"tags"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Relevance float64        `json:"relevance"`
	Timestamp string         `json:"timestamp"`
}

// Stats summarizes the state of the memory backend.
type Stats struct {
	TotalMemories  int    `json:"total_memories"`
	TagsAvailable  int    `json:"tags_available"`
	StorageBackend string `json:"storage_backend"`
	ServiceStatus  string `json:"service_status"`
}

// Service is the narrow interface the context system consumes. Every call
// takes a context; callers wrap calls with a timeout since an unresponsive
// backend must never wedge session initialization or a mutation.
type Service interface {
	// Store persists content with tags and free-form metadata, returning
	// the new memory's ID.
	Store(ctx context.Context, content string, tags []string, metadata map[string]any) (string, error)

	// Recall returns up to limit entries relevant to the query, most
	// relevant first.
	Recall(ctx context.Context, query string, limit int) ([]Entry, error)

	// SearchByTag returns up to limit entries carrying any of the tags,
	// newest first.
	SearchByTag(ctx context.Context, tags []string, limit int) ([]Entry, error)

	// Stats reports backend health and size.
	Stats(ctx context.Context) (Stats, error)
}
