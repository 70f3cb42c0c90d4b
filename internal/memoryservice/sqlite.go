package memoryservice

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// SQLite is a Service backed by a local SQLite database.
type SQLite struct {
	conn *sql.DB
}

var _ Service = (*SQLite)(nil)

// Open creates the database connection and runs all pending migrations.
func Open(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Goose logs to stdout by default; stdout carries the MCP protocol.
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLite{conn: conn}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

// Store persists a memory and its tags in one transaction.
func (s *SQLite) Store(ctx context.Context, content string, tags []string, metadata map[string]any) (string, error) {
	var meta *string
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("encode metadata: %w", err)
		}
		m := string(b)
		meta = &m
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	id := uuid.NewString()
	createdAt := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories (id, content, metadata, created_at) VALUES (?, ?, ?, ?)`,
		id, content, meta, createdAt,
	); err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}
	for _, tag := range dedupe(tags) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_tags (memory_id, tag) VALUES (?, ?)`, id, tag,
		); err != nil {
			return "", fmt.Errorf("insert tag %q: %w", tag, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// Recall matches memories whose content contains any query term and ranks
// them by term overlap, newest first within equal relevance.
func (s *SQLite) Recall(ctx context.Context, query string, limit int) ([]Entry, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	clauses := make([]string, len(terms))
	args := make([]any, len(terms))
	for i, term := range terms {
		clauses[i] = `lower(content) LIKE ?`
		args[i] = "%" + term + "%"
	}
	q := `SELECT id, content, metadata, created_at FROM memories WHERE ` +
		strings.Join(clauses, " OR ") + ` ORDER BY created_at DESC`

	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		lower := strings.ToLower(e.Content)
		hits := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				hits++
			}
		}
		e.Relevance = float64(hits) / float64(len(terms))
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Relevance > entries[j].Relevance
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return s.attachTags(ctx, entries)
}

// SearchByTag returns memories carrying any of the given tags, newest first.
func (s *SQLite) SearchByTag(ctx context.Context, tags []string, limit int) ([]Entry, error) {
	tags = dedupe(tags)
	if len(tags) == 0 || limit <= 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
	args := make([]any, 0, len(tags)+1)
	for _, tag := range tags {
		args = append(args, tag)
	}
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx,
		`SELECT DISTINCT m.id, m.content, m.metadata, m.created_at
		 FROM memories m
		 JOIN memory_tags t ON t.memory_id = m.id
		 WHERE t.tag IN (`+placeholders+`)
		 ORDER BY m.created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("search by tag: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		e.Relevance = 1.0
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return s.attachTags(ctx, entries)
}

// Stats reports totals for the backend.
func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{StorageBackend: "sqlite", ServiceStatus: "ok"}
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&stats.TotalMemories); err != nil {
		return Stats{}, fmt.Errorf("count memories: %w", err)
	}
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(DISTINCT tag) FROM memory_tags`).Scan(&stats.TagsAvailable); err != nil {
		return Stats{}, fmt.Errorf("count tags: %w", err)
	}
	return stats, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var meta *string
	if err := rows.Scan(&e.ID, &e.Content, &meta, &e.Timestamp); err != nil {
		return Entry{}, fmt.Errorf("scan memory: %w", err)
	}
	if meta != nil {
		if err := json.Unmarshal([]byte(*meta), &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return e, nil
}

// attachTags fills in the tag list for each entry.
func (s *SQLite) attachTags(ctx context.Context, entries []Entry) ([]Entry, error) {
	for i := range entries {
		rows, err := s.conn.QueryContext(ctx,
			`SELECT tag FROM memory_tags WHERE memory_id = ? ORDER BY tag`, entries[i].ID)
		if err != nil {
			return nil, fmt.Errorf("load tags: %w", err)
		}
		for rows.Next() {
			var tag string
			if err := rows.Scan(&tag); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan tag: %w", err)
			}
			entries[i].Tags = append(entries[i].Tags, tag)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return entries, nil
}

func dedupe(tags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}
