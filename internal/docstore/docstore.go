// Package docstore keeps a SQLite registry of ingested source documents.
//
// The registry records, per document, the hash of the ingested text, its
// category, how many chunks it produced and which embedding model version
// embedded them. Ingestion consults it to skip unchanged documents and to
// find the index holding a document's records.
package docstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// CurrentSchemaVersion is the version of the registry schema.
const CurrentSchemaVersion = 1

// ErrNotFound is returned for unknown document IDs.
var ErrNotFound = errors.New("document not found")

// Document is one registry entry.
type Document struct {
	ID           string
	ContentHash  string
	Category     string
	Chunks       int
	Bytes        int64
	ModelVersion string
	IngestedAt   time.Time
}

// ContentHash returns the hex SHA-256 of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Store is the document registry. It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the registry at path. An empty path opens a
// private in-memory registry.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	if path == "" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping registry: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate registry: %w", err)
	}
	return s, nil
}

// Path returns the database path, or "" for an in-memory registry.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check schema_version table: %w", err)
	}

	version := 0
	if exists > 0 {
		err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to get schema version: %w", err)
		}
	}
	if version >= CurrentSchemaVersion {
		return nil
	}

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		CurrentSchemaVersion, formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return tx.Commit()
}

// Get returns the entry for id.
func (s *Store) Get(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content_hash, category, chunks, bytes, model_version, ingested_at
		FROM documents WHERE id = ?`, id)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return doc, nil
}

// Put inserts or replaces the entry for doc.ID.
func (s *Store) Put(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return errors.New("document id is required")
	}
	if doc.IngestedAt.IsZero() {
		doc.IngestedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, content_hash, category, chunks, bytes, model_version, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content_hash = excluded.content_hash,
			category = excluded.category,
			chunks = excluded.chunks,
			bytes = excluded.bytes,
			model_version = excluded.model_version,
			ingested_at = excluded.ingested_at`,
		doc.ID, doc.ContentHash, doc.Category, doc.Chunks, doc.Bytes, doc.ModelVersion, formatTime(doc.IngestedAt))
	if err != nil {
		return fmt.Errorf("failed to put document %s: %w", doc.ID, err)
	}
	return nil
}

// Delete removes the entry for id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PruneModelVersions removes every entry not embedded by keep and returns
// how many were removed.
func (s *Store) PruneModelVersions(ctx context.Context, keep string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE model_version <> ?", keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune model versions: %w", err)
	}
	return res.RowsAffected()
}

// CountStale returns the number of entries not embedded by version.
func (s *Store) CountStale(ctx context.Context, version string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE model_version <> ?", version,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale documents: %w", err)
	}
	return n, nil
}

// Filter selects entries in List. Empty fields match everything.
type Filter struct {
	Category     string
	ModelVersion string
}

// List returns matching entries ordered by ID.
func (s *Store) List(ctx context.Context, f Filter) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_hash, category, chunks, bytes, model_version, ingested_at
		FROM documents
		WHERE (? = '' OR category = ?) AND (? = '' OR model_version = ?)
		ORDER BY id`,
		f.Category, f.Category, f.ModelVersion, f.ModelVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Stats summarizes the registry.
type Stats struct {
	Documents int
	Chunks    int
	Bytes     int64
}

// Stats returns totals over all entries.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(chunks), 0), COALESCE(SUM(bytes), 0) FROM documents",
	).Scan(&st.Documents, &st.Chunks, &st.Bytes)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get registry stats: %w", err)
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(sc scanner) (Document, error) {
	var (
		doc Document
		ts  string
	)
	if err := sc.Scan(&doc.ID, &doc.ContentHash, &doc.Category, &doc.Chunks, &doc.Bytes, &doc.ModelVersion, &ts); err != nil {
		return Document{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Document{}, fmt.Errorf("failed to parse ingested_at: %w", err)
	}
	doc.IngestedAt = t
	return doc, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
