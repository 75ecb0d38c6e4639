/*
Package sqlite provides a SQLite-backed implementation of docstore.Store.

PURPOSE:
  Implements the document-store contract on a single `documents` table.
  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences (json_extract vs. jsonb operators).

SCHEMA:
  documents(path PRIMARY KEY, parent, data JSON, version, updated_at)

  - path:    full document path ("groups/g1/changelog/evt-1-ADDED")
  - parent:  collection path, indexed, drives Query and collection drains
  - version: monotonically increasing per document, drives the
             optimistic-concurrency check in RunTransaction

CONCURRENCY:
  Uses sync.RWMutex for in-process thread-safety plus WAL mode for better
  reader/writer behavior. Cross-process conflicts are handled by the
  version check inside BEGIN IMMEDIATE, not by locks held across calls:
  a transaction either commits or the caller retries with fresh reads.

QUERIES:
  Equality filters use json_extract with the JSON path passed as a bound
  parameter; field names are validated before any SQL is built.

USAGE:
  store, err := sqlite.New("./data/sync.db")
  if err != nil { ... }
  defer store.Close()

SEE ALSO:
  - docstore/docstore.go: contract definitions
  - docstore/memory/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/sync-engine/docstore"
)

// maxTxnAttempts bounds optimistic-concurrency retries in RunTransaction.
const maxTxnAttempts = 3

// Store implements docstore.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ docstore.Store = (*Store)(nil)

// New creates a new SQLite store at the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		path TEXT PRIMARY KEY,
		parent TEXT NOT NULL,
		data TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	-- Collection scans (Query, cascade drains)
	CREATE INDEX IF NOT EXISTS idx_documents_parent
		ON documents(parent);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) Get(ctx context.Context, ref docstore.Ref) (docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM documents WHERE path = ?", ref.Path(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, ref.Path())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", ref.Path(), err)
	}
	return decodeDoc(raw)
}

// GetAll performs a single multi-document read. Missing documents yield a
// nil slot in the result, matching the position of their ref.
func (s *Store) GetAll(ctx context.Context, refs []docstore.Ref) ([]docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]docstore.Document, len(refs))
	if len(refs) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(refs))
	args := make([]any, len(refs))
	index := make(map[string][]int, len(refs))
	for i, ref := range refs {
		placeholders[i] = "?"
		args[i] = ref.Path()
		index[ref.Path()] = append(index[ref.Path()], i)
	}

	query := "SELECT path, data FROM documents WHERE path IN (" + strings.Join(placeholders, ",") + ")"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch-read documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path, raw string
		if err := rows.Scan(&path, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc, err := decodeDoc(raw)
		if err != nil {
			return nil, err
		}
		for _, i := range index[path] {
			out[i] = doc
		}
	}
	return out, rows.Err()
}

// Query returns direct children of a collection matching every equality
// filter, in deterministic (path) order.
func (s *Store) Query(ctx context.Context, col docstore.Collection, filters []docstore.Filter, limit int) ([]docstore.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT path, data FROM documents WHERE parent = ?"
	args := []any{col.Path()}
	for _, f := range filters {
		if err := validateField(f.Field); err != nil {
			return nil, err
		}
		query += " AND json_extract(data, ?) = ?"
		args = append(args, "$."+f.Field, filterArg(f.Value))
	}
	query += " ORDER BY path ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", col.Path(), err)
	}
	defer rows.Close()

	var out []docstore.Snapshot
	for rows.Next() {
		var path, raw string
		if err := rows.Scan(&path, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc, err := decodeDoc(raw)
		if err != nil {
			return nil, err
		}
		ref, err := docstore.NewRef(strings.Split(path, "/")...)
		if err != nil {
			return nil, err
		}
		out = append(out, docstore.Snapshot{Ref: ref, Data: doc})
	}
	return out, rows.Err()
}

// =============================================================================
// WRITES
// =============================================================================

func (s *Store) Set(ctx context.Context, ref docstore.Ref, data docstore.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsert(ctx, s.db, ref, data)
}

func (s *Store) Delete(ctx context.Context, ref docstore.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE path = ?", ref.Path()); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", ref.Path(), err)
	}
	return nil
}

// ApplyBatch applies up to MaxBatchSize writes atomically.
func (s *Store) ApplyBatch(ctx context.Context, writes []docstore.Write) error {
	if len(writes) > docstore.MaxBatchSize {
		return fmt.Errorf("%w: %d > %d", docstore.ErrBatchTooLarge, len(writes), docstore.MaxBatchSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer sqlTx.Rollback()

	for _, w := range writes {
		switch w.Kind {
		case docstore.WriteSet:
			if err := upsert(ctx, sqlTx, w.Ref, w.Data); err != nil {
				return err
			}
		case docstore.WriteDelete:
			if _, err := sqlTx.ExecContext(ctx, "DELETE FROM documents WHERE path = ?", w.Ref.Path()); err != nil {
				return fmt.Errorf("failed to delete document %s: %w", w.Ref.Path(), err)
			}
		}
	}
	return sqlTx.Commit()
}

// =============================================================================
// TRANSACTIONS - Optimistic concurrency with bounded retries
// =============================================================================

type txn struct {
	store  *Store
	ctx    context.Context
	reads  map[string]int64 // path -> version observed (0 = absent)
	writes []docstore.Write
}

func (t *txn) Get(ref docstore.Ref) (docstore.Document, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	var raw string
	var version int64
	err := t.store.db.QueryRowContext(t.ctx,
		"SELECT data, version FROM documents WHERE path = ?", ref.Path(),
	).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		t.reads[ref.Path()] = 0
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, ref.Path())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", ref.Path(), err)
	}
	t.reads[ref.Path()] = version
	return decodeDoc(raw)
}

func (t *txn) Set(ref docstore.Ref, data docstore.Document) error {
	t.writes = append(t.writes, docstore.Write{Kind: docstore.WriteSet, Ref: ref, Data: data})
	return nil
}

func (t *txn) Delete(ref docstore.Ref) error {
	t.writes = append(t.writes, docstore.Write{Kind: docstore.WriteDelete, Ref: ref})
	return nil
}

// RunTransaction executes fn, then commits its buffered writes only if every
// document read by fn is unchanged at commit time. On conflict it retries fn
// with fresh reads, up to maxTxnAttempts.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx docstore.Txn) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		t := &txn{store: s, ctx: ctx, reads: make(map[string]int64)}
		if err := fn(t); err != nil {
			return err
		}
		err := s.commit(ctx, t)
		if err == nil {
			return nil
		}
		if !errors.Is(err, docstore.ErrConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (s *Store) commit(ctx context.Context, t *txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	// Verify every read document is unchanged.
	for path, observed := range t.reads {
		var current int64
		err := sqlTx.QueryRowContext(ctx,
			"SELECT version FROM documents WHERE path = ?", path,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			current = 0
		} else if err != nil {
			return fmt.Errorf("failed to verify document %s: %w", path, err)
		}
		if current != observed {
			return fmt.Errorf("%w: %s", docstore.ErrConflict, path)
		}
	}

	for _, w := range t.writes {
		switch w.Kind {
		case docstore.WriteSet:
			if err := upsert(ctx, sqlTx, w.Ref, w.Data); err != nil {
				return err
			}
		case docstore.WriteDelete:
			if _, err := sqlTx.ExecContext(ctx, "DELETE FROM documents WHERE path = ?", w.Ref.Path()); err != nil {
				return fmt.Errorf("failed to delete document %s: %w", w.Ref.Path(), err)
			}
		}
	}
	return sqlTx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, ref docstore.Ref, data docstore.Document) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", ref.Path(), err)
	}

	query := `
		INSERT INTO documents (path, parent, data, version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(path) DO UPDATE SET
			data = excluded.data,
			version = documents.version + 1,
			updated_at = excluded.updated_at
	`
	if _, err := db.ExecContext(ctx, query,
		ref.Path(), ref.Parent(), string(raw), time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("failed to write document %s: %w", ref.Path(), err)
	}
	return nil
}

func decodeDoc(raw string) (docstore.Document, error) {
	var doc docstore.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// validateField rejects filter fields that could escape a JSON path.
func validateField(field string) error {
	if field == "" {
		return fmt.Errorf("%w: empty filter field", docstore.ErrInvalidID)
	}
	for _, r := range field {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return fmt.Errorf("%w: filter field %q", docstore.ErrInvalidID, field)
		}
	}
	return nil
}

// filterArg converts a filter value into a comparable SQL argument.
// json_extract returns plain SQL values for scalars, so strings, numbers
// and booleans compare directly; booleans surface as 0/1.
func filterArg(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case nil:
		return nil
	default:
		return val
	}
}
