// Package memory provides an in-memory docstore.Store for tests and dev.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/warp/sync-engine/docstore"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// maxTxnAttempts bounds optimistic-concurrency retries in RunTransaction.
const maxTxnAttempts = 3

type record struct {
	data    docstore.Document
	version int64
}

// Store is a mutex-guarded in-memory document store with per-document
// versions, mirroring the optimistic-concurrency semantics of the SQLite
// implementation.
type Store struct {
	mu   sync.RWMutex
	docs map[string]record // keyed by Ref.Path()
}

var _ docstore.Store = (*Store)(nil)

func New() *Store {
	return &Store{docs: make(map[string]record)}
}

func (s *Store) Get(_ context.Context, ref docstore.Ref) (docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.docs[ref.Path()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, ref.Path())
	}
	return clone(rec.data), nil
}

func (s *Store) GetAll(_ context.Context, refs []docstore.Ref) ([]docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]docstore.Document, len(refs))
	for i, ref := range refs {
		if rec, ok := s.docs[ref.Path()]; ok {
			out[i] = clone(rec.data)
		}
	}
	return out, nil
}

func (s *Store) Set(_ context.Context, ref docstore.Ref, data docstore.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(ref, data)
	return nil
}

func (s *Store) Delete(_ context.Context, ref docstore.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, ref.Path())
	return nil
}

func (s *Store) Query(_ context.Context, col docstore.Collection, filters []docstore.Filter, limit int) ([]docstore.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := col.Path() + "/"
	var paths []string
	for path := range s.docs {
		// Direct children only: no further '/' after the collection prefix.
		if strings.HasPrefix(path, prefix) && !strings.Contains(path[len(prefix):], "/") {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths) // deterministic order across runs

	var out []docstore.Snapshot
	for _, path := range paths {
		rec := s.docs[path]
		if !matches(rec.data, filters) {
			continue
		}
		ref, err := docstore.NewRef(strings.Split(path, "/")...)
		if err != nil {
			return nil, err
		}
		out = append(out, docstore.Snapshot{Ref: ref, Data: clone(rec.data)})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ApplyBatch(_ context.Context, writes []docstore.Write) error {
	if len(writes) > docstore.MaxBatchSize {
		return fmt.Errorf("%w: %d > %d", docstore.ErrBatchTooLarge, len(writes), docstore.MaxBatchSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		switch w.Kind {
		case docstore.WriteSet:
			s.setLocked(w.Ref, w.Data)
		case docstore.WriteDelete:
			delete(s.docs, w.Ref.Path())
		}
	}
	return nil
}

func (s *Store) Close() error { return nil }

// =============================================================================
// TRANSACTIONS - Optimistic concurrency with bounded retries
// =============================================================================

type txn struct {
	store  *Store
	reads  map[string]int64 // path -> version observed (0 = absent)
	writes []docstore.Write
}

func (t *txn) Get(ref docstore.Ref) (docstore.Document, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	rec, ok := t.store.docs[ref.Path()]
	if !ok {
		t.reads[ref.Path()] = 0
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, ref.Path())
	}
	t.reads[ref.Path()] = rec.version
	return clone(rec.data), nil
}

func (t *txn) Set(ref docstore.Ref, data docstore.Document) error {
	t.writes = append(t.writes, docstore.Write{Kind: docstore.WriteSet, Ref: ref, Data: clone(data)})
	return nil
}

func (t *txn) Delete(ref docstore.Ref) error {
	t.writes = append(t.writes, docstore.Write{Kind: docstore.WriteDelete, Ref: ref})
	return nil
}

func (s *Store) RunTransaction(ctx context.Context, fn func(tx docstore.Txn) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		t := &txn{store: s, reads: make(map[string]int64)}
		if err := fn(t); err != nil {
			return err
		}
		if err := s.commit(t); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue // conflict, retry with fresh reads
		}
		return nil
	}
	return lastErr
}

func (s *Store) commit(t *txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for path, version := range t.reads {
		current := int64(0)
		if rec, ok := s.docs[path]; ok {
			current = rec.version
		}
		if current != version {
			return fmt.Errorf("%w: %s", docstore.ErrConflict, path)
		}
	}
	for _, w := range t.writes {
		switch w.Kind {
		case docstore.WriteSet:
			s.setLocked(w.Ref, w.Data)
		case docstore.WriteDelete:
			delete(s.docs, w.Ref.Path())
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) setLocked(ref docstore.Ref, data docstore.Document) {
	prev := s.docs[ref.Path()]
	s.docs[ref.Path()] = record{data: clone(data), version: prev.version + 1}
}

// clone deep-copies through JSON so stored documents and returned documents
// never alias, and values are normalized the same way the SQLite backend
// normalizes them (numbers as float64, etc.).
func clone(doc docstore.Document) docstore.Document {
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		// Documents come from DataFrom and are always JSON-encodable.
		panic(fmt.Sprintf("memory store: unencodable document: %v", err))
	}
	var out docstore.Document
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("memory store: undecodable document: %v", err))
	}
	return out
}

func matches(doc docstore.Document, filters []docstore.Filter) bool {
	for _, f := range filters {
		got, ok := doc[f.Field]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(got, normalize(f.Value)) {
			return false
		}
	}
	return true
}

// normalize pushes filter values through JSON so comparisons see the same
// representation the stored documents use.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
