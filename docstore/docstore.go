/*
Package docstore defines the document-store contract the propagation system
is built on.

PURPOSE:
  Abstracts a collection/sub-collection-addressable document store so the
  domain logic never touches a concrete database. Implementations exist for
  SQLite (docstore/sqlite, production) and in-memory (docstore/memory, tests).

KEY CONCEPTS IN THIS FILE:
  - Ref: a validated document address (alternating collection/ID segments)
  - Document: schemaless document body (map[string]any), bridged to typed
    models via DataTo/DataFrom
  - Store: get/set/delete, batched multi-get, bounded batched writes,
    optimistic-concurrency transactions

IDENTIFIER VALIDATION:
  Every segment that becomes part of a document path is validated (length,
  forbidden characters) BEFORE a path is built from it. A malformed ID is
  rejected up front so it can never turn into an unintended nested write.

WRITE SEMANTICS:
  Set is an upsert. Writers that need idempotency use deterministic document
  IDs and rely on Set being safe to repeat - same key, same content, one
  stored document.

SEE ALSO:
  - docstore/sqlite/sqlite.go: production implementation
  - docstore/memory/memory.go: in-memory implementation for tests
*/
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned when a transaction's optimistic-concurrency
	// check fails: a document read inside the transaction was modified
	// before commit. Callers retry with fresh reads.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrInvalidID is returned when an identifier fails path-segment
	// validation and must not be interpolated into a document path.
	ErrInvalidID = errors.New("invalid document identifier")

	// ErrBatchTooLarge is returned when a batch exceeds MaxBatchSize.
	ErrBatchTooLarge = errors.New("write batch exceeds maximum size")
)

// MaxBatchSize is the hard cap on operations in a single write batch.
// Callers deleting whole collections chunk their work to stay under it.
const MaxBatchSize = 500

// maxIDBytes bounds the byte length of a single path segment.
const maxIDBytes = 1500

// forbiddenIDChars are characters that act as path or field-path delimiters
// in the store and therefore may never appear inside a single segment.
const forbiddenIDChars = "./[]`*"

// ValidateID reports whether id may be used as a single path segment.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty segment", ErrInvalidID)
	}
	if len(id) > maxIDBytes {
		return fmt.Errorf("%w: segment exceeds %d bytes", ErrInvalidID, maxIDBytes)
	}
	if strings.ContainsAny(id, forbiddenIDChars) {
		return fmt.Errorf("%w: segment %q contains a path-delimiting character", ErrInvalidID, id)
	}
	return nil
}

// =============================================================================
// REF - Validated document address
// =============================================================================

// Ref addresses one document as alternating collection/ID segments,
// e.g. ["groups", "g1", "changelog", "evt-123-ADDED"].
type Ref struct {
	segments []string
}

// NewRef builds a document Ref from alternating collection/ID segments.
// Segment count must be even and every segment must pass ValidateID.
func NewRef(segments ...string) (Ref, error) {
	if len(segments) == 0 || len(segments)%2 != 0 {
		return Ref{}, fmt.Errorf("%w: ref needs alternating collection/id segments, got %d", ErrInvalidID, len(segments))
	}
	for _, s := range segments {
		if err := ValidateID(s); err != nil {
			return Ref{}, err
		}
	}
	return Ref{segments: append([]string(nil), segments...)}, nil
}

// Path returns the slash-joined document path. Safe because segments are
// validated to never contain '/'.
func (r Ref) Path() string { return strings.Join(r.segments, "/") }

// Parent returns the path of the collection containing this document.
func (r Ref) Parent() string { return strings.Join(r.segments[:len(r.segments)-1], "/") }

// ID returns the final segment (the document ID).
func (r Ref) ID() string { return r.segments[len(r.segments)-1] }

// IsZero reports whether the Ref was never constructed via NewRef.
func (r Ref) IsZero() bool { return len(r.segments) == 0 }

func (r Ref) String() string { return r.Path() }

// Collection addresses a collection (odd number of segments), used by Query.
type Collection struct {
	segments []string
}

// NewCollection builds a collection address. Segment count must be odd.
func NewCollection(segments ...string) (Collection, error) {
	if len(segments)%2 != 1 {
		return Collection{}, fmt.Errorf("%w: collection needs an odd number of segments, got %d", ErrInvalidID, len(segments))
	}
	for _, s := range segments {
		if err := ValidateID(s); err != nil {
			return Collection{}, err
		}
	}
	return Collection{segments: append([]string(nil), segments...)}, nil
}

// Doc returns the Ref of a document inside this collection.
func (c Collection) Doc(id string) (Ref, error) {
	return NewRef(append(append([]string(nil), c.segments...), id)...)
}

// Path returns the slash-joined collection path.
func (c Collection) Path() string { return strings.Join(c.segments, "/") }

// =============================================================================
// DOCUMENT - Schemaless body with typed bridging
// =============================================================================

// Document is a schemaless document body.
type Document map[string]any

// DataFrom converts a typed model (with json tags) into a Document.
func DataFrom(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// DataTo decodes a Document into a typed model (with json tags).
func DataTo(doc Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// Snapshot pairs a Ref with the document found there.
type Snapshot struct {
	Ref  Ref
	Data Document
}

// =============================================================================
// WRITES
// =============================================================================

// WriteKind discriminates batched write operations.
type WriteKind int

const (
	WriteSet WriteKind = iota
	WriteDelete
)

// Write is one operation in a batch.
type Write struct {
	Kind WriteKind
	Ref  Ref
	Data Document // nil for deletes
}

// Filter is an equality predicate on a top-level document field.
type Filter struct {
	Field string
	Value any
}

// =============================================================================
// STORE - Contract every backend implements
// =============================================================================

// Txn is the handle passed to RunTransaction callbacks. Reads performed
// through it are version-tracked; writes are buffered and applied only if
// every read document is unchanged at commit.
type Txn interface {
	Get(ref Ref) (Document, error)
	Set(ref Ref, data Document) error
	Delete(ref Ref) error
}

// Store is the document-store contract.
//
// CONTRACT:
//   - Get returns ErrNotFound for missing documents.
//   - GetAll performs one batched read; missing documents yield a nil slot,
//     never an error.
//   - Set is an upsert (repeatable, idempotent for identical content).
//   - ApplyBatch applies at most MaxBatchSize writes atomically.
//   - RunTransaction retries the callback a bounded number of times on
//     ErrConflict before giving up.
type Store interface {
	Get(ctx context.Context, ref Ref) (Document, error)
	GetAll(ctx context.Context, refs []Ref) ([]Document, error)
	Set(ctx context.Context, ref Ref, data Document) error
	Delete(ctx context.Context, ref Ref) error
	Query(ctx context.Context, col Collection, filters []Filter, limit int) ([]Snapshot, error)
	ApplyBatch(ctx context.Context, writes []Write) error
	RunTransaction(ctx context.Context, fn func(tx Txn) error) error
	Close() error
}
