/*
writer.go - Changelog write orchestration

PURPOSE:
  Turns an upstream transaction mutation into zero, one, or two persisted
  changelog entries: detect, gate on membership, sanitize, write under a
  deterministic key.

IDEMPOTENCY:
  The write target is {eventId}-{changeType} and the write is an
  unconditional set. Redelivering the same upstream event overwrites the
  entry with identical content - no duplicate key error, no double effect.

FAILURE SEMANTICS:
  - Validation rejection (non-member, malformed group id): silent no-op.
    Non-members simply don't get an entry; that is not an error.
  - Persistence failure: propagated to the caller so the upstream
    at-least-once delivery mechanism retries the whole mutation.

KNOWN RACE WINDOW:
  With StrategyFastPath, membership is checked and the entry is written
  later; the two are not one atomic read-then-write. A member removed in
  between can still inject one trailing entry for their own transaction.
  This is an accepted risk by default. StrategyTransactional closes the
  window by wrapping re-read, re-check, and write in a single
  optimistic-concurrency transaction per group.

SEE ALSO:
  - detector.go: mutation classification
  - members.go: fail-closed membership gate
*/
package changelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/sync-engine/docstore"
	"github.com/warp/sync-engine/models"
)

// Strategy selects how the membership-check-then-write window is handled.
type Strategy int

const (
	// StrategyFastPath gates all target groups with one batched read, then
	// writes plain sets. Default; accepts the documented race window.
	StrategyFastPath Strategy = iota

	// StrategyTransactional re-reads the group and re-checks membership in
	// the same transaction that writes the entry.
	StrategyTransactional
)

// Writer persists membership-gated changelog entries.
type Writer struct {
	store    docstore.Store
	members  *Members
	strategy Strategy
}

// NewWriter creates a Writer over the given store.
func NewWriter(store docstore.Store, strategy Strategy) *Writer {
	return &Writer{store: store, members: NewMembers(store), strategy: strategy}
}

// ProcessMutation handles one upstream mutation event. eventID must be
// globally unique and stable across redelivery attempts. Returns how many
// entries were written; gated-out events reduce the count silently.
func (w *Writer) ProcessMutation(ctx context.Context, eventID, actorID string, before, after *models.Transaction) (int, error) {
	changes := Detect(before, after)
	if len(changes) == 0 {
		return 0, nil
	}

	// The event ID becomes part of the entry document ID, so it has to be
	// a valid path segment before any key is built from it.
	if err := docstore.ValidateID(eventID); err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}

	switch w.strategy {
	case StrategyTransactional:
		return w.writeTransactional(ctx, eventID, actorID, before, after, changes)
	default:
		return w.writeFastPath(ctx, eventID, actorID, before, after, changes)
	}
}

// writeFastPath validates every target group via one batched read, then
// writes entries for the groups where validation succeeded. For a move this
// is the "both groups gated together" path: member of neither means zero
// writes and success.
func (w *Writer) writeFastPath(ctx context.Context, eventID, actorID string, before, after *models.Transaction, changes []Change) (int, error) {
	groupIDs := make([]string, len(changes))
	for i, c := range changes {
		groupIDs[i] = c.GroupID
	}
	allowed := w.members.AreMembers(ctx, actorID, groupIDs)

	written := 0
	for _, c := range changes {
		if !allowed[c.GroupID] {
			slog.Debug("changelog event gated out",
				"event_id", eventID, "group_id", c.GroupID, "type", c.Type)
			continue
		}
		entry := buildEntry(eventID, actorID, c, snapshotSource(c, before, after))
		ref, err := models.EntryRef(c.GroupID, entry.ID)
		if err != nil {
			// Group ID already passed validation inside AreMembers.
			return written, err
		}
		doc, err := docstore.DataFrom(entry)
		if err != nil {
			return written, err
		}
		if err := w.store.Set(ctx, ref, doc); err != nil {
			return written, fmt.Errorf("write changelog entry %s: %w", ref.Path(), err)
		}
		written++
	}
	return written, nil
}

// writeTransactional gates and writes each event inside its own
// optimistic-concurrency transaction: read group, re-check membership,
// write entry. Membership lost between transactions still gates only the
// group it belongs to - a move stays two independent events.
func (w *Writer) writeTransactional(ctx context.Context, eventID, actorID string, before, after *models.Transaction, changes []Change) (int, error) {
	written := 0
	for _, c := range changes {
		groupRef, err := models.GroupRef(c.GroupID)
		if err != nil {
			slog.Warn("changelog event rejected malformed group id", "event_id", eventID, "group_id", c.GroupID)
			continue
		}
		entry := buildEntry(eventID, actorID, c, snapshotSource(c, before, after))
		entryRef, err := models.EntryRef(c.GroupID, entry.ID)
		if err != nil {
			continue
		}
		doc, err := docstore.DataFrom(entry)
		if err != nil {
			return written, err
		}

		wrote := false
		err = w.store.RunTransaction(ctx, func(tx docstore.Txn) error {
			wrote = false
			groupDoc, err := tx.Get(groupRef)
			if err != nil {
				if errors.Is(err, docstore.ErrNotFound) {
					return nil // group gone: gate out, not an error
				}
				return err
			}
			var group models.Group
			if err := docstore.DataTo(groupDoc, &group); err != nil {
				return nil // fail closed
			}
			if !group.HasMember(actorID) {
				return nil
			}
			wrote = true
			return tx.Set(entryRef, doc)
		})
		if err != nil {
			return written, fmt.Errorf("write changelog entry %s: %w", entryRef.Path(), err)
		}
		if wrote {
			written++
		}
	}
	return written, nil
}

// snapshotSource picks which side of the mutation the entry snapshot comes
// from: the new state for ADDED, the prior state for REMOVED.
func snapshotSource(c Change, before, after *models.Transaction) *models.Transaction {
	if c.Type == models.ChangeAdded {
		return after
	}
	return before
}

// buildEntry assembles a sanitized changelog entry. Attachment fields
// (receipt URLs) are deliberately absent from the snapshot.
func buildEntry(eventID, actorID string, c Change, src *models.Transaction) models.Entry {
	entry := models.Entry{
		ID:            models.EntryID(eventID, c.Type),
		Type:          c.Type,
		ActorID:       actorID,
		TransactionID: c.TransactionID,
		CreatedAt:     time.Now().UTC(),
	}
	if src != nil {
		entry.Merchant = Sanitize(src.Merchant, MaxMerchantLen, FallbackMerchant)
		entry.Category = Sanitize(src.Category, MaxCategoryLen, FallbackCategory)
		entry.Amount = src.Amount
		entry.Date = src.Date
	}
	return entry
}
