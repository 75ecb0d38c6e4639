/*
lifecycle.go - Cascading group deletion

PURPOSE:
  Deletes a shared group and all its dependent state across collections:
  transaction back-references, the changelog and analytics sub-collections,
  pending invitations, and finally the group document itself.

SOFT ATOMICITY:
  Phases 1-4 are individually retryable and order-independent. A partial
  failure leaves orphaned sub-collection documents that become unreachable
  once the group document is gone - harmless garbage, never corrupted live
  data. Only phase 5 (the group document) is strict: it runs inside a
  transaction that re-checks the actor's authorization at the moment of
  deletion and fails loudly with ErrAuthorizationRevoked if it changed
  since the cascade began.

  The phases are modeled as an explicit list, not one try/catch block, so
  an interrupted cascade is representable: rerunning the operation resumes
  cleanly because every phase is idempotent.

BATCHING:
  Every bulk phase works in bounded batches (<= docstore.MaxBatchSize) to
  stay under single-request operation limits.
*/
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/warp/sync-engine/docstore"
	"github.com/warp/sync-engine/models"
)

var (
	// ErrNotAuthorized is returned when the actor fails the up-front
	// ownership or sole-membership check.
	ErrNotAuthorized = errors.New("actor is not authorized to delete this group")

	// ErrAuthorizationRevoked is returned when the final deletion step
	// finds the actor no longer authorized (or the group already gone)
	// despite having passed the check when the cascade began. The caller
	// must restart the whole lifecycle operation from fresh state.
	ErrAuthorizationRevoked = errors.New("authorization revoked before final deletion")
)

// Manager orchestrates cascading group deletion.
type Manager struct {
	store     docstore.Store
	batchSize int
}

// NewManager creates a lifecycle manager over the given store.
func NewManager(store docstore.Store) *Manager {
	return &Manager{store: store, batchSize: docstore.MaxBatchSize}
}

// DeleteAsOwner deletes the group on behalf of its owner.
// Ownership is re-validated from stored state before anything runs, and
// again inside the final deletion transaction.
func (m *Manager) DeleteAsOwner(ctx context.Context, groupID, actorID string) error {
	return m.cascade(ctx, groupID, func(g *models.Group) bool {
		return g.IsOwner(actorID)
	})
}

// DeleteAsLastMember deletes the group when the actor is the sole remaining
// member. A group whose member set would reach zero is invalid, so the last
// member leaving tears the whole group down.
func (m *Manager) DeleteAsLastMember(ctx context.Context, groupID, actorID string) error {
	return m.cascade(ctx, groupID, func(g *models.Group) bool {
		return g.IsSoleMember(actorID)
	})
}

// phase is one retryable step of the cascade.
type phase struct {
	name string
	run  func(ctx context.Context) error
}

func (m *Manager) cascade(ctx context.Context, groupID string, authorized func(*models.Group) bool) error {
	groupRef, err := models.GroupRef(groupID)
	if err != nil {
		return err
	}

	// Up-front authorization from stored state, not a caller-supplied flag.
	doc, err := m.store.Get(ctx, groupRef)
	if err != nil {
		return fmt.Errorf("read group %s: %w", groupID, err)
	}
	var g models.Group
	if err := docstore.DataTo(doc, &g); err != nil {
		return fmt.Errorf("decode group %s: %w", groupID, err)
	}
	if !authorized(&g) {
		return ErrNotAuthorized
	}

	phases := []phase{
		{"clear transaction back-references", func(ctx context.Context) error {
			return m.clearBackRefs(ctx, &g)
		}},
		{"drain changelog", func(ctx context.Context) error {
			col, err := models.ChangelogCol(groupID)
			if err != nil {
				return err
			}
			return m.drainCollection(ctx, col, nil)
		}},
		{"drain analytics", func(ctx context.Context) error {
			col, err := models.AnalyticsCol(groupID)
			if err != nil {
				return err
			}
			return m.drainCollection(ctx, col, nil)
		}},
		{"delete pending invitations", func(ctx context.Context) error {
			return m.drainCollection(ctx, models.InvitationsCol(),
				[]docstore.Filter{{Field: "groupId", Value: groupID}})
		}},
	}

	for _, p := range phases {
		if err := p.run(ctx); err != nil {
			return fmt.Errorf("cascade phase %q: %w", p.name, err)
		}
		slog.Info("cascade phase complete", "group_id", groupID, "phase", p.name)
	}

	// Phase 5: the only strictly atomic step. Re-check authorization at
	// the moment of deletion to close the check-then-act gap for this
	// final, irreversible write.
	err = m.store.RunTransaction(ctx, func(tx docstore.Txn) error {
		doc, err := tx.Get(groupRef)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return ErrAuthorizationRevoked
			}
			return err
		}
		var current models.Group
		if err := docstore.DataTo(doc, &current); err != nil {
			return fmt.Errorf("decode group %s: %w", groupID, err)
		}
		if !authorized(&current) {
			return ErrAuthorizationRevoked
		}
		return tx.Delete(groupRef)
	})
	if err != nil {
		return err
	}

	slog.Info("group deleted", "group_id", groupID)
	return nil
}

// clearBackRefs removes the sharedGroupId back-reference from every
// transaction of every member that still points at this group.
// N member queries, batched field-clearing writes.
func (m *Manager) clearBackRefs(ctx context.Context, g *models.Group) error {
	col := models.TransactionsCol()
	for _, memberID := range g.MemberIDs {
		filters := []docstore.Filter{
			{Field: models.OwnerField, Value: memberID},
			{Field: models.SharedGroupField, Value: g.ID},
		}
		for {
			snaps, err := m.store.Query(ctx, col, filters, m.batchSize)
			if err != nil {
				return fmt.Errorf("query transactions of %s: %w", memberID, err)
			}
			if len(snaps) == 0 {
				break
			}
			writes := make([]docstore.Write, 0, len(snaps))
			for _, snap := range snaps {
				delete(snap.Data, models.SharedGroupField)
				writes = append(writes, docstore.Write{Kind: docstore.WriteSet, Ref: snap.Ref, Data: snap.Data})
			}
			if err := m.store.ApplyBatch(ctx, writes); err != nil {
				return fmt.Errorf("clear back-references for %s: %w", memberID, err)
			}
			if len(snaps) < m.batchSize {
				break
			}
		}
	}
	return nil
}

// drainCollection deletes every matching document in a collection in
// bounded batches until none remain.
func (m *Manager) drainCollection(ctx context.Context, col docstore.Collection, filters []docstore.Filter) error {
	for {
		snaps, err := m.store.Query(ctx, col, filters, m.batchSize)
		if err != nil {
			return fmt.Errorf("query %s: %w", col.Path(), err)
		}
		if len(snaps) == 0 {
			return nil
		}
		writes := make([]docstore.Write, 0, len(snaps))
		for _, snap := range snaps {
			writes = append(writes, docstore.Write{Kind: docstore.WriteDelete, Ref: snap.Ref})
		}
		if err := m.store.ApplyBatch(ctx, writes); err != nil {
			return fmt.Errorf("delete from %s: %w", col.Path(), err)
		}
		if len(snaps) < m.batchSize {
			return nil
		}
	}
}
