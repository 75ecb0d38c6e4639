package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/sync-engine/docstore"
	"github.com/warp/sync-engine/models"
)

// ErrNotOwner is returned when a non-owner tries to flip the sharing flag.
var ErrNotOwner = errors.New("actor is not the group owner")

// ToggleSharing flips the group's sharing flag to `enabled` if the cooldown
// engine allows it.
//
// The flag flip and the counter update happen in one optimistic-concurrency
// transaction: two concurrent toggles cannot both read a stale counter and
// both succeed - one commits, the other conflicts and re-evaluates against
// the committed state.
//
// A rate-limit rejection is reported in the returned decision with err ==
// nil; errors are reserved for authorization failures and store failures.
func ToggleSharing(ctx context.Context, store docstore.Store, groupID, actorID string, enabled bool, now time.Time) (ToggleDecision, error) {
	ref, err := models.GroupRef(groupID)
	if err != nil {
		return ToggleDecision{}, err
	}

	var decision ToggleDecision
	err = store.RunTransaction(ctx, func(tx docstore.Txn) error {
		decision = ToggleDecision{}

		doc, err := tx.Get(ref)
		if err != nil {
			return fmt.Errorf("read group %s: %w", groupID, err)
		}
		var g models.Group
		if err := docstore.DataTo(doc, &g); err != nil {
			return fmt.Errorf("decode group %s: %w", groupID, err)
		}

		// Ownership is re-derived from stored state, never from a
		// caller-supplied flag.
		if !g.IsOwner(actorID) {
			return ErrNotOwner
		}

		decision = CanToggle(&g, now)
		if !decision.Allowed {
			return nil // rejection is a result, not an error; nothing to write
		}

		g.SharingEnabled = enabled
		g.LastToggleAt = now
		if decision.LogicalReset {
			g.ToggleCountToday = 1
			g.ToggleCountResetAt = now
		} else {
			g.ToggleCountToday++
		}

		updated, err := docstore.DataFrom(&g)
		if err != nil {
			return err
		}
		return tx.Set(ref, updated)
	})
	if err != nil {
		return ToggleDecision{}, err
	}

	if decision.Allowed {
		slog.Info("sharing toggled", "group_id", groupID, "enabled", enabled)
	} else {
		slog.Info("sharing toggle rejected",
			"group_id", groupID, "reason", decision.Reason, "wait_minutes", decision.WaitMinutes)
	}
	return decision, nil
}
