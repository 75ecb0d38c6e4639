package changelog

import (
	"context"
	"errors"
	"log/slog"

	"github.com/warp/sync-engine/docstore"
	"github.com/warp/sync-engine/models"
)

// Members answers membership questions against stored group state.
//
// FAIL-CLOSED CONTRACT: absence of proof of membership is non-membership.
// A missing group, an unreadable group document, or a malformed group
// identifier all answer false; these methods never return an error to the
// caller, because the caller's correct reaction to "can't prove it" and
// "proved it false" is the same - don't write.
type Members struct {
	store docstore.Store
}

// NewMembers creates a validator over the given store.
func NewMembers(store docstore.Store) *Members {
	return &Members{store: store}
}

// IsMember reports whether actorID currently belongs to groupID.
func (m *Members) IsMember(ctx context.Context, groupID, actorID string) bool {
	ref, err := models.GroupRef(groupID)
	if err != nil {
		slog.Warn("membership check rejected malformed group id", "group_id", groupID)
		return false
	}

	doc, err := m.store.Get(ctx, ref)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			slog.Warn("membership read failed, failing closed", "group_id", groupID, "error", err)
		}
		return false
	}

	var group models.Group
	if err := docstore.DataTo(doc, &group); err != nil {
		slog.Warn("group document undecodable, failing closed", "group_id", groupID, "error", err)
		return false
	}
	return group.HasMember(actorID)
}

// AreMembers validates membership for several groups with one batched
// multi-document read instead of N sequential reads. Group IDs failing
// identifier validation are marked false without a read path ever being
// built from them. Semantics per group are identical to IsMember.
func (m *Members) AreMembers(ctx context.Context, actorID string, groupIDs []string) map[string]bool {
	result := make(map[string]bool, len(groupIDs))

	var refs []docstore.Ref
	var valid []string
	for _, id := range groupIDs {
		if _, seen := result[id]; seen {
			continue
		}
		result[id] = false
		ref, err := models.GroupRef(id)
		if err != nil {
			slog.Warn("membership check rejected malformed group id", "group_id", id)
			continue
		}
		refs = append(refs, ref)
		valid = append(valid, id)
	}
	if len(refs) == 0 {
		return result
	}

	docs, err := m.store.GetAll(ctx, refs)
	if err != nil {
		slog.Warn("batched membership read failed, failing closed", "groups", len(refs), "error", err)
		return result
	}

	for i, doc := range docs {
		if doc == nil {
			continue // group does not exist
		}
		var group models.Group
		if err := docstore.DataTo(doc, &group); err != nil {
			slog.Warn("group document undecodable, failing closed", "group_id", valid[i], "error", err)
			continue
		}
		result[valid[i]] = group.HasMember(actorID)
	}
	return result
}
