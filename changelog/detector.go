/*
Package changelog converts per-user transaction mutations into an
idempotent, membership-gated event log that other group members replay.

PIPELINE:
  mutation -> Detect (classify into 0..2 events)
           -> membership gate per target group (fail-closed)
           -> Sanitize free-text snapshot fields
           -> persist entry under deterministic key {eventId}-{changeType}

The deterministic key makes redelivery safe: the write is an unconditional
set, so an at-least-once upstream can redeliver the same mutation without
producing duplicates or double effects.

SEE ALSO:
  - writer.go: orchestration and write strategies
  - members.go: fail-closed membership validation
  - sanitize.go: free-text field policy
*/
package changelog

import "github.com/warp/sync-engine/models"

// Change is one candidate changelog event derived from a mutation.
type Change struct {
	GroupID       string
	Type          models.ChangeType
	TransactionID string
}

// Detect classifies a transaction mutation into zero, one, or two changes.
// Pure function; never fails.
//
//	nil   -> shared(G):        ADDED to G
//	shared(G) -> nil:          REMOVED from G
//	shared(G) -> unshared:     REMOVED from G
//	unshared  -> shared(G):    ADDED to G
//	shared(A) -> shared(B):    REMOVED from A, ADDED to B (two independent
//	                           events, each gated on its own membership)
//	no group change:           nothing
func Detect(before, after *models.Transaction) []Change {
	var prevGroup, newGroup string
	if before != nil {
		prevGroup = before.SharedGroupID
	}
	if after != nil {
		newGroup = after.SharedGroupID
	}

	if prevGroup == newGroup {
		return nil
	}

	var changes []Change
	if prevGroup != "" {
		changes = append(changes, Change{
			GroupID:       prevGroup,
			Type:          models.ChangeRemoved,
			TransactionID: before.ID,
		})
	}
	if newGroup != "" {
		changes = append(changes, Change{
			GroupID:       newGroup,
			Type:          models.ChangeAdded,
			TransactionID: after.ID,
		})
	}
	return changes
}
