/*
Package group implements group-level operations: the sharing-toggle
cooldown engine and the cascading group deletion lifecycle.

COOLDOWN MODEL:
  Two independent limits protect the sharing flag:
  - a rolling 15-minute cooldown between toggles
  - a daily cap of 3 toggles, reset at local midnight in the group's
    IANA timezone

  The daily counter uses a LOGICAL reset: once "now" has crossed into a
  new calendar day relative to ToggleCountResetAt, the stored counter is
  treated as zero. It is only physically rewritten on the next successful
  toggle, so a pure read never needs a write.

SEE ALSO:
  - toggle.go: transactional application of an allowed toggle
  - lifecycle.go: cascading deletion
*/
package group

import (
	"math"
	"time"

	"github.com/warp/sync-engine/models"
)

const (
	// CooldownWindow is the minimum time between two sharing toggles.
	CooldownWindow = 15 * time.Minute

	// DailyToggleLimit caps sharing toggles per local calendar day.
	DailyToggleLimit = 3
)

// DenyReason says why a toggle was rejected.
type DenyReason string

const (
	DenyCooldown   DenyReason = "cooldown"
	DenyDailyLimit DenyReason = "daily_limit"
)

// ToggleDecision is the structured outcome of a toggle evaluation.
// A rejection is a retryable-later result, never a fatal error.
type ToggleDecision struct {
	Allowed     bool
	Reason      DenyReason // set when !Allowed
	WaitMinutes int        // set for cooldown rejections

	// LogicalReset records that the daily counter was treated as zero for
	// this evaluation; the next successful toggle rewrites it.
	LogicalReset bool
}

// CanToggle decides whether the sharing flag may be flipped at `now`.
// Pure function over the group's stored rate-limit state.
//
// Rules, in order: logical daily reset, cooldown window, daily limit.
func CanToggle(g *models.Group, now time.Time) ToggleDecision {
	reset := logicalResetDue(g, now)
	count := g.ToggleCountToday
	if reset {
		count = 0
	}

	if !g.LastToggleAt.IsZero() {
		if elapsed := now.Sub(g.LastToggleAt); elapsed < CooldownWindow {
			wait := int(math.Ceil((CooldownWindow - elapsed).Minutes()))
			return ToggleDecision{Reason: DenyCooldown, WaitMinutes: wait, LogicalReset: reset}
		}
	}

	if count >= DailyToggleLimit {
		return ToggleDecision{Reason: DenyDailyLimit, LogicalReset: reset}
	}

	return ToggleDecision{Allowed: true, LogicalReset: reset}
}

// logicalResetDue reports whether ToggleCountResetAt lies before the start
// of the current calendar day in the group's timezone.
func logicalResetDue(g *models.Group, now time.Time) bool {
	if g.ToggleCountResetAt.IsZero() {
		return true
	}
	loc := g.Location()
	local := now.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return g.ToggleCountResetAt.Before(dayStart)
}
