/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for the HTTP surface. Request types are pure data
  carriers; validation happens in handlers.

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/sync-engine/models"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// EventRequest is an upstream mutation delivery: the prior and new state of
// one transaction plus a globally unique, redelivery-stable event ID.
type EventRequest struct {
	EventID string              `json:"eventId"`
	Before  *models.Transaction `json:"before"`
	After   *models.Transaction `json:"after"`
}

// TransactionRequest creates or updates a transaction.
type TransactionRequest struct {
	Merchant      string          `json:"merchant"`
	Category      string          `json:"category"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	Date          time.Time       `json:"date"`
	SharedGroupID string          `json:"sharedGroupId"`
	ReceiptURL    string          `json:"receiptUrl"`
}

// CreateGroupRequest creates a shared group owned by the acting user.
type CreateGroupRequest struct {
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

// ToggleSharingRequest flips the group's sharing flag.
type ToggleSharingRequest struct {
	Enabled bool `json:"enabled"`
}

// InviteRequest invites an email address into a group.
type InviteRequest struct {
	Email string `json:"email"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// EventResponse acknowledges a processed mutation event.
type EventResponse struct {
	EntriesWritten int `json:"entriesWritten"`
}

// ToggleSharingResponse reports the outcome of a toggle attempt.
// Rate-limit rejections carry a reason, the concrete wait time where
// applicable, and an actionable message.
type ToggleSharingResponse struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Reason      string `json:"reason,omitempty"`
	WaitMinutes int    `json:"waitMinutes,omitempty"`
	Message     string `json:"message,omitempty"`
}

// ChangelogResponse lists a group's changelog entries for replay.
type ChangelogResponse struct {
	Entries []models.Entry `json:"entries"`
}

// ErrorResponse is the uniform error body. Internal failures carry a
// generic retry-suggested message, never raw lower-level error text.
type ErrorResponse struct {
	Error string `json:"error"`
}
