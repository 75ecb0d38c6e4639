package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChangeType classifies a changelog event.
type ChangeType string

const (
	ChangeAdded   ChangeType = "ADDED"
	ChangeRemoved ChangeType = "REMOVED"
)

// Entry is one membership-visible transaction event within a group,
// stored under groups/{groupId}/changelog/.
//
// INVARIANT: ID is a pure function of (eventID, changeType), so redelivery
// of the same upstream event writes the same document again instead of
// producing a duplicate. Entries are never mutated after creation and are
// deleted only by the group deletion cascade.
//
// The snapshot carries sync-relevant summary fields only. Attachment and
// image URL fields are excluded by policy; downstream readers treat their
// absence as "not shared", not as an error.
type Entry struct {
	ID            string     `json:"id"`
	Type          ChangeType `json:"type"`
	ActorID       string     `json:"actorId"`
	TransactionID string     `json:"transactionId"`

	Merchant string          `json:"merchant"`
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	Date     time.Time       `json:"date"`

	CreatedAt time.Time `json:"createdAt"`
}

// EntryID derives the deterministic changelog document ID for an upstream
// event and change type.
func EntryID(eventID string, t ChangeType) string {
	return eventID + "-" + string(t)
}
