package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a user-owned expense record. It is created and mutated by
// its owner only; every persisted mutation is logically diffed to derive
// changelog events for the referenced group.
type Transaction struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`

	Merchant    string `json:"merchant,omitempty"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`

	// Amount uses decimal arithmetic; money never goes through floats.
	Amount decimal.Decimal `json:"amount"`

	Date time.Time `json:"date"`

	// SharedGroupID is the optional group this transaction is shared with.
	// Empty means not shared. A change from group A to group B is the
	// "move" case and yields two independently gated changelog events.
	SharedGroupID string `json:"sharedGroupId,omitempty"`

	// ReceiptURL may point at an uploaded receipt image. It is NEVER
	// propagated into changelog entries: receipts can contain personal
	// data, so only sync-relevant summary fields travel.
	ReceiptURL string `json:"receiptUrl,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// SharedGroupField is the stored field name carrying the group back-reference,
// used for equality queries and for clearing back-references on cascade.
const SharedGroupField = "sharedGroupId"

// OwnerField is the stored field name carrying the owning user.
const OwnerField = "ownerId"
