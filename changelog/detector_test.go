package changelog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/sync-engine/changelog"
	"github.com/warp/sync-engine/models"
)

func sharedTx(id, groupID string) *models.Transaction {
	return &models.Transaction{ID: id, OwnerID: "user-1", SharedGroupID: groupID}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name   string
		before *models.Transaction
		after  *models.Transaction
		want   []changelog.Change
	}{
		{
			name:   "created shared",
			before: nil,
			after:  sharedTx("tx-1", "grp-a"),
			want: []changelog.Change{
				{GroupID: "grp-a", Type: models.ChangeAdded, TransactionID: "tx-1"},
			},
		},
		{
			name:   "deleted while shared",
			before: sharedTx("tx-1", "grp-a"),
			after:  nil,
			want: []changelog.Change{
				{GroupID: "grp-a", Type: models.ChangeRemoved, TransactionID: "tx-1"},
			},
		},
		{
			name:   "unshared",
			before: sharedTx("tx-1", "grp-a"),
			after:  sharedTx("tx-1", ""),
			want: []changelog.Change{
				{GroupID: "grp-a", Type: models.ChangeRemoved, TransactionID: "tx-1"},
			},
		},
		{
			name:   "shared",
			before: sharedTx("tx-1", ""),
			after:  sharedTx("tx-1", "grp-a"),
			want: []changelog.Change{
				{GroupID: "grp-a", Type: models.ChangeAdded, TransactionID: "tx-1"},
			},
		},
		{
			name:   "moved between groups",
			before: sharedTx("tx-1", "grp-a"),
			after:  sharedTx("tx-1", "grp-b"),
			want: []changelog.Change{
				{GroupID: "grp-a", Type: models.ChangeRemoved, TransactionID: "tx-1"},
				{GroupID: "grp-b", Type: models.ChangeAdded, TransactionID: "tx-1"},
			},
		},
		{
			name:   "no group change",
			before: sharedTx("tx-1", "grp-a"),
			after:  sharedTx("tx-1", "grp-a"),
			want:   nil,
		},
		{
			name:   "never shared",
			before: sharedTx("tx-1", ""),
			after:  sharedTx("tx-1", ""),
			want:   nil,
		},
		{
			name:   "both nil",
			before: nil,
			after:  nil,
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := changelog.Detect(tt.before, tt.after)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetect_MoveOrder_RemovedBeforeAdded(t *testing.T) {
	// A move always reports the departure first so replaying the changes
	// in order never shows the transaction in two groups at once.
	changes := changelog.Detect(sharedTx("tx-1", "grp-a"), sharedTx("tx-1", "grp-b"))

	assert.Len(t, changes, 2)
	assert.Equal(t, models.ChangeRemoved, changes[0].Type)
	assert.Equal(t, models.ChangeAdded, changes[1].Type)
}
