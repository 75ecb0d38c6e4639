package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/sync-engine/api"
	"github.com/warp/sync-engine/changelog"
	"github.com/warp/sync-engine/docstore"
	"github.com/warp/sync-engine/docstore/memory"
	"github.com/warp/sync-engine/models"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

type harness struct {
	store  *memory.Store
	router http.Handler
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	h := api.NewHandler(store, changelog.StrategyFastPath)
	hn := &harness{store: store, router: api.NewRouter(h)}
	hn.now = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	h.Now = func() time.Time { return hn.now }
	return hn
}

func (hn *harness) advance(d time.Duration) { hn.now = hn.now.Add(d) }

func (hn *harness) do(t *testing.T, method, path, actorID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actorID != "" {
		req.Header.Set("X-Actor-Id", actorID)
	}
	rec := httptest.NewRecorder()
	hn.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func (hn *harness) seedGroup(t *testing.T, id, ownerID string, memberIDs ...string) {
	t.Helper()
	g := models.Group{
		ID:             id,
		Name:           "Test Group",
		OwnerID:        ownerID,
		MemberIDs:      append([]string{ownerID}, memberIDs...),
		SharingEnabled: true,
		CreatedAt:      hn.now,
	}
	ref, err := models.GroupRef(id)
	require.NoError(t, err)
	doc, err := docstore.DataFrom(&g)
	require.NoError(t, err)
	require.NoError(t, hn.store.Set(context.Background(), ref, doc))
}

func (hn *harness) changelogSize(t *testing.T, groupID string) int {
	t.Helper()
	col, err := models.ChangelogCol(groupID)
	require.NoError(t, err)
	snaps, err := hn.store.Query(context.Background(), col, nil, 0)
	require.NoError(t, err)
	return len(snaps)
}

func sampleTx() api.TransactionRequest {
	return api.TransactionRequest{
		Merchant:      "Groceries Inc",
		Category:      "Food",
		Amount:        decimal.NewFromFloat(42.50),
		Date:          time.Date(2026, time.March, 9, 0, 0, 0, 0, time.UTC),
		SharedGroupID: "grp-1",
	}
}

// =============================================================================
// AUTH
// =============================================================================

func TestHandlers_MissingActorHeader(t *testing.T) {
	hn := newHarness(t)
	rec := hn.do(t, http.MethodPost, "/api/groups", "", api.CreateGroupRequest{Name: "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// =============================================================================
// GROUPS
// =============================================================================

func TestCreateGroup(t *testing.T) {
	hn := newHarness(t)

	rec := hn.do(t, http.MethodPost, "/api/groups", "user-1", api.CreateGroupRequest{Name: "Ski Trip"})
	require.Equal(t, http.StatusCreated, rec.Code)

	g := decode[models.Group](t, rec)
	assert.NotEmpty(t, g.ID)
	assert.Equal(t, "user-1", g.OwnerID)
	assert.Equal(t, []string{"user-1"}, g.MemberIDs)
	assert.True(t, g.SharingEnabled, "sharing starts enabled")
}

func TestToggleSharing_CooldownFlow(t *testing.T) {
	hn := newHarness(t)
	hn.seedGroup(t, "grp-1", "owner-1")

	// First toggle succeeds.
	rec := hn.do(t, http.MethodPost, "/api/groups/grp-1/sharing", "owner-1",
		api.ToggleSharingRequest{Enabled: false})
	require.Equal(t, http.StatusOK, rec.Code)

	// An immediate second toggle is in the cooldown window.
	rec = hn.do(t, http.MethodPost, "/api/groups/grp-1/sharing", "owner-1",
		api.ToggleSharingRequest{Enabled: true})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	resp := decode[api.ToggleSharingResponse](t, rec)
	assert.Equal(t, "cooldown", resp.Reason)
	assert.Equal(t, 15, resp.WaitMinutes)
	assert.Contains(t, resp.Message, "15 minutes")

	// After the cooldown elapses the toggle goes through.
	hn.advance(15 * time.Minute)
	rec = hn.do(t, http.MethodPost, "/api/groups/grp-1/sharing", "owner-1",
		api.ToggleSharingRequest{Enabled: true})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestToggleSharing_DailyLimit(t *testing.T) {
	hn := newHarness(t)
	hn.seedGroup(t, "grp-1", "owner-1")

	for i := 0; i < 3; i++ {
		rec := hn.do(t, http.MethodPost, "/api/groups/grp-1/sharing", "owner-1",
			api.ToggleSharingRequest{Enabled: i%2 == 0})
		require.Equal(t, http.StatusOK, rec.Code, "toggle %d should be allowed", i+1)
		hn.advance(16 * time.Minute)
	}

	rec := hn.do(t, http.MethodPost, "/api/groups/grp-1/sharing", "owner-1",
		api.ToggleSharingRequest{Enabled: false})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	resp := decode[api.ToggleSharingResponse](t, rec)
	assert.Equal(t, "daily_limit", resp.Reason)
	assert.Contains(t, resp.Message, "3 times per day")
}

func TestToggleSharing_NonOwnerForbidden(t *testing.T) {
	hn := newHarness(t)
	hn.seedGroup(t, "grp-1", "owner-1", "member-2")

	rec := hn.do(t, http.MethodPost, "/api/groups/grp-1/sharing", "member-2",
		api.ToggleSharingRequest{Enabled: false})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestToggleSharing_GroupNotFound(t *testing.T) {
	hn := newHarness(t)
	rec := hn.do(t, http.MethodPost, "/api/groups/missing/sharing", "owner-1",
		api.ToggleSharingRequest{Enabled: false})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvite_OwnerOnly(t *testing.T) {
	hn := newHarness(t)
	hn.seedGroup(t, "grp-1", "owner-1", "member-2")

	rec := hn.do(t, http.MethodPost, "/api/groups/grp-1/invitations", "owner-1",
		api.InviteRequest{Email: "friend@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code)
	inv := decode[models.Invitation](t, rec)
	assert.Equal(t, "grp-1", inv.GroupID)
	assert.NotEmpty(t, inv.Token)

	rec = hn.do(t, http.MethodPost, "/api/groups/grp-1/invitations", "member-2",
		api.InviteRequest{Email: "friend@example.com"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// EVENT INGEST
// =============================================================================

func TestIngestEvent_WritesEntry(t *testing.T) {
	hn := newHarness(t)
	hn.seedGroup(t, "grp-1", "user-1")

	after := models.Transaction{
		ID:            "tx-1",
		OwnerID:       "user-1",
		Merchant:      "Groceries Inc",
		Category:      "Food",
		Amount:        decimal.NewFromInt(20),
		SharedGroupID: "grp-1",
	}
	rec := hn.do(t, http.MethodPost, "/api/events", "user-1",
		api.EventRequest{EventID: "evt-1", After: &after})
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[api.EventResponse](t, rec)
	assert.Equal(t, 1, resp.EntriesWritten)
	assert.Equal(t, 1, hn.changelogSize(t, "grp-1"))
}

func TestIngestEvent_RedeliveryIsIdempotent(t *testing.T) {
	hn := newHarness(t)
	hn.seedGroup(t, "grp-1", "user-1")

	after := models.Transaction{
		ID:            "tx-1",
		OwnerID:       "user-1",
		Merchant:      "Groceries Inc",
		Amount:        decimal.NewFromInt(20),
		SharedGroupID: "grp-1",
	}
	req := api.EventRequest{EventID: "evt-1", After: &after}

	for i := 0; i < 3; i++ {
		rec := hn.do(t, http.MethodPost, "/api/events", "user-1", req)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	assert.Equal(t, 1, hn.changelogSize(t, "grp-1"), "redeliveries must not duplicate entries")
}

func TestIngestEvent_NonMemberIsSilentNoop(t *testing.T) {
	hn := newHarness(t)
	hn.seedGroup(t, "grp-1", "owner-1")

	after := models.Transaction{
		ID:            "tx-1",
		OwnerID:       "outsider",
		Amount:        decimal.NewFromInt(5),
		SharedGroupID: "grp-1",
	}
	rec := hn.do(t, http.MethodPost, "/api/events", "outsider",
		api.EventRequest{EventID: "evt-1", After: &after})
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[api.EventResponse](t, rec)
	assert.Equal(t, 0, resp.EntriesWritten)
	assert.Equal(t, 0, hn.changelogSize(t, "grp-1"))
}

func TestIngestEvent_Validation(t *testing.T) {
	hn := newHarness(t)

	rec := hn.do(t, http.MethodPost, "/api/events", "user-1", api.EventRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = hn.do(t, http.MethodPost, "/api/events", "user-1",
		api.EventRequest{EventID: "evt/1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// TRANSACTION CRUD
// =============================================================================

func TestTransactionLifecycle_PropagatesChanges(t *testing.T) {
	hn := newHarness(t)
	hn.seedGroup(t, "grp-1", "user-1")

	// Create a shared transaction: ADDED entry.
	rec := hn.do(t, http.MethodPost, "/api/transactions", "user-1", sampleTx())
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[models.Transaction](t, rec)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, 1, hn.changelogSize(t, "grp-1"))

	// Unshare it: REMOVED entry.
	update := sampleTx()
	update.SharedGroupID = ""
	rec = hn.do(t, http.MethodPut, "/api/transactions/"+created.ID, "user-1", update)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, hn.changelogSize(t, "grp-1"))
}

func TestDeleteTransaction_PropagatesRemoval(t *testing.T) {
	hn := newHarness(t)
	hn.seedGroup(t, "grp-1", "user-1")

	rec := hn.do(t, http.MethodPost, "/api/transactions", "user-1", sampleTx())
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[models.Transaction](t, rec)

	rec = hn.do(t, http.MethodDelete, "/api/transactions/"+created.ID, "user-1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 2, hn.changelogSize(t, "grp-1"))

	ref, err := models.TransactionRef(created.ID)
	require.NoError(t, err)
	_, err = hn.store.Get(context.Background(), ref)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestUpdateTransaction_NonOwnerForbidden(t *testing.T) {
	hn := newHarness(t)
	hn.seedGroup(t, "grp-1", "user-1")

	rec := hn.do(t, http.MethodPost, "/api/transactions", "user-1", sampleTx())
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[models.Transaction](t, rec)

	rec = hn.do(t, http.MethodPut, "/api/transactions/"+created.ID, "user-2", sampleTx())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// CHANGELOG REPLAY
// =============================================================================

func TestGetChangelog_MemberGate(t *testing.T) {
	hn := newHarness(t)
	hn.seedGroup(t, "grp-1", "user-1", "user-2")

	rec := hn.do(t, http.MethodPost, "/api/transactions", "user-1", sampleTx())
	require.Equal(t, http.StatusCreated, rec.Code)

	// Any member can replay.
	rec = hn.do(t, http.MethodGet, "/api/groups/grp-1/changelog", "user-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[api.ChangelogResponse](t, rec)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, models.ChangeAdded, resp.Entries[0].Type)
	assert.Equal(t, "Groceries Inc", resp.Entries[0].Merchant)

	// Non-members cannot.
	rec = hn.do(t, http.MethodGet, "/api/groups/grp-1/changelog", "outsider", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// GROUP DELETION
// =============================================================================

func TestDeleteGroup_OwnerCascades(t *testing.T) {
	hn := newHarness(t)
	hn.seedGroup(t, "grp-1", "owner-1", "member-2")

	for i := 0; i < 3; i++ {
		tx := sampleTx()
		tx.Merchant = fmt.Sprintf("Shop %d", i)
		rec := hn.do(t, http.MethodPost, "/api/transactions", "owner-1", tx)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	require.Equal(t, 3, hn.changelogSize(t, "grp-1"))

	rec := hn.do(t, http.MethodDelete, "/api/groups/grp-1", "owner-1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Group and changelog are gone.
	ref, err := models.GroupRef("grp-1")
	require.NoError(t, err)
	_, err = hn.store.Get(context.Background(), ref)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	assert.Equal(t, 0, hn.changelogSize(t, "grp-1"))

	// Transactions survive, unshared.
	col, err := docstore.NewCollection(models.ColTransactions)
	require.NoError(t, err)
	snaps, err := hn.store.Query(context.Background(), col, nil, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	for _, snap := range snaps {
		_, shared := snap.Data[models.SharedGroupField]
		assert.False(t, shared, "back-reference must be cleared")
	}
}

func TestDeleteGroup_NonMemberForbidden(t *testing.T) {
	hn := newHarness(t)
	hn.seedGroup(t, "grp-1", "owner-1", "member-2")

	rec := hn.do(t, http.MethodDelete, "/api/groups/grp-1", "member-2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeleteGroup_LastMember(t *testing.T) {
	// A sole remaining non-owner member may delete the abandoned group.
	hn := newHarness(t)
	g := models.Group{
		ID:        "grp-1",
		Name:      "Abandoned",
		OwnerID:   "departed-owner",
		MemberIDs: []string{"member-2"},
		CreatedAt: hn.now,
	}
	ref, err := models.GroupRef(g.ID)
	require.NoError(t, err)
	doc, err := docstore.DataFrom(&g)
	require.NoError(t, err)
	require.NoError(t, hn.store.Set(context.Background(), ref, doc))

	rec := hn.do(t, http.MethodDelete, "/api/groups/grp-1", "member-2", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err = hn.store.Get(context.Background(), ref)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}
