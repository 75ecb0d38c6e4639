/*
handlers.go - HTTP handlers for the change propagation system

PURPOSE:
  Exposes the propagation system over REST. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Events (upstream trigger contract):
    POST   /api/events                     Deliver one transaction mutation

  Transactions (CRUD collaborator surface):
    POST   /api/transactions               Create transaction
    PUT    /api/transactions/{id}          Update transaction
    DELETE /api/transactions/{id}          Delete transaction

  Groups:
    POST   /api/groups                     Create group
    POST   /api/groups/{id}/sharing        Toggle sharing (rate limited)
    POST   /api/groups/{id}/invitations    Invite by email (owner only)
    DELETE /api/groups/{id}                Cascading delete
    GET    /api/groups/{id}/changelog      Replay entries (members only)

AUTHORIZATION:
  The acting user arrives in the X-Actor-Id header, authenticated by the
  upstream layer. It is trusted as authenticated, never as authorized:
  every write path re-derives authorization from stored membership or
  ownership state.

ERROR HANDLING:
  - 400: malformed body / missing fields
  - 403: authorization re-derivation failed
  - 404: referenced document missing
  - 409: authorization revoked mid-cascade
  - 429: rate-limit rejection (structured, retryable later)
  - 500: transient store failure; generic retry-suggested message only,
         raw error text never leaves the process

SEE ALSO:
  - dto.go: request/response types
  - server.go: router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/warp/sync-engine/changelog"
	"github.com/warp/sync-engine/docstore"
	"github.com/warp/sync-engine/group"
	"github.com/warp/sync-engine/models"
)

// actorHeader carries the authenticated user ID asserted by the upstream
// auth layer.
const actorHeader = "X-Actor-Id"

const retryMessage = "Something went wrong. Please try again."

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     docstore.Store
	Writer    *changelog.Writer
	Members   *changelog.Members
	Lifecycle *group.Manager

	// Now is the clock used for toggle evaluation; overridable in tests.
	Now func() time.Time
}

// NewHandler wires a handler over the given store.
func NewHandler(store docstore.Store, strategy changelog.Strategy) *Handler {
	return &Handler{
		Store:     store,
		Writer:    changelog.NewWriter(store, strategy),
		Members:   changelog.NewMembers(store),
		Lifecycle: group.NewManager(store),
		Now:       time.Now,
	}
}

// =============================================================================
// EVENT INGEST
// =============================================================================

// IngestEvent processes one upstream transaction mutation.
// POST /api/events
//
// Gated no-ops are still 202: a non-member simply doesn't get an entry.
// Store failures are 500 so the at-least-once upstream redelivers.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.EventID == "" {
		writeError(w, http.StatusBadRequest, "eventId is required")
		return
	}

	eventsIngested.Inc()
	written, err := h.Writer.ProcessMutation(r.Context(), req.EventID, actorID, req.Before, req.After)
	if err != nil {
		if errors.Is(err, docstore.ErrInvalidID) {
			writeError(w, http.StatusBadRequest, "eventId is not a valid identifier")
			return
		}
		slog.Error("event processing failed", "event_id", req.EventID, "error", err)
		writeError(w, http.StatusInternalServerError, retryMessage)
		return
	}
	entriesWritten.Add(float64(written))

	writeJSON(w, http.StatusAccepted, EventResponse{EntriesWritten: written})
}

// =============================================================================
// TRANSACTION CRUD (collaborator surface)
// =============================================================================

// CreateTransaction persists a new transaction and propagates the mutation.
// POST /api/transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	now := h.Now().UTC()
	txn := models.Transaction{
		ID:            uuid.NewString(),
		OwnerID:       actorID,
		Merchant:      req.Merchant,
		Category:      req.Category,
		Description:   req.Description,
		Amount:        req.Amount,
		Date:          req.Date,
		SharedGroupID: req.SharedGroupID,
		ReceiptURL:    req.ReceiptURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if !h.saveTransaction(w, r, &txn) {
		return
	}
	h.propagate(r, actorID, nil, &txn)
	writeJSON(w, http.StatusCreated, txn)
}

// UpdateTransaction mutates a transaction and propagates the diff.
// PUT /api/transactions/{id}
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}

	before, ref, ok := h.loadOwnedTransaction(w, r, actorID)
	if !ok {
		return
	}

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	after := *before
	after.Merchant = req.Merchant
	after.Category = req.Category
	after.Description = req.Description
	after.Amount = req.Amount
	after.Date = req.Date
	after.SharedGroupID = req.SharedGroupID
	after.ReceiptURL = req.ReceiptURL
	after.UpdatedAt = h.Now().UTC()

	doc, err := docstore.DataFrom(&after)
	if err != nil {
		slog.Error("transaction encode failed", "error", err)
		writeError(w, http.StatusInternalServerError, retryMessage)
		return
	}
	if err := h.Store.Set(r.Context(), ref, doc); err != nil {
		slog.Error("transaction write failed", "transaction_id", after.ID, "error", err)
		writeError(w, http.StatusInternalServerError, retryMessage)
		return
	}

	h.propagate(r, actorID, before, &after)
	writeJSON(w, http.StatusOK, after)
}

// DeleteTransaction removes a transaction and propagates the removal.
// DELETE /api/transactions/{id}
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}

	before, ref, ok := h.loadOwnedTransaction(w, r, actorID)
	if !ok {
		return
	}

	if err := h.Store.Delete(r.Context(), ref); err != nil {
		slog.Error("transaction delete failed", "transaction_id", before.ID, "error", err)
		writeError(w, http.StatusInternalServerError, retryMessage)
		return
	}

	h.propagate(r, actorID, before, nil)
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// GROUPS
// =============================================================================

// CreateGroup creates a shared group owned by the acting user.
// POST /api/groups
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	g := models.Group{
		ID:             uuid.NewString(),
		Name:           req.Name,
		OwnerID:        actorID,
		MemberIDs:      []string{actorID},
		Timezone:       req.Timezone,
		SharingEnabled: true,
		CreatedAt:      h.Now().UTC(),
	}

	ref, err := models.GroupRef(g.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, retryMessage)
		return
	}
	doc, err := docstore.DataFrom(&g)
	if err != nil {
		writeError(w, http.StatusInternalServerError, retryMessage)
		return
	}
	if err := h.Store.Set(r.Context(), ref, doc); err != nil {
		slog.Error("group write failed", "group_id", g.ID, "error", err)
		writeError(w, http.StatusInternalServerError, retryMessage)
		return
	}

	slog.Info("group created", "group_id", g.ID, "owner_id", actorID)
	writeJSON(w, http.StatusCreated, g)
}

// ToggleSharing flips the sharing flag, rate limited by the cooldown engine.
// POST /api/groups/{id}/sharing
func (h *Handler) ToggleSharing(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	groupID := chi.URLParam(r, "id")

	var req ToggleSharingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	decision, err := group.ToggleSharing(r.Context(), h.Store, groupID, actorID, req.Enabled, h.Now())
	switch {
	case errors.Is(err, group.ErrNotOwner):
		writeError(w, http.StatusForbidden, "Only the group owner can change sharing")
		return
	case errors.Is(err, docstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "Group not found")
		return
	case errors.Is(err, docstore.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "Invalid group identifier")
		return
	case err != nil:
		slog.Error("sharing toggle failed", "group_id", groupID, "error", err)
		writeError(w, http.StatusInternalServerError, retryMessage)
		return
	}

	if !decision.Allowed {
		toggleRejections.WithLabelValues(string(decision.Reason)).Inc()
		writeJSON(w, http.StatusTooManyRequests, ToggleSharingResponse{
			Reason:      string(decision.Reason),
			WaitMinutes: decision.WaitMinutes,
			Message:     rejectionMessage(decision),
		})
		return
	}

	writeJSON(w, http.StatusOK, ToggleSharingResponse{Enabled: req.Enabled})
}

// Invite creates a pending invitation into the group. Owner only.
// POST /api/groups/{id}/invitations
func (h *Handler) Invite(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	groupID := chi.URLParam(r, "id")

	var req InviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	g, ok := h.loadGroup(w, r, groupID)
	if !ok {
		return
	}
	if !g.IsOwner(actorID) {
		writeError(w, http.StatusForbidden, "Only the group owner can invite members")
		return
	}

	inv := models.Invitation{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Email:     req.Email,
		Token:     uuid.NewString(),
		CreatedAt: h.Now().UTC(),
	}
	ref, err := models.InvitationRef(inv.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, retryMessage)
		return
	}
	doc, err := docstore.DataFrom(&inv)
	if err != nil {
		writeError(w, http.StatusInternalServerError, retryMessage)
		return
	}
	if err := h.Store.Set(r.Context(), ref, doc); err != nil {
		slog.Error("invitation write failed", "group_id", groupID, "error", err)
		writeError(w, http.StatusInternalServerError, retryMessage)
		return
	}

	writeJSON(w, http.StatusCreated, inv)
}

// DeleteGroup runs the cascading deletion. The entry operation is chosen
// from stored state: sole member -> last-member path, owner -> owner path.
// DELETE /api/groups/{id}
func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	groupID := chi.URLParam(r, "id")

	g, ok := h.loadGroup(w, r, groupID)
	if !ok {
		return
	}

	var err error
	switch {
	case g.IsSoleMember(actorID):
		err = h.Lifecycle.DeleteAsLastMember(r.Context(), groupID, actorID)
	case g.IsOwner(actorID):
		err = h.Lifecycle.DeleteAsOwner(r.Context(), groupID, actorID)
	default:
		writeError(w, http.StatusForbidden, "Only the group owner or the last remaining member can delete the group")
		return
	}

	switch {
	case errors.Is(err, group.ErrAuthorizationRevoked):
		writeError(w, http.StatusConflict, "Group changed while deleting. Please try again.")
		return
	case errors.Is(err, group.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "Only the group owner or the last remaining member can delete the group")
		return
	case err != nil:
		slog.Error("group deletion failed", "group_id", groupID, "error", err)
		writeError(w, http.StatusInternalServerError, retryMessage)
		return
	}

	groupsDeleted.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// GetChangelog returns the group's changelog entries for replay.
// GET /api/groups/{id}/changelog
func (h *Handler) GetChangelog(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	groupID := chi.URLParam(r, "id")

	if !h.Members.IsMember(r.Context(), groupID, actorID) {
		// Fail-closed membership doubles as the 403 here; a missing group
		// is indistinguishable from a group the actor can't see.
		writeError(w, http.StatusForbidden, "Not a member of this group")
		return
	}

	col, err := models.ChangelogCol(groupID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid group identifier")
		return
	}
	snaps, err := h.Store.Query(r.Context(), col, nil, 0)
	if err != nil {
		slog.Error("changelog read failed", "group_id", groupID, "error", err)
		writeError(w, http.StatusInternalServerError, retryMessage)
		return
	}

	entries := make([]models.Entry, 0, len(snaps))
	for _, snap := range snaps {
		var e models.Entry
		if err := docstore.DataTo(snap.Data, &e); err != nil {
			slog.Error("changelog entry undecodable", "path", snap.Ref.Path(), "error", err)
			continue
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, ChangelogResponse{Entries: entries})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actorID := r.Header.Get(actorHeader)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+actorHeader+" header")
		return "", false
	}
	return actorID, true
}

// propagate feeds a CRUD mutation into the changelog writer with a fresh
// event ID. A propagation failure does not fail the CRUD call itself - the
// transaction write already committed - but it is logged loudly because it
// means group members will miss one diff until the next mutation.
func (h *Handler) propagate(r *http.Request, actorID string, before, after *models.Transaction) {
	eventID := uuid.NewString()
	written, err := h.Writer.ProcessMutation(r.Context(), eventID, actorID, before, after)
	if err != nil {
		slog.Error("changelog propagation failed", "event_id", eventID, "error", err)
		return
	}
	entriesWritten.Add(float64(written))
}

func (h *Handler) saveTransaction(w http.ResponseWriter, r *http.Request, txn *models.Transaction) bool {
	ref, err := models.TransactionRef(txn.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, retryMessage)
		return false
	}
	doc, err := docstore.DataFrom(txn)
	if err != nil {
		writeError(w, http.StatusInternalServerError, retryMessage)
		return false
	}
	if err := h.Store.Set(r.Context(), ref, doc); err != nil {
		slog.Error("transaction write failed", "transaction_id", txn.ID, "error", err)
		writeError(w, http.StatusInternalServerError, retryMessage)
		return false
	}
	return true
}

func (h *Handler) loadOwnedTransaction(w http.ResponseWriter, r *http.Request, actorID string) (*models.Transaction, docstore.Ref, bool) {
	id := chi.URLParam(r, "id")
	ref, err := models.TransactionRef(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction identifier")
		return nil, docstore.Ref{}, false
	}
	doc, err := h.Store.Get(r.Context(), ref)
	if errors.Is(err, docstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Transaction not found")
		return nil, docstore.Ref{}, false
	}
	if err != nil {
		slog.Error("transaction read failed", "transaction_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, retryMessage)
		return nil, docstore.Ref{}, false
	}
	var txn models.Transaction
	if err := docstore.DataTo(doc, &txn); err != nil {
		slog.Error("transaction undecodable", "transaction_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, retryMessage)
		return nil, docstore.Ref{}, false
	}
	if txn.OwnerID != actorID {
		writeError(w, http.StatusForbidden, "Transactions can only be changed by their owner")
		return nil, docstore.Ref{}, false
	}
	return &txn, ref, true
}

func (h *Handler) loadGroup(w http.ResponseWriter, r *http.Request, groupID string) (*models.Group, bool) {
	ref, err := models.GroupRef(groupID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid group identifier")
		return nil, false
	}
	doc, err := h.Store.Get(r.Context(), ref)
	if errors.Is(err, docstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Group not found")
		return nil, false
	}
	if err != nil {
		slog.Error("group read failed", "group_id", groupID, "error", err)
		writeError(w, http.StatusInternalServerError, retryMessage)
		return nil, false
	}
	var g models.Group
	if err := docstore.DataTo(doc, &g); err != nil {
		slog.Error("group undecodable", "group_id", groupID, "error", err)
		writeError(w, http.StatusInternalServerError, retryMessage)
		return nil, false
	}
	return &g, true
}

func rejectionMessage(d group.ToggleDecision) string {
	switch d.Reason {
	case group.DenyCooldown:
		if d.WaitMinutes == 1 {
			return "Sharing was changed recently. Try again in 1 minute."
		}
		return fmt.Sprintf("Sharing was changed recently. Try again in %d minutes.", d.WaitMinutes)
	case group.DenyDailyLimit:
		return fmt.Sprintf("Sharing can only be changed %d times per day. Try again tomorrow.", group.DailyToggleLimit)
	default:
		return retryMessage
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
