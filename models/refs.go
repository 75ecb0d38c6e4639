package models

import "github.com/warp/sync-engine/docstore"

// Collection layout:
//
//	groups/{groupId}
//	groups/{groupId}/changelog/{entryId}
//	groups/{groupId}/analytics/{docId}
//	transactions/{transactionId}
//	invitations/{invitationId}
const (
	ColGroups       = "groups"
	ColTransactions = "transactions"
	ColInvitations  = "invitations"

	SubChangelog = "changelog"
	SubAnalytics = "analytics"
)

// GroupRef addresses a group document. Fails if the ID is not a valid path
// segment, so no path is ever built from a malformed identifier.
func GroupRef(groupID string) (docstore.Ref, error) {
	return docstore.NewRef(ColGroups, groupID)
}

// TransactionRef addresses a transaction document.
func TransactionRef(transactionID string) (docstore.Ref, error) {
	return docstore.NewRef(ColTransactions, transactionID)
}

// InvitationRef addresses a pending invitation document.
func InvitationRef(invitationID string) (docstore.Ref, error) {
	return docstore.NewRef(ColInvitations, invitationID)
}

// EntryRef addresses one changelog entry within a group.
func EntryRef(groupID, entryID string) (docstore.Ref, error) {
	return docstore.NewRef(ColGroups, groupID, SubChangelog, entryID)
}

// ChangelogCol addresses a group's changelog sub-collection.
func ChangelogCol(groupID string) (docstore.Collection, error) {
	return docstore.NewCollection(ColGroups, groupID, SubChangelog)
}

// AnalyticsCol addresses a group's analytics sub-collection.
func AnalyticsCol(groupID string) (docstore.Collection, error) {
	return docstore.NewCollection(ColGroups, groupID, SubAnalytics)
}

// TransactionsCol addresses the top-level transactions collection.
func TransactionsCol() docstore.Collection {
	col, _ := docstore.NewCollection(ColTransactions) // static name, always valid
	return col
}

// InvitationsCol addresses the top-level invitations collection.
func InvitationsCol() docstore.Collection {
	col, _ := docstore.NewCollection(ColInvitations) // static name, always valid
	return col
}
