// Package models defines the core domain models for the shared-group
// change propagation system.
//
// Models carry json tags matching their stored document field names; they
// move in and out of the document store via docstore.DataFrom/DataTo.
package models

import "time"

// DefaultTimezone is used when a group has no timezone set.
const DefaultTimezone = "UTC"

// Group is a shared collection of users. Transactions reference a group via
// SharedGroupID; group members replay the group's changelog sub-collection
// to reconstruct sync state.
//
// INVARIANT: MemberIDs always contains OwnerID. A group with zero members
// is invalid and is torn down by the lifecycle manager.
type Group struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"ownerId"`

	// MemberIDs is the current member set, owner included.
	MemberIDs []string `json:"memberIds"`

	// Timezone is the IANA timezone used for daily rate-limit resets.
	Timezone string `json:"timezone,omitempty"`

	SharingEnabled bool `json:"sharingEnabled"`

	// Rate-limit state for the sharing toggle. ToggleCountToday is
	// meaningful only relative to ToggleCountResetAt: once "now" in the
	// group's timezone has crossed into a new calendar day, the counter is
	// logically zero regardless of its stored value.
	LastToggleAt       time.Time `json:"lastToggleAt,omitempty"`
	ToggleCountToday   int       `json:"toggleCountToday,omitempty"`
	ToggleCountResetAt time.Time `json:"toggleCountResetAt,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// HasMember reports whether userID is currently in the member set.
func (g *Group) HasMember(userID string) bool {
	for _, id := range g.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsOwner reports whether userID owns the group.
func (g *Group) IsOwner(userID string) bool { return g.OwnerID == userID }

// IsSoleMember reports whether userID is the only remaining member.
func (g *Group) IsSoleMember(userID string) bool {
	return len(g.MemberIDs) == 1 && g.MemberIDs[0] == userID
}

// Location resolves the group's timezone, falling back to UTC for missing
// or unknown zones.
func (g *Group) Location() *time.Location {
	tz := g.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Invitation is a short-lived invite into a group. It is a cascade target
// on group deletion.
type Invitation struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"groupId"`
	Email     string    `json:"email"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
}
