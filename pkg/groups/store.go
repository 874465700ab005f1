package groups

import (
	"context"
	"time"
)

// MemberEntry joins a membership edge with its user node.
type MemberEntry struct {
	User   User
	Member Member
}

// InvitationEntry joins an invitation edge with its user node.
type InvitationEntry struct {
	User       User
	Invitation Invitation
}

// Tx is one atomic view of the membership graph. Every public operation
// of the Service maps to exactly one Tx; implementations must serialize
// conflicting writes to the same edges.
//
// Reads resolve missing entities as (nil, nil): absence is an empty
// result, not an error.
type Tx interface {
	// Users
	UserByKey(key string) (*User, error)
	UserByID(id string) (*User, error)
	PutUser(u User) error

	// Groups
	Group(id string) (*Group, error)
	PutGroup(g Group) error
	SetGroupTTL(id string, ttl *time.Time) error
	AdminCount(groupID, adminRole string) (int, error)

	// Membership edges
	Membership(groupID, userKey string) (*Member, error)
	PutMembership(m Member) error
	DeleteMembership(groupID, userKey string) error
	MembersOf(groupID string) ([]MemberEntry, error)
	MembershipsForUser(userID, key string) ([]Member, error)

	// Invitation edges
	Invitation(groupID, userKey string) (*Invitation, error)
	PutInvitation(i Invitation) error
	DeleteInvitation(groupID, userKey string) error
	InvitationsOf(groupID string) ([]InvitationEntry, error)

	// Group rows as seen from one user (matched by id or lookup key)
	GroupsFor(userID, key string) ([]GroupEdge, error)

	// Resources, services, folders
	PutService(name string) error
	Ressource(id string) (*Ressource, error)
	PutRessource(r Ressource) error
	Folder(id string) (*Folder, error)
	PutFolder(f Folder) error

	// Grants
	PutGrant(g Grant) error
	DeleteGrant(g Grant) error
	HasGrant(source GrantSource, groupID, service, action string) (bool, error)

	// Votes and policies
	PutVote(v Vote) error
	CountVotes(groupID, subjectID string, kind RequestKind) (int, error)
	DeleteVotes(groupID, subjectID string) error
	PutPolicy(p Policy) error
	PolicyFraction(groupID, action string) (float64, bool, error)
}

// Store provides atomic transactions over the membership graph.
type Store interface {
	// Update runs fn in a read-write transaction. The transaction commits
	// iff fn returns nil.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
}
