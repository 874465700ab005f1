package groups

import (
	"time"
)

// Role names are configurable; these are the defaults a deployment gets
// when it does not override them.
const (
	DefaultAdminRole  = "admin"
	DefaultMemberRole = "member"
)

// GracePeriod is the deadline offset for admin-orphaned groups and for
// pending revokes: 14 days.
const GracePeriod = 14 * 24 * time.Hour

// Relation distinguishes the two edge kinds a user can hold on a group.
type Relation string

const (
	RelationMember  Relation = "MEMBER_OF"
	RelationInvited Relation = "INVITED_BY"
)

// RequestKind is a pending role-change kind on a membership edge.
type RequestKind string

const (
	RequestNone     RequestKind = ""
	RequestNominate RequestKind = "nominate"
	RequestRevoke   RequestKind = "revoke"
)

// Valid reports whether the kind names a known role-change request.
func (k RequestKind) Valid() bool {
	return k == RequestNominate || k == RequestRevoke
}

// ConsensusMode selects how nominate/revoke requests are resolved.
type ConsensusMode string

const (
	// PendingAcceptance marks the target's membership edge with a pending
	// request that only the target can accept or decline.
	PendingAcceptance ConsensusMode = "pending-acceptance"

	// WeightedVote counts one vote per admin against a per-group policy
	// fraction and applies the change once the threshold is crossed.
	WeightedVote ConsensusMode = "weighted-vote"
)

// User is a person addressed by lookup key. A user may exist with only a
// key (invited but never signed in); ID is bound on the first
// authenticated call. Contact is opaque ciphertext.
type User struct {
	Key     string `json:"key"`
	ID      string `json:"id,omitempty"`
	Contact string `json:"-"`
}

// Group is the tenancy unit. A non-nil TTL means the group currently has
// no admin and is scheduled for external cleanup after that time.
type Group struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Core bool       `json:"core,omitempty"`
	TTL  *time.Time `json:"ttl,omitempty"`
}

// Member is an active membership edge.
type Member struct {
	GroupID   string      `json:"group_id"`
	UserKey   string      `json:"user_key"`
	Role      string      `json:"role"`
	Request   RequestKind `json:"request,omitempty"`
	Requester string      `json:"requester,omitempty"`
	TTE       *time.Time  `json:"tte,omitempty"`
	Hide      bool        `json:"hide,omitempty"`
	Alias     string      `json:"alias,omitempty"`
}

// Invitation is a pending (or returned-to after leaving) affiliation.
type Invitation struct {
	GroupID string `json:"group_id"`
	UserKey string `json:"user_key"`
	Role    string `json:"role"`
	Hide    bool   `json:"hide,omitempty"`
	Alias   string `json:"alias,omitempty"`
}

// Ressource is a registered external object owned by exactly one group.
// Service and GetAction record where and how the object is served; a
// non-empty FolderID assigns it to a folder for folder-level grants.
type Ressource struct {
	ID        string `json:"id"`
	GroupID   string `json:"group_id"`
	Service   string `json:"service"`
	GetAction string `json:"get_action,omitempty"`
	FolderID  string `json:"folder_id,omitempty"`
}

// Folder groups resources of one owning group for delegation purposes.
type Folder struct {
	ID      string `json:"id"`
	GroupID string `json:"group_id"`
}

// GrantSourceKind names the granting side of a delegation.
type GrantSourceKind string

const (
	GrantFromRessource GrantSourceKind = "ressource"
	GrantFromFolder    GrantSourceKind = "folder"
	GrantFromGroup     GrantSourceKind = "group"
)

// GrantSource identifies the granting entity.
type GrantSource struct {
	Kind GrantSourceKind `json:"kind"`
	ID   string          `json:"id"`
}

// Grant delegates a (service, action) capability from a resource, folder
// or group to a target group.
type Grant struct {
	Source  GrantSource `json:"source"`
	GroupID string      `json:"group_id"`
	Service string      `json:"service"`
	Action  string      `json:"action"`
}

// Vote is one admin's support for a pending role change (weighted-vote
// strategy only).
type Vote struct {
	GroupID   string      `json:"group_id"`
	VoterID   string      `json:"voter_id"`
	SubjectID string      `json:"subject_id"`
	Kind      RequestKind `json:"kind"`
}

// Policy carries the vote-fraction threshold for one action in one group.
type Policy struct {
	GroupID  string  `json:"group_id"`
	Action   string  `json:"action"`
	Fraction float64 `json:"fraction"`
}

// GroupEdge is a group row as seen from one user: the group plus the
// user's edge onto it.
type GroupEdge struct {
	Group    Group       `json:"group"`
	Relation Relation    `json:"relation"`
	Role     string      `json:"role"`
	Alias    string      `json:"alias,omitempty"`
	Hide     bool        `json:"hide,omitempty"`
	Request  RequestKind `json:"request,omitempty"`
	TTE      *time.Time  `json:"tte,omitempty"`
}

// MemberRow is a member or invited user of a group with the revealed
// contact. Email is nil when the stored ciphertext is missing or cannot
// be revealed.
type MemberRow struct {
	Key       string      `json:"key"`
	UserID    string      `json:"user_id,omitempty"`
	Email     *string     `json:"email"`
	Relation  Relation    `json:"relation"`
	Role      string      `json:"role"`
	Request   RequestKind `json:"request,omitempty"`
	Requester string      `json:"requester,omitempty"`
	TTE       *time.Time  `json:"tte,omitempty"`
}

// RoleChange reports the outcome of a consensus step. For the
// pending-acceptance strategy Request/Requester/TTE describe the pending
// state; for weighted voting Votes and Applied report the tally.
type RoleChange struct {
	GroupID   string      `json:"group_id"`
	UserID    string      `json:"user_id"`
	Role      string      `json:"role,omitempty"`
	Request   RequestKind `json:"request,omitempty"`
	Requester string      `json:"requester,omitempty"`
	TTE       *time.Time  `json:"tte,omitempty"`
	Votes     int         `json:"votes,omitempty"`
	Applied   bool        `json:"applied,omitempty"`
}

// Decision is a positive authorization outcome. Owner is true when access
// comes from direct ownership; otherwise GroupID names the grantee group
// the caller reached the resource through.
type Decision struct {
	RessourceID string `json:"ressource_id"`
	Service     string `json:"service"`
	Action      string `json:"action"`
	GroupID     string `json:"group_id"`
	Owner       bool   `json:"owner"`
}

// InitialGroup is one bootstrap tuple: the named group is created (or
// kept) with the member invited as admin.
type InitialGroup struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Member string `json:"member"`
	Core   bool   `json:"core,omitempty"`
}
