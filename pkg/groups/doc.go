// Package groups is the multi-tenant group membership and
// resource-authorization engine.
//
// # Overview
//
// Groups hold users through two edge kinds: an active membership carrying
// a role, and a pending invitation addressed by the one-way lookup key of
// the invited email. Invitations convert to memberships on Join and back
// on Leave, so a returning member keeps their role. A group that loses
// its last admin is put on a 14-day TTL so an external job can collect
// it; any admin joining clears the deadline.
//
// Role escalation runs through one of two consensus strategies, selected
// per deployment:
//
//   - PendingAcceptance: an admin files a nominate/revoke request on the
//     target's edge; only the target can accept or decline it.
//   - WeightedVote: each admin casts one vote; the change applies inside
//     the same transaction once votes exceed admins × policy fraction.
//
// Registered resources are owned by exactly one group. Access resolves
// ownership first, then delegated grants from the resource, its folder,
// or the owning group to any group the caller is a member of.
//
// # Error model
//
// Structural mismatches (unknown group, wrong role, stale request, caller
// without the required edge) are empty results, not errors: operations
// return (nil, nil) and had no effect. The empty result leaks no
// information about whether a group exists to an unauthorized caller.
// Typed errors are reserved for NotAuthenticated, NotAuthorized, update
// conflicts and an unreachable encryption collaborator.
//
// # Storage
//
// All state lives behind the Store interface; every public operation maps
// to exactly one transaction. pkg/groups/memstore provides the in-memory
// adjacency-map implementation, pkg/groups/pgstore the PostgreSQL one.
package groups
