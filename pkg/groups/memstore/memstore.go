// Package memstore is the in-memory Store implementation: adjacency maps
// keyed by entity id, guarded by a single RWMutex so that every service
// operation runs as one atomic transaction.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/groupmesh/groupd/pkg/groups"
)

type policyKey struct {
	groupID string
	action  string
}

type state struct {
	usersByKey  map[string]groups.User
	userKeyByID map[string]string

	groups map[string]groups.Group

	// edge maps: groupID -> userKey -> edge, plus reverse user indexes
	members       map[string]map[string]groups.Member
	memberIndex   map[string]map[string]struct{}
	invitations   map[string]map[string]groups.Invitation
	invitedIndex  map[string]map[string]struct{}

	services   map[string]struct{}
	ressources map[string]groups.Ressource
	folders    map[string]groups.Folder

	grants   map[groups.Grant]struct{}
	votes    map[groups.Vote]struct{}
	policies map[policyKey]float64
}

func newState() *state {
	return &state{
		usersByKey:   make(map[string]groups.User),
		userKeyByID:  make(map[string]string),
		groups:       make(map[string]groups.Group),
		members:      make(map[string]map[string]groups.Member),
		memberIndex:  make(map[string]map[string]struct{}),
		invitations:  make(map[string]map[string]groups.Invitation),
		invitedIndex: make(map[string]map[string]struct{}),
		services:     make(map[string]struct{}),
		ressources:   make(map[string]groups.Ressource),
		folders:      make(map[string]groups.Folder),
		grants:       make(map[groups.Grant]struct{}),
		votes:        make(map[groups.Vote]struct{}),
		policies:     make(map[policyKey]float64),
	}
}

func cloneFlat[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneNested[V any](m map[string]map[string]V) map[string]map[string]V {
	out := make(map[string]map[string]V, len(m))
	for k, inner := range m {
		out[k] = cloneFlat(inner)
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		usersByKey:   cloneFlat(s.usersByKey),
		userKeyByID:  cloneFlat(s.userKeyByID),
		groups:       cloneFlat(s.groups),
		members:      cloneNested(s.members),
		memberIndex:  cloneNested(s.memberIndex),
		invitations:  cloneNested(s.invitations),
		invitedIndex: cloneNested(s.invitedIndex),
		services:     cloneFlat(s.services),
		ressources:   cloneFlat(s.ressources),
		folders:      cloneFlat(s.folders),
		grants:       cloneFlat(s.grants),
		votes:        cloneFlat(s.votes),
		policies:     cloneFlat(s.policies),
	}
}

// Store holds the whole membership graph in process memory.
type Store struct {
	mu sync.RWMutex
	st *state
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{st: newState()}
}

// Update runs fn under the write lock. On error the previous state is
// restored, so a failed transaction leaves no partial writes.
func (s *Store) Update(ctx context.Context, fn func(tx groups.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&tx{st: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// View runs fn under the read lock.
func (s *Store) View(ctx context.Context, fn func(tx groups.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{st: s.st})
}

type tx struct {
	st *state
}

func (t *tx) UserByKey(key string) (*groups.User, error) {
	if u, ok := t.st.usersByKey[key]; ok {
		return &u, nil
	}
	return nil, nil
}

func (t *tx) UserByID(id string) (*groups.User, error) {
	if id == "" {
		return nil, nil
	}
	key, ok := t.st.userKeyByID[id]
	if !ok {
		return nil, nil
	}
	return t.UserByKey(key)
}

func (t *tx) PutUser(u groups.User) error {
	t.st.usersByKey[u.Key] = u
	if u.ID != "" {
		t.st.userKeyByID[u.ID] = u.Key
	}
	return nil
}

func (t *tx) Group(id string) (*groups.Group, error) {
	if g, ok := t.st.groups[id]; ok {
		return &g, nil
	}
	return nil, nil
}

func (t *tx) PutGroup(g groups.Group) error {
	t.st.groups[g.ID] = g
	return nil
}

func (t *tx) SetGroupTTL(id string, ttl *time.Time) error {
	g, ok := t.st.groups[id]
	if !ok {
		return nil
	}
	g.TTL = ttl
	t.st.groups[id] = g
	return nil
}

func (t *tx) AdminCount(groupID, adminRole string) (int, error) {
	count := 0
	for _, m := range t.st.members[groupID] {
		if m.Role == adminRole {
			count++
		}
	}
	return count, nil
}

func (t *tx) Membership(groupID, userKey string) (*groups.Member, error) {
	if m, ok := t.st.members[groupID][userKey]; ok {
		return &m, nil
	}
	return nil, nil
}

func (t *tx) PutMembership(m groups.Member) error {
	if t.st.members[m.GroupID] == nil {
		t.st.members[m.GroupID] = make(map[string]groups.Member)
	}
	t.st.members[m.GroupID][m.UserKey] = m
	if t.st.memberIndex[m.UserKey] == nil {
		t.st.memberIndex[m.UserKey] = make(map[string]struct{})
	}
	t.st.memberIndex[m.UserKey][m.GroupID] = struct{}{}
	return nil
}

func (t *tx) DeleteMembership(groupID, userKey string) error {
	delete(t.st.members[groupID], userKey)
	delete(t.st.memberIndex[userKey], groupID)
	return nil
}

func (t *tx) MembersOf(groupID string) ([]groups.MemberEntry, error) {
	edges := t.st.members[groupID]
	entries := make([]groups.MemberEntry, 0, len(edges))
	for key, m := range edges {
		entries = append(entries, groups.MemberEntry{User: t.st.usersByKey[key], Member: m})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].User.Key < entries[j].User.Key })
	return entries, nil
}

func (t *tx) MembershipsForUser(userID, key string) ([]groups.Member, error) {
	seen := make(map[string]struct{})
	var out []groups.Member
	for _, k := range t.keysFor(userID, key) {
		for groupID := range t.st.memberIndex[k] {
			if _, dup := seen[groupID]; dup {
				continue
			}
			seen[groupID] = struct{}{}
			out = append(out, t.st.members[groupID][k])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

func (t *tx) Invitation(groupID, userKey string) (*groups.Invitation, error) {
	if inv, ok := t.st.invitations[groupID][userKey]; ok {
		return &inv, nil
	}
	return nil, nil
}

func (t *tx) PutInvitation(inv groups.Invitation) error {
	if t.st.invitations[inv.GroupID] == nil {
		t.st.invitations[inv.GroupID] = make(map[string]groups.Invitation)
	}
	t.st.invitations[inv.GroupID][inv.UserKey] = inv
	if t.st.invitedIndex[inv.UserKey] == nil {
		t.st.invitedIndex[inv.UserKey] = make(map[string]struct{})
	}
	t.st.invitedIndex[inv.UserKey][inv.GroupID] = struct{}{}
	return nil
}

func (t *tx) DeleteInvitation(groupID, userKey string) error {
	delete(t.st.invitations[groupID], userKey)
	delete(t.st.invitedIndex[userKey], groupID)
	return nil
}

func (t *tx) InvitationsOf(groupID string) ([]groups.InvitationEntry, error) {
	edges := t.st.invitations[groupID]
	entries := make([]groups.InvitationEntry, 0, len(edges))
	for key, inv := range edges {
		entries = append(entries, groups.InvitationEntry{User: t.st.usersByKey[key], Invitation: inv})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].User.Key < entries[j].User.Key })
	return entries, nil
}

// keysFor resolves the lookup keys a caller may be edged under: the
// derived key plus the key of the node bound to the id, when different.
func (t *tx) keysFor(userID, key string) []string {
	ks := []string{key}
	if bound, ok := t.st.userKeyByID[userID]; ok && bound != key {
		ks = append(ks, bound)
	}
	return ks
}

func (t *tx) GroupsFor(userID, key string) ([]groups.GroupEdge, error) {
	var edges []groups.GroupEdge
	seen := make(map[string]struct{})
	for _, k := range t.keysFor(userID, key) {
		for groupID := range t.st.memberIndex[k] {
			if _, dup := seen[groupID]; dup {
				continue
			}
			seen[groupID] = struct{}{}
			m := t.st.members[groupID][k]
			edges = append(edges, groups.GroupEdge{
				Group: t.st.groups[groupID], Relation: groups.RelationMember,
				Role: m.Role, Alias: m.Alias, Hide: m.Hide, Request: m.Request, TTE: m.TTE,
			})
		}
		for groupID := range t.st.invitedIndex[k] {
			if _, dup := seen[groupID]; dup {
				continue
			}
			seen[groupID] = struct{}{}
			inv := t.st.invitations[groupID][k]
			edges = append(edges, groups.GroupEdge{
				Group: t.st.groups[groupID], Relation: groups.RelationInvited,
				Role: inv.Role, Alias: inv.Alias, Hide: inv.Hide,
			})
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Group.ID < edges[j].Group.ID })
	return edges, nil
}

func (t *tx) PutService(name string) error {
	t.st.services[name] = struct{}{}
	return nil
}

func (t *tx) Ressource(id string) (*groups.Ressource, error) {
	if r, ok := t.st.ressources[id]; ok {
		return &r, nil
	}
	return nil, nil
}

func (t *tx) PutRessource(r groups.Ressource) error {
	t.st.ressources[r.ID] = r
	return nil
}

func (t *tx) Folder(id string) (*groups.Folder, error) {
	if f, ok := t.st.folders[id]; ok {
		return &f, nil
	}
	return nil, nil
}

func (t *tx) PutFolder(f groups.Folder) error {
	t.st.folders[f.ID] = f
	return nil
}

func (t *tx) PutGrant(g groups.Grant) error {
	t.st.grants[g] = struct{}{}
	return nil
}

func (t *tx) DeleteGrant(g groups.Grant) error {
	delete(t.st.grants, g)
	return nil
}

func (t *tx) HasGrant(source groups.GrantSource, groupID, service, action string) (bool, error) {
	_, ok := t.st.grants[groups.Grant{Source: source, GroupID: groupID, Service: service, Action: action}]
	return ok, nil
}

func (t *tx) PutVote(v groups.Vote) error {
	t.st.votes[v] = struct{}{}
	return nil
}

func (t *tx) CountVotes(groupID, subjectID string, kind groups.RequestKind) (int, error) {
	count := 0
	for v := range t.st.votes {
		if v.GroupID == groupID && v.SubjectID == subjectID && v.Kind == kind {
			count++
		}
	}
	return count, nil
}

func (t *tx) DeleteVotes(groupID, subjectID string) error {
	for v := range t.st.votes {
		if v.GroupID == groupID && v.SubjectID == subjectID {
			delete(t.st.votes, v)
		}
	}
	return nil
}

func (t *tx) PutPolicy(p groups.Policy) error {
	t.st.policies[policyKey{groupID: p.GroupID, action: p.Action}] = p.Fraction
	return nil
}

func (t *tx) PolicyFraction(groupID, action string) (float64, bool, error) {
	f, ok := t.st.policies[policyKey{groupID: groupID, action: action}]
	return f, ok, nil
}
