package groups

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/groupmesh/groupd/pkg/identity"
	"github.com/groupmesh/groupd/pkg/keys"
)

const (
	defaultListLimit = 1000
	authzCacheSize   = 4096
)

// Config holds the explicit service configuration. Zero values fall back
// to the package defaults.
type Config struct {
	AdminRole   string
	DefaultRole string

	// Consensus selects how nominate/revoke are resolved; one strategy per
	// deployment.
	Consensus ConsensusMode

	// PolicyDefaults are vote-fraction thresholds by request kind, used by
	// the weighted-vote strategy when a group carries no policy edge.
	// A missing entry means 0: any single vote suffices.
	PolicyDefaults map[RequestKind]float64

	// AuthzCacheTTL bounds staleness of cached authorization decisions.
	// Zero disables the cache.
	AuthzCacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.AdminRole == "" {
		c.AdminRole = DefaultAdminRole
	}
	if c.DefaultRole == "" {
		c.DefaultRole = DefaultMemberRole
	}
	if c.Consensus == "" {
		c.Consensus = PendingAcceptance
	}
	return c
}

type authzCacheKey struct {
	userID      string
	ressourceID string
	service     string
	action      string
}

// Service implements the group membership and authorization operations
// over a transactional store. Every public operation resolves the caller
// principal first and maps to exactly one store transaction.
type Service struct {
	store  Store
	cipher keys.Cipher
	cfg    Config
	logger *logrus.Logger
	authz  *lru.LRU[authzCacheKey, Decision]
}

// NewService creates the service.
func NewService(store Store, cipher keys.Cipher, cfg Config, logger *logrus.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	s := &Service{
		store:  store,
		cipher: cipher,
		cfg:    cfg,
		logger: logger,
	}
	if cfg.AuthzCacheTTL > 0 {
		s.authz = lru.NewLRU[authzCacheKey, Decision](authzCacheSize, nil, cfg.AuthzCacheTTL)
	}
	return s
}

// authenticate resolves the caller principal from the context. This is
// the first step of every public operation.
func (s *Service) authenticate(ctx context.Context) (identity.Principal, error) {
	p, ok := identity.FromContext(ctx)
	if !ok {
		return identity.Principal{}, &NotAuthenticatedError{}
	}
	return p, nil
}

// contact is the attribute set sealed onto a user node.
type contact struct {
	Email string `json:"email"`
}

// protect seals the contact attributes for storage.
func (s *Service) protect(ctx context.Context, email string) (string, error) {
	plaintext, err := json.Marshal(contact{Email: email})
	if err != nil {
		return "", fmt.Errorf("failed to marshal contact: %w", err)
	}
	ciphertext, err := s.cipher.Encrypt(ctx, plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to protect contact: %w", err)
	}
	return ciphertext, nil
}

// reveal decrypts stored contact attributes. Missing or malformed
// ciphertext yields nil instead of failing the surrounding list.
func (s *Service) reveal(ctx context.Context, ciphertext string) *string {
	if ciphertext == "" {
		return nil
	}
	plaintext, err := s.cipher.Decrypt(ctx, ciphertext)
	if err != nil {
		s.logger.WithError(err).Warn("failed to reveal contact attributes")
		return nil
	}
	var c contact
	if err := json.Unmarshal(plaintext, &c); err != nil {
		s.logger.WithError(err).Warn("malformed contact attributes")
		return nil
	}
	return &c.Email
}

// callerKeys returns the lookup keys a caller may be edged under: the key
// derived from the current email, and the key of the user node already
// bound to the caller id when that differs (the email changed since the
// node was first merged).
func (s *Service) callerKeys(tx Tx, p identity.Principal) ([]string, error) {
	ks := []string{p.LookupKey()}
	u, err := tx.UserByID(p.ID)
	if err != nil {
		return nil, err
	}
	if u != nil && u.Key != ks[0] {
		ks = append(ks, u.Key)
	}
	return ks, nil
}

// membershipFor finds the caller's membership edge on a group, if any.
func (s *Service) membershipFor(tx Tx, p identity.Principal, groupID string) (*Member, error) {
	ks, err := s.callerKeys(tx, p)
	if err != nil {
		return nil, err
	}
	for _, k := range ks {
		m, err := tx.Membership(groupID, k)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}
	}
	return nil, nil
}

// adminFor finds the caller's admin membership edge on a group, if any.
func (s *Service) adminFor(tx Tx, p identity.Principal, groupID string) (*Member, error) {
	m, err := s.membershipFor(tx, p, groupID)
	if err != nil || m == nil {
		return nil, err
	}
	if m.Role != s.cfg.AdminRole {
		return nil, nil
	}
	return m, nil
}

// invitationFor finds the caller's invitation edge on a group, if any.
func (s *Service) invitationFor(tx Tx, p identity.Principal, groupID string) (*Invitation, error) {
	ks, err := s.callerKeys(tx, p)
	if err != nil {
		return nil, err
	}
	for _, k := range ks {
		inv, err := tx.Invitation(groupID, k)
		if err != nil {
			return nil, err
		}
		if inv != nil {
			return inv, nil
		}
	}
	return nil, nil
}

// fixTTL re-establishes the admin-orphan invariant for a group: TTL is
// non-nil iff the group has zero admin memberships.
func (s *Service) fixTTL(tx Tx, groupID string) error {
	g, err := tx.Group(groupID)
	if err != nil || g == nil {
		return err
	}
	admins, err := tx.AdminCount(groupID, s.cfg.AdminRole)
	if err != nil {
		return err
	}
	switch {
	case admins == 0 && g.TTL == nil:
		deadline := time.Now().Add(GracePeriod)
		return tx.SetGroupTTL(groupID, &deadline)
	case admins > 0 && g.TTL != nil:
		return tx.SetGroupTTL(groupID, nil)
	}
	return nil
}

// mergeUser upserts the user node for a lookup key, binding the id and
// refreshing the sealed contact when supplied.
func mergeUser(tx Tx, key, id, contact string) (*User, error) {
	u, err := tx.UserByKey(key)
	if err != nil {
		return nil, err
	}
	if u == nil {
		u = &User{Key: key}
	}
	if id != "" {
		u.ID = id
	}
	if contact != "" {
		u.Contact = contact
	}
	if err := tx.PutUser(*u); err != nil {
		return nil, err
	}
	return u, nil
}

// flushAuthz drops cached authorization decisions after a mutation that
// can change resolution outcomes.
func (s *Service) flushAuthz() {
	if s.authz != nil {
		s.authz.Purge()
	}
}

// newID generates an opaque unique identifier.
func newID() string {
	return uuid.NewString()
}

// AddRequest creates a new group.
type AddRequest struct {
	Name string `json:"name"`
}

// CreatedGroup is the result of Add.
type CreatedGroup struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Add creates a new group with the caller as its single admin member.
func (s *Service) Add(ctx context.Context, req AddRequest) (*CreatedGroup, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, invalidf("name must not be empty")
	}

	sealed, err := s.protect(ctx, p.Email)
	if err != nil {
		return nil, err
	}

	groupID := newID()
	key := p.LookupKey()
	err = s.store.Update(ctx, func(tx Tx) error {
		if err := tx.PutGroup(Group{ID: groupID, Name: req.Name}); err != nil {
			return err
		}
		if _, err := mergeUser(tx, key, p.ID, sealed); err != nil {
			return err
		}
		return tx.PutMembership(Member{GroupID: groupID, UserKey: key, Role: s.cfg.AdminRole})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}

	s.logger.WithFields(logrus.Fields{"group": groupID, "user": p.ID}).Info("group created")
	return &CreatedGroup{ID: groupID, Name: req.Name, UserID: p.ID, Role: s.cfg.AdminRole}, nil
}

// Get returns one group as seen by the caller. Visibility requires a
// membership or invitation edge; anything else is an empty result.
func (s *Service) Get(ctx context.Context, groupID string) (*GroupEdge, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	var result *GroupEdge
	err = s.store.View(ctx, func(tx Tx) error {
		g, err := tx.Group(groupID)
		if err != nil || g == nil {
			return err
		}
		m, err := s.membershipFor(tx, p, groupID)
		if err != nil {
			return err
		}
		if m != nil {
			result = &GroupEdge{Group: *g, Relation: RelationMember, Role: m.Role,
				Alias: m.Alias, Hide: m.Hide, Request: m.Request, TTE: m.TTE}
			return nil
		}
		inv, err := s.invitationFor(tx, p, groupID)
		if err != nil {
			return err
		}
		if inv != nil {
			result = &GroupEdge{Group: *g, Relation: RelationInvited, Role: inv.Role,
				Alias: inv.Alias, Hide: inv.Hide}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return result, nil
}

// List returns the groups the caller is a member of or invited to,
// ordered by group id.
func (s *Service) List(ctx context.Context, limit, offset int) ([]GroupEdge, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	var edges []GroupEdge
	err = s.store.View(ctx, func(tx Tx) error {
		edges, err = tx.GroupsFor(p.ID, p.LookupKey())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}

	if offset >= len(edges) {
		return nil, nil
	}
	edges = edges[offset:]
	if len(edges) > limit {
		edges = edges[:limit]
	}
	return edges, nil
}

// RenameRequest renames a group.
type RenameRequest struct {
	GroupID string `json:"id"`
	Name    string `json:"name"`
}

// Rename changes a group name. The caller must hold an admin membership
// edge; otherwise the rename is a no-op with an empty result.
func (s *Service) Rename(ctx context.Context, req RenameRequest) (*Group, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if req.GroupID == "" || req.Name == "" {
		return nil, invalidf("id and name must not be empty")
	}

	var result *Group
	err = s.store.Update(ctx, func(tx Tx) error {
		admin, err := s.adminFor(tx, p, req.GroupID)
		if err != nil || admin == nil {
			return err
		}
		g, err := tx.Group(req.GroupID)
		if err != nil || g == nil {
			return err
		}
		g.Name = req.Name
		if err := tx.PutGroup(*g); err != nil {
			return err
		}
		result = g
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rename group: %w", err)
	}
	return result, nil
}
