package groups

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/groupmesh/groupd/pkg/identity"
)

// InviteRequest invites a user by email. Role defaults to the configured
// default role.
type InviteRequest struct {
	GroupID string `json:"id"`
	Email   string `json:"email"`
	Role    string `json:"role,omitempty"`
}

func (r InviteRequest) validate() error {
	if r.GroupID == "" {
		return invalidf("id must not be empty")
	}
	if !strings.Contains(r.Email, "@") {
		return invalidf("invalid email address")
	}
	return nil
}

// InviteResult reports the stored invitation.
type InviteResult struct {
	GroupID    string `json:"id"`
	Name       string `json:"name"`
	InvitedKey string `json:"invited"`
	Role       string `json:"role"`
}

// Invite creates or updates an invitation edge, keyed by the target's
// lookup key. The caller must be an admin of the group. Re-inviting an
// already invited key overwrites the role.
func (s *Service) Invite(ctx context.Context, req InviteRequest) (*InviteResult, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	sealed, err := s.protect(ctx, req.Email)
	if err != nil {
		return nil, err
	}

	role := req.Role
	if role == "" {
		role = s.cfg.DefaultRole
	}
	inviteKey := identity.DeriveKey(req.Email)

	var result *InviteResult
	err = s.store.Update(ctx, func(tx Tx) error {
		admin, err := s.adminFor(tx, p, req.GroupID)
		if err != nil || admin == nil {
			return err
		}
		g, err := tx.Group(req.GroupID)
		if err != nil || g == nil {
			return err
		}
		if _, err := mergeUser(tx, inviteKey, "", sealed); err != nil {
			return err
		}
		inv, err := tx.Invitation(req.GroupID, inviteKey)
		if err != nil {
			return err
		}
		if inv == nil {
			inv = &Invitation{GroupID: req.GroupID, UserKey: inviteKey}
		}
		inv.Role = role
		if err := tx.PutInvitation(*inv); err != nil {
			return err
		}
		result = &InviteResult{GroupID: g.ID, Name: g.Name, InvitedKey: inviteKey, Role: role}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invite: %w", err)
	}

	if result != nil {
		s.logger.WithFields(logrus.Fields{"group": req.GroupID, "invited": inviteKey}).Info("user invited")
	}
	return result, nil
}

// Refusal reports a deleted invitation.
type Refusal struct {
	GroupID string `json:"id"`
	Name    string `json:"name"`
}

// Refuse deletes the caller's own invitation edge, matched by lookup key.
func (s *Service) Refuse(ctx context.Context, groupID string) (*Refusal, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	key := p.LookupKey()
	var result *Refusal
	err = s.store.Update(ctx, func(tx Tx) error {
		inv, err := tx.Invitation(groupID, key)
		if err != nil || inv == nil {
			return err
		}
		if err := tx.DeleteInvitation(groupID, key); err != nil {
			return err
		}
		g, err := tx.Group(groupID)
		if err != nil || g == nil {
			return err
		}
		result = &Refusal{GroupID: g.ID, Name: g.Name}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refuse invitation: %w", err)
	}
	return result, nil
}

// HideRequest sets or clears the hide flag on the caller's edge.
type HideRequest struct {
	GroupID string `json:"id"`
	Unhide  bool   `json:"unhide,omitempty"`
}

// HideResult reports the new flag value.
type HideResult struct {
	GroupID string `json:"id"`
	Hide    bool   `json:"hide"`
}

// Hide flags the caller's membership or invitation edge as hidden (or
// visible again). The edge itself is kept.
func (s *Service) Hide(ctx context.Context, req HideRequest) (*HideResult, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	key := p.LookupKey()
	hide := !req.Unhide
	var result *HideResult
	err = s.store.Update(ctx, func(tx Tx) error {
		if m, err := tx.Membership(req.GroupID, key); err != nil {
			return err
		} else if m != nil {
			m.Hide = hide
			if err := tx.PutMembership(*m); err != nil {
				return err
			}
			result = &HideResult{GroupID: req.GroupID, Hide: hide}
			return nil
		}
		inv, err := tx.Invitation(req.GroupID, key)
		if err != nil || inv == nil {
			return err
		}
		inv.Hide = hide
		if err := tx.PutInvitation(*inv); err != nil {
			return err
		}
		result = &HideResult{GroupID: req.GroupID, Hide: hide}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set hide flag: %w", err)
	}
	return result, nil
}

// JoinResult reports the accepted membership.
type JoinResult struct {
	GroupID string `json:"id"`
	Role    string `json:"role"`
}

// Join converts the caller's invitation into a membership edge with the
// carried role, binding the caller id to the user node. Joining as admin
// clears the group's orphan TTL.
func (s *Service) Join(ctx context.Context, groupID string) (*JoinResult, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	key := p.LookupKey()
	var result *JoinResult
	err = s.store.Update(ctx, func(tx Tx) error {
		if _, err := mergeUser(tx, key, p.ID, ""); err != nil {
			return err
		}
		inv, err := tx.Invitation(groupID, key)
		if err != nil || inv == nil {
			return err
		}
		m := Member{GroupID: groupID, UserKey: key, Role: inv.Role, Hide: inv.Hide, Alias: inv.Alias}
		if err := tx.PutMembership(m); err != nil {
			return err
		}
		if err := tx.DeleteInvitation(groupID, key); err != nil {
			return err
		}
		if err := s.fixTTL(tx, groupID); err != nil {
			return err
		}
		result = &JoinResult{GroupID: groupID, Role: m.Role}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to join group: %w", err)
	}

	s.flushAuthz()
	if result != nil {
		s.logger.WithFields(logrus.Fields{"group": groupID, "user": p.ID}).Info("user joined")
	}
	return result, nil
}

// AliasRequest sets a display alias on the caller's edge. An empty alias
// clears it.
type AliasRequest struct {
	GroupID string `json:"id"`
	Alias   string `json:"alias,omitempty"`
}

// AliasResult reports the stored alias.
type AliasResult struct {
	GroupID string `json:"id"`
	Name    string `json:"name"`
	Alias   string `json:"alias"`
}

// Alias sets the display alias on the caller's membership or invitation
// edge.
func (s *Service) Alias(ctx context.Context, req AliasRequest) (*AliasResult, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	var result *AliasResult
	err = s.store.Update(ctx, func(tx Tx) error {
		g, err := tx.Group(req.GroupID)
		if err != nil || g == nil {
			return err
		}
		if m, err := s.membershipFor(tx, p, req.GroupID); err != nil {
			return err
		} else if m != nil {
			m.Alias = req.Alias
			if err := tx.PutMembership(*m); err != nil {
				return err
			}
			result = &AliasResult{GroupID: g.ID, Name: g.Name, Alias: req.Alias}
			return nil
		}
		inv, err := s.invitationFor(tx, p, req.GroupID)
		if err != nil || inv == nil {
			return err
		}
		inv.Alias = req.Alias
		if err := tx.PutInvitation(*inv); err != nil {
			return err
		}
		result = &AliasResult{GroupID: g.ID, Name: g.Name, Alias: req.Alias}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set alias: %w", err)
	}
	return result, nil
}

// LeaveResult reports the demoted affiliation. TTL is set when the caller
// was the last admin.
type LeaveResult struct {
	GroupID string     `json:"id"`
	Role    string     `json:"role"`
	Key     string     `json:"key"`
	TTL     *time.Time `json:"ttl,omitempty"`
}

// Leave deletes the caller's membership edge and replaces it with an
// equivalent invitation, so a later Join restores the same role. If the
// group is left without admins its orphan TTL starts.
func (s *Service) Leave(ctx context.Context, groupID string) (*LeaveResult, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	key := p.LookupKey()
	var result *LeaveResult
	err = s.store.Update(ctx, func(tx Tx) error {
		m, err := s.membershipFor(tx, p, groupID)
		if err != nil || m == nil {
			return err
		}
		if _, err := mergeUser(tx, key, "", ""); err != nil {
			return err
		}
		inv := Invitation{GroupID: groupID, UserKey: key, Role: m.Role, Hide: m.Hide, Alias: m.Alias}
		if err := tx.PutInvitation(inv); err != nil {
			return err
		}
		if err := tx.DeleteMembership(groupID, m.UserKey); err != nil {
			return err
		}
		if err := s.fixTTL(tx, groupID); err != nil {
			return err
		}
		g, err := tx.Group(groupID)
		if err != nil || g == nil {
			return err
		}
		result = &LeaveResult{GroupID: groupID, Role: inv.Role, Key: key, TTL: g.TTL}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to leave group: %w", err)
	}

	s.flushAuthz()
	if result != nil {
		s.logger.WithFields(logrus.Fields{"group": groupID, "user": p.ID}).Info("user left")
	}
	return result, nil
}

// RemoveRequest removes a member or invited user, addressed by id or
// email. Exactly one of the two should be set.
type RemoveRequest struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId,omitempty"`
	Email   string `json:"email,omitempty"`
}

// Removal reports the deleted edge.
type Removal struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId,omitempty"`
	Key     string `json:"key"`
}

// Remove deletes the target's membership or invitation edge. The caller
// must be an admin. A membership edge with admin role is never removable
// through this path; admins step down via Revoke or Leave.
func (s *Service) Remove(ctx context.Context, req RemoveRequest) (*Removal, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if req.UserID == "" && req.Email == "" {
		return nil, nil
	}

	var result *Removal
	err = s.store.Update(ctx, func(tx Tx) error {
		admin, err := s.adminFor(tx, p, req.GroupID)
		if err != nil || admin == nil {
			return err
		}

		key := identity.DeriveKey(req.Email)
		userID := ""
		if req.UserID != "" {
			u, err := tx.UserByID(req.UserID)
			if err != nil || u == nil {
				return err
			}
			key = u.Key
			userID = u.ID
		}

		if m, err := tx.Membership(req.GroupID, key); err != nil {
			return err
		} else if m != nil {
			if m.Role == s.cfg.AdminRole {
				return nil
			}
			if err := tx.DeleteMembership(req.GroupID, key); err != nil {
				return err
			}
			result = &Removal{GroupID: req.GroupID, UserID: userID, Key: key}
			return nil
		}
		inv, err := tx.Invitation(req.GroupID, key)
		if err != nil || inv == nil {
			return err
		}
		if err := tx.DeleteInvitation(req.GroupID, key); err != nil {
			return err
		}
		result = &Removal{GroupID: req.GroupID, UserID: userID, Key: key}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to remove user: %w", err)
	}

	s.flushAuthz()
	return result, nil
}

// Members lists members and invited users of a group, with contact
// attributes revealed per row. The caller must hold a membership or
// invitation edge on the group.
func (s *Service) Members(ctx context.Context, groupID string) ([]MemberRow, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	var members []MemberEntry
	var invited []InvitationEntry
	err = s.store.View(ctx, func(tx Tx) error {
		m, err := s.membershipFor(tx, p, groupID)
		if err != nil {
			return err
		}
		if m == nil {
			inv, err := s.invitationFor(tx, p, groupID)
			if err != nil || inv == nil {
				return err
			}
		}
		if members, err = tx.MembersOf(groupID); err != nil {
			return err
		}
		invited, err = tx.InvitationsOf(groupID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	rows := make([]MemberRow, 0, len(members)+len(invited))
	for _, e := range members {
		rows = append(rows, MemberRow{
			Key:       e.User.Key,
			UserID:    e.User.ID,
			Email:     s.reveal(ctx, e.User.Contact),
			Relation:  RelationMember,
			Role:      e.Member.Role,
			Request:   e.Member.Request,
			Requester: e.Member.Requester,
			TTE:       e.Member.TTE,
		})
	}
	for _, e := range invited {
		rows = append(rows, MemberRow{
			Key:      e.User.Key,
			UserID:   e.User.ID,
			Email:    s.reveal(ctx, e.User.Contact),
			Relation: RelationInvited,
			Role:     e.Invitation.Role,
		})
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows, nil
}

// Invitations lists pending invitations of a group, with contact
// attributes revealed per row. The caller must be a member.
func (s *Service) Invitations(ctx context.Context, groupID string) ([]MemberRow, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	var invited []InvitationEntry
	err = s.store.View(ctx, func(tx Tx) error {
		m, err := s.membershipFor(tx, p, groupID)
		if err != nil || m == nil {
			return err
		}
		invited, err = tx.InvitationsOf(groupID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}

	rows := make([]MemberRow, 0, len(invited))
	for _, e := range invited {
		rows = append(rows, MemberRow{
			Key:      e.User.Key,
			UserID:   e.User.ID,
			Email:    s.reveal(ctx, e.User.Contact),
			Relation: RelationInvited,
			Role:     e.Invitation.Role,
		})
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows, nil
}
