package groups

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/groupmesh/groupd/pkg/identity"
)

// NominateRequest proposes promoting a member to admin.
type NominateRequest struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
}

// RevokeRequest proposes demoting an admin to the default role.
type RevokeRequest struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
}

// Nominate proposes the admin role for a member. Under pending acceptance
// the target's edge is marked with a pending request only the target can
// resolve; under weighted voting the caller casts one vote and the change
// applies once the policy threshold is crossed, all in one transaction.
func (s *Service) Nominate(ctx context.Context, req NominateRequest) (*RoleChange, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if s.cfg.Consensus == WeightedVote {
		return s.castVote(ctx, p, req.GroupID, req.UserID, RequestNominate)
	}
	return s.fileRequest(ctx, p, req.GroupID, req.UserID, RequestNominate)
}

// Revoke proposes demoting an admin. The caller must be an admin distinct
// from the target; a self-revoke is a structural mismatch and yields an
// empty result.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (*RoleChange, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if req.UserID == p.ID {
		return nil, nil
	}
	if s.cfg.Consensus == WeightedVote {
		return s.castVote(ctx, p, req.GroupID, req.UserID, RequestRevoke)
	}
	return s.fileRequest(ctx, p, req.GroupID, req.UserID, RequestRevoke)
}

// fileRequest implements the pending-acceptance strategy: the target's
// membership edge carries the request until the target accepts or
// declines.
func (s *Service) fileRequest(ctx context.Context, p identity.Principal, groupID, userID string, kind RequestKind) (*RoleChange, error) {
	var result *RoleChange
	err := s.store.Update(ctx, func(tx Tx) error {
		admin, err := s.adminFor(tx, p, groupID)
		if err != nil || admin == nil {
			return err
		}
		target, err := s.targetMembership(tx, groupID, userID, kind)
		if err != nil || target == nil {
			return err
		}

		target.Request = kind
		target.Requester = p.ID
		if kind == RequestRevoke {
			deadline := time.Now().Add(GracePeriod)
			target.TTE = &deadline
		}
		if err := tx.PutMembership(*target); err != nil {
			return err
		}
		result = &RoleChange{GroupID: groupID, UserID: userID,
			Request: kind, Requester: p.ID, TTE: target.TTE}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to file %s request: %w", kind, err)
	}
	return result, nil
}

// castVote implements the weighted-vote strategy. Vote counting and the
// role change run in the same transaction to avoid lost updates from
// concurrent voters.
func (s *Service) castVote(ctx context.Context, p identity.Principal, groupID, userID string, kind RequestKind) (*RoleChange, error) {
	var result *RoleChange
	err := s.store.Update(ctx, func(tx Tx) error {
		admin, err := s.adminFor(tx, p, groupID)
		if err != nil || admin == nil {
			return err
		}
		target, err := s.targetMembership(tx, groupID, userID, kind)
		if err != nil || target == nil {
			return err
		}

		if err := tx.PutVote(Vote{GroupID: groupID, VoterID: p.ID, SubjectID: userID, Kind: kind}); err != nil {
			return err
		}
		votes, err := tx.CountVotes(groupID, userID, kind)
		if err != nil {
			return err
		}
		admins, err := tx.AdminCount(groupID, s.cfg.AdminRole)
		if err != nil {
			return err
		}
		fraction, ok, err := tx.PolicyFraction(groupID, string(kind))
		if err != nil {
			return err
		}
		if !ok {
			fraction = s.cfg.PolicyDefaults[kind]
		}

		result = &RoleChange{GroupID: groupID, UserID: userID, Votes: votes}
		if float64(votes) <= float64(admins)*fraction {
			return nil
		}

		if kind == RequestNominate {
			target.Role = s.cfg.AdminRole
		} else {
			target.Role = s.cfg.DefaultRole
		}
		target.Request = RequestNone
		target.Requester = ""
		target.TTE = nil
		if err := tx.PutMembership(*target); err != nil {
			return err
		}
		if err := tx.DeleteVotes(groupID, userID); err != nil {
			return err
		}
		if err := s.fixTTL(tx, groupID); err != nil {
			return err
		}
		result.Applied = true
		result.Role = target.Role
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cast %s vote: %w", kind, err)
	}

	if result != nil && result.Applied {
		s.logger.WithFields(logrus.Fields{"group": groupID, "user": userID, "kind": kind}).Info("role change applied by vote")
	}
	return result, nil
}

// targetMembership resolves the subject edge of a role-change request:
// for nominate the target must not already be admin, for revoke it must
// be. Anything else is a structural mismatch.
func (s *Service) targetMembership(tx Tx, groupID, userID string, kind RequestKind) (*Member, error) {
	u, err := tx.UserByID(userID)
	if err != nil || u == nil {
		return nil, err
	}
	m, err := tx.Membership(groupID, u.Key)
	if err != nil || m == nil {
		return nil, err
	}
	if kind == RequestNominate && m.Role == s.cfg.AdminRole {
		return nil, nil
	}
	if kind == RequestRevoke && m.Role != s.cfg.AdminRole {
		return nil, nil
	}
	return m, nil
}

// DecisionRequest accepts or declines a pending role-change request.
type DecisionRequest struct {
	GroupID string      `json:"groupId"`
	Request RequestKind `json:"request"`
}

func (r DecisionRequest) validate() error {
	if r.GroupID == "" {
		return invalidf("groupId must not be empty")
	}
	if !r.Request.Valid() {
		return invalidf("unknown request kind %q", r.Request)
	}
	return nil
}

// Accept applies a pending role change on the caller's own membership
// edge. Only the target of the request can accept it; an edge not in the
// expected pending state yields an empty result.
func (s *Service) Accept(ctx context.Context, req DecisionRequest) (*RoleChange, error) {
	return s.resolveRequest(ctx, req, true)
}

// Decline clears a pending role change on the caller's own membership
// edge without changing the role.
func (s *Service) Decline(ctx context.Context, req DecisionRequest) (*RoleChange, error) {
	return s.resolveRequest(ctx, req, false)
}

func (s *Service) resolveRequest(ctx context.Context, req DecisionRequest, apply bool) (*RoleChange, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	var result *RoleChange
	err = s.store.Update(ctx, func(tx Tx) error {
		m, err := s.membershipFor(tx, p, req.GroupID)
		if err != nil || m == nil {
			return err
		}
		if m.Request != req.Request {
			return nil
		}

		if apply {
			if req.Request == RequestNominate {
				m.Role = s.cfg.AdminRole
			} else {
				m.Role = s.cfg.DefaultRole
			}
		}
		m.Request = RequestNone
		m.Requester = ""
		m.TTE = nil
		if err := tx.PutMembership(*m); err != nil {
			return err
		}
		if apply {
			if err := s.fixTTL(tx, req.GroupID); err != nil {
				return err
			}
		}
		result = &RoleChange{GroupID: req.GroupID, UserID: p.ID, Role: m.Role, Applied: apply}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve request: %w", err)
	}
	return result, nil
}

// SetRoleRequest changes a member's role directly.
type SetRoleRequest struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
	Role    string `json:"role"`
}

// SetRole sets the role of a non-admin member. A caller changing their
// own role is an update conflict; an admin target or an unchanged role
// is a structural mismatch with an empty result.
func (s *Service) SetRole(ctx context.Context, req SetRoleRequest) (*RoleChange, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if req.Role == "" {
		return nil, invalidf("role must not be empty")
	}
	if req.UserID == p.ID {
		return nil, &UpdateConflictError{GroupID: req.GroupID, Reason: "member cannot change their own role"}
	}

	var result *RoleChange
	err = s.store.Update(ctx, func(tx Tx) error {
		admin, err := s.adminFor(tx, p, req.GroupID)
		if err != nil || admin == nil {
			return err
		}
		u, err := tx.UserByID(req.UserID)
		if err != nil || u == nil {
			return err
		}
		m, err := tx.Membership(req.GroupID, u.Key)
		if err != nil || m == nil {
			return err
		}
		if m.Role == s.cfg.AdminRole || m.Role == req.Role {
			return nil
		}
		m.Role = req.Role
		if err := tx.PutMembership(*m); err != nil {
			return err
		}
		if err := s.fixTTL(tx, req.GroupID); err != nil {
			return err
		}
		result = &RoleChange{GroupID: req.GroupID, UserID: req.UserID, Role: req.Role, Applied: true}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set role: %w", err)
	}
	return result, nil
}

// SetPolicyRequest stores a vote-fraction threshold for one action.
type SetPolicyRequest struct {
	GroupID  string  `json:"groupId"`
	Action   string  `json:"action"`
	Fraction float64 `json:"fraction"`
}

// SetPolicy sets the weighted-vote threshold for an action on a group.
// The caller must be an admin.
func (s *Service) SetPolicy(ctx context.Context, req SetPolicyRequest) (*Policy, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if req.Action == "" {
		return nil, invalidf("action must not be empty")
	}
	if req.Fraction < 0 || req.Fraction > 1 {
		return nil, invalidf("fraction must be within [0, 1]")
	}

	var result *Policy
	err = s.store.Update(ctx, func(tx Tx) error {
		admin, err := s.adminFor(tx, p, req.GroupID)
		if err != nil || admin == nil {
			return err
		}
		policy := Policy{GroupID: req.GroupID, Action: req.Action, Fraction: req.Fraction}
		if err := tx.PutPolicy(policy); err != nil {
			return err
		}
		result = &policy
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set policy: %w", err)
	}
	return result, nil
}
