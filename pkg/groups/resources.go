package groups

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// AddRessourceRequest registers an external resource under an owning
// group. ResID is generated when not supplied.
type AddRessourceRequest struct {
	ResID     string `json:"resId,omitempty"`
	GroupID   string `json:"groupId"`
	Service   string `json:"service"`
	GetAction string `json:"getAction,omitempty"`
}

func (r AddRessourceRequest) validate() error {
	if r.GroupID == "" {
		return invalidf("groupId must not be empty")
	}
	if r.Service == "" {
		return invalidf("service must not be empty")
	}
	return nil
}

// RessourceInfo reports a registered resource.
type RessourceInfo struct {
	ResID   string `json:"resId"`
	GroupID string `json:"groupId"`
	Service string `json:"service"`
}

// AddRessource registers a resource with its owning group and the service
// that stores it. Any member of the group may register; re-registering an
// existing resource under a different owner is a structural mismatch.
func (s *Service) AddRessource(ctx context.Context, req AddRessourceRequest) (*RessourceInfo, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	resID := req.ResID
	if resID == "" {
		resID = newID()
	}

	var result *RessourceInfo
	err = s.store.Update(ctx, func(tx Tx) error {
		member, err := s.membershipFor(tx, p, req.GroupID)
		if err != nil || member == nil {
			return err
		}
		if err := tx.PutService(req.Service); err != nil {
			return err
		}
		res, err := tx.Ressource(resID)
		if err != nil {
			return err
		}
		if res == nil {
			res = &Ressource{ID: resID, GroupID: req.GroupID}
		} else if res.GroupID != req.GroupID {
			// exactly one owner edge per resource
			return nil
		}
		res.Service = req.Service
		res.GetAction = req.GetAction
		if err := tx.PutRessource(*res); err != nil {
			return err
		}
		result = &RessourceInfo{ResID: resID, GroupID: req.GroupID, Service: req.Service}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add ressource: %w", err)
	}

	s.flushAuthz()
	return result, nil
}

// AddFolderRequest creates a folder under an owning group.
type AddFolderRequest struct {
	FolderID string `json:"folderId,omitempty"`
	GroupID  string `json:"groupId"`
}

// AddFolder creates a folder owned by a group. Any member may create one;
// re-adding an existing folder under a different owner is a structural
// mismatch.
func (s *Service) AddFolder(ctx context.Context, req AddFolderRequest) (*Folder, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if req.GroupID == "" {
		return nil, invalidf("groupId must not be empty")
	}

	folderID := req.FolderID
	if folderID == "" {
		folderID = newID()
	}

	var result *Folder
	err = s.store.Update(ctx, func(tx Tx) error {
		member, err := s.membershipFor(tx, p, req.GroupID)
		if err != nil || member == nil {
			return err
		}
		f, err := tx.Folder(folderID)
		if err != nil {
			return err
		}
		if f != nil && f.GroupID != req.GroupID {
			return nil
		}
		folder := Folder{ID: folderID, GroupID: req.GroupID}
		if err := tx.PutFolder(folder); err != nil {
			return err
		}
		result = &folder
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add folder: %w", err)
	}
	return result, nil
}

// AssignFolderRequest assigns a resource to a folder of the same owning
// group.
type AssignFolderRequest struct {
	ResID    string `json:"resId"`
	FolderID string `json:"folderId"`
}

// AssignFolder places a resource into a folder, making folder-level
// grants apply to it. Resource and folder must share the owning group and
// the caller must be a member of it.
func (s *Service) AssignFolder(ctx context.Context, req AssignFolderRequest) (*Ressource, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if req.ResID == "" || req.FolderID == "" {
		return nil, invalidf("resId and folderId must not be empty")
	}

	var result *Ressource
	err = s.store.Update(ctx, func(tx Tx) error {
		res, err := tx.Ressource(req.ResID)
		if err != nil || res == nil {
			return err
		}
		folder, err := tx.Folder(req.FolderID)
		if err != nil || folder == nil {
			return err
		}
		if folder.GroupID != res.GroupID {
			return nil
		}
		member, err := s.membershipFor(tx, p, res.GroupID)
		if err != nil || member == nil {
			return err
		}
		res.FolderID = req.FolderID
		if err := tx.PutRessource(*res); err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to assign folder: %w", err)
	}

	s.flushAuthz()
	return result, nil
}

// GrantRequest delegates (service, action) to a grantee group. Exactly
// one of ByGroupID, ForRessourceID, ForFolderID selects the granting
// side.
type GrantRequest struct {
	ForGroupID     string `json:"forGroupId"`
	Service        string `json:"service"`
	Action         string `json:"action"`
	ByGroupID      string `json:"byGroupId,omitempty"`
	ForRessourceID string `json:"forRessourceId,omitempty"`
	ForFolderID    string `json:"forFolderId,omitempty"`
}

func (r GrantRequest) validate() error {
	if r.ForGroupID == "" || r.Service == "" || r.Action == "" {
		return invalidf("forGroupId, service and action must not be empty")
	}
	set := 0
	for _, v := range []string{r.ByGroupID, r.ForRessourceID, r.ForFolderID} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return invalidf("exactly one of byGroupId, forRessourceId, forFolderId must be set")
	}
	return nil
}

// AddGrant delegates a capability to a group. The caller must be an admin
// of the granting side: the owning group of the resource or folder, or
// the byGroupId group itself.
func (s *Service) AddGrant(ctx context.Context, req GrantRequest) (*Grant, error) {
	return s.changeGrant(ctx, req, true)
}

// RemoveGrant withdraws a delegation, with the same authority rule as
// AddGrant.
func (s *Service) RemoveGrant(ctx context.Context, req GrantRequest) (*Grant, error) {
	return s.changeGrant(ctx, req, false)
}

func (s *Service) changeGrant(ctx context.Context, req GrantRequest, add bool) (*Grant, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	var result *Grant
	err = s.store.Update(ctx, func(tx Tx) error {
		source, grantingGroup, err := s.grantSource(tx, req)
		if err != nil || source == nil {
			return err
		}
		admin, err := s.adminFor(tx, p, grantingGroup)
		if err != nil || admin == nil {
			return err
		}
		if g, err := tx.Group(req.ForGroupID); err != nil || g == nil {
			return err
		}

		grant := Grant{Source: *source, GroupID: req.ForGroupID, Service: req.Service, Action: req.Action}
		if add {
			err = tx.PutGrant(grant)
		} else {
			err = tx.DeleteGrant(grant)
		}
		if err != nil {
			return err
		}
		result = &grant
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to change grant: %w", err)
	}

	s.flushAuthz()
	if result != nil {
		s.logger.WithFields(logrus.Fields{
			"source":  result.Source.Kind,
			"grantee": result.GroupID,
			"action":  result.Service + ":" + result.Action,
			"added":   add,
		}).Info("grant changed")
	}
	return result, nil
}

// grantSource resolves the granting entity and its owning group.
func (s *Service) grantSource(tx Tx, req GrantRequest) (*GrantSource, string, error) {
	switch {
	case req.ForRessourceID != "":
		res, err := tx.Ressource(req.ForRessourceID)
		if err != nil || res == nil {
			return nil, "", err
		}
		return &GrantSource{Kind: GrantFromRessource, ID: res.ID}, res.GroupID, nil
	case req.ForFolderID != "":
		folder, err := tx.Folder(req.ForFolderID)
		if err != nil || folder == nil {
			return nil, "", err
		}
		return &GrantSource{Kind: GrantFromFolder, ID: folder.ID}, folder.GroupID, nil
	default:
		g, err := tx.Group(req.ByGroupID)
		if err != nil || g == nil {
			return nil, "", err
		}
		return &GrantSource{Kind: GrantFromGroup, ID: g.ID}, g.ID, nil
	}
}

// AuthorizeRequest asks whether the caller may perform an action on a
// registered resource.
type AuthorizeRequest struct {
	ResID   string `json:"resId"`
	Service string `json:"service"`
	Action  string `json:"action"`
}

// IsAuthorized resolves access to a resource. Ownership always dominates:
// a member of the owning group is authorized as owner regardless of
// grants. Otherwise a grant from the resource, its folder, or the owning
// group to any group the caller is a member of authorizes as grantee.
// No path fails with NotAuthorizedError, including unknown resources.
func (s *Service) IsAuthorized(ctx context.Context, req AuthorizeRequest) (*Decision, error) {
	p, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if req.ResID == "" || req.Service == "" || req.Action == "" {
		return nil, invalidf("resId, service and action must not be empty")
	}

	cacheKey := authzCacheKey{userID: p.ID, ressourceID: req.ResID, service: req.Service, action: req.Action}
	if s.authz != nil {
		if d, ok := s.authz.Get(cacheKey); ok {
			return &d, nil
		}
	}

	denied := &NotAuthorizedError{UserID: p.ID, RessourceID: req.ResID, Service: req.Service, Action: req.Action}

	var result *Decision
	err = s.store.View(ctx, func(tx Tx) error {
		res, err := tx.Ressource(req.ResID)
		if err != nil || res == nil {
			return err
		}

		// ownership first
		owner, err := s.membershipFor(tx, p, res.GroupID)
		if err != nil {
			return err
		}
		if owner != nil {
			result = &Decision{RessourceID: res.ID, Service: req.Service, Action: req.Action,
				GroupID: res.GroupID, Owner: true}
			return nil
		}

		// delegated grants from the owning context
		memberships, err := tx.MembershipsForUser(p.ID, p.LookupKey())
		if err != nil {
			return err
		}
		sources := []GrantSource{
			{Kind: GrantFromRessource, ID: res.ID},
			{Kind: GrantFromGroup, ID: res.GroupID},
		}
		if res.FolderID != "" {
			sources = append(sources, GrantSource{Kind: GrantFromFolder, ID: res.FolderID})
		}
		for _, m := range memberships {
			for _, src := range sources {
				ok, err := tx.HasGrant(src, m.GroupID, req.Service, req.Action)
				if err != nil {
					return err
				}
				if ok {
					result = &Decision{RessourceID: res.ID, Service: req.Service, Action: req.Action,
						GroupID: m.GroupID, Owner: false}
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve authorization: %w", err)
	}
	if result == nil {
		return nil, denied
	}

	if s.authz != nil {
		s.authz.Add(cacheKey, *result)
	}
	return result, nil
}
