// Package authz is the collaborator side of the authorization contract:
// a service that serves resources embeds a Guard to register them under
// an owning group and to gate access on every call.
package authz

import (
	"context"

	"github.com/groupmesh/groupd/pkg/groups"
)

// GroupsService is the subset of the groups service a Guard depends on.
type GroupsService interface {
	IsAuthorized(ctx context.Context, req groups.AuthorizeRequest) (*groups.Decision, error)
	AddRessource(ctx context.Context, req groups.AddRessourceRequest) (*groups.RessourceInfo, error)
}

// Guard gates one collaborating service's resources. Service is the name
// the resources are registered under; GetAction is the default retrieval
// action recorded for them.
type Guard struct {
	groups    GroupsService
	service   string
	getAction string
}

// New creates a Guard for the named service.
func New(gs GroupsService, service, getAction string) *Guard {
	return &Guard{groups: gs, service: service, getAction: getAction}
}

// IsAuthorized resolves access to a registered resource for the caller in
// ctx. It returns the decision on success and NotAuthorizedError when no
// ownership or grant path exists.
func (g *Guard) IsAuthorized(ctx context.Context, resID, action string) (*groups.Decision, error) {
	return g.groups.IsAuthorized(ctx, groups.AuthorizeRequest{
		ResID:   resID,
		Service: g.service,
		Action:  action,
	})
}

// RegisterRessource registers a resource of this service under an owning
// group and returns the resolved resource id.
func (g *Guard) RegisterRessource(ctx context.Context, resID, groupID, getAction string) (string, error) {
	if getAction == "" {
		getAction = g.getAction
	}
	info, err := g.groups.AddRessource(ctx, groups.AddRessourceRequest{
		ResID:     resID,
		GroupID:   groupID,
		Service:   g.service,
		GetAction: getAction,
	})
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", &groups.UpdateConflictError{GroupID: groupID, Reason: "ressource could not get registered"}
	}
	return info.ResID, nil
}
