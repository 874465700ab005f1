package groups_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupmesh/groupd/pkg/groups"
)

// twoGroups builds the usual sharing fixture: alice admins g1 with a
// registered file resource, bob admins g2.
func twoGroups(t *testing.T, svc *groups.Service) (g1, g2, resID string) {
	t.Helper()
	alice := as("u-alice", "alice@example.org")
	bob := as("u-bob", "bob@example.org")

	c1, err := svc.Add(alice, groups.AddRequest{Name: "owners"})
	require.NoError(t, err)
	c2, err := svc.Add(bob, groups.AddRequest{Name: "guests"})
	require.NoError(t, err)

	res, err := svc.AddRessource(alice, groups.AddRessourceRequest{
		ResID:   "res-1",
		GroupID: c1.ID,
		Service: "files",
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	return c1.ID, c2.ID, res.ResID
}

func TestAddRessource(t *testing.T) {
	svc, _ := newTestService(t, groups.Config{})
	alice := as("u-alice", "alice@example.org")
	bob := as("u-bob", "bob@example.org")

	g1, g2, resID := twoGroups(t, svc)

	t.Run("re-registering under a different owner is a no-op", func(t *testing.T) {
		res, err := svc.AddRessource(bob, groups.AddRessourceRequest{ResID: resID, GroupID: g2, Service: "files"})
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("re-registering under the same owner succeeds", func(t *testing.T) {
		res, err := svc.AddRessource(alice, groups.AddRessourceRequest{ResID: resID, GroupID: g1, Service: "files"})
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, resID, res.ResID)
	})

	t.Run("non-member cannot register for the group", func(t *testing.T) {
		res, err := svc.AddRessource(bob, groups.AddRessourceRequest{ResID: "res-2", GroupID: g1, Service: "files"})
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("generated id when none given", func(t *testing.T) {
		res, err := svc.AddRessource(alice, groups.AddRessourceRequest{GroupID: g1, Service: "files"})
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.NotEmpty(t, res.ResID)
	})
}

func TestIsAuthorizedOwnership(t *testing.T) {
	svc, _ := newTestService(t, groups.Config{})
	alice := as("u-alice", "alice@example.org")
	bob := as("u-bob", "bob@example.org")

	g1, _, resID := twoGroups(t, svc)

	t.Run("owner is always authorized", func(t *testing.T) {
		d, err := svc.IsAuthorized(alice, groups.AuthorizeRequest{ResID: resID, Service: "files", Action: "write"})
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.True(t, d.Owner)
		assert.Equal(t, g1, d.GroupID)
	})

	t.Run("non-owner without grant is denied", func(t *testing.T) {
		_, err := svc.IsAuthorized(bob, groups.AuthorizeRequest{ResID: resID, Service: "files", Action: "read"})
		require.Error(t, err)
		assert.True(t, groups.IsNotAuthorized(err))
	})

	t.Run("unknown resource is denied, not an internal error", func(t *testing.T) {
		_, err := svc.IsAuthorized(alice, groups.AuthorizeRequest{ResID: "nope", Service: "files", Action: "read"})
		require.Error(t, err)
		assert.True(t, groups.IsNotAuthorized(err))
	})

	t.Run("unauthenticated caller", func(t *testing.T) {
		_, err := svc.IsAuthorized(context.Background(), groups.AuthorizeRequest{ResID: resID, Service: "files", Action: "read"})
		assert.True(t, groups.IsNotAuthenticated(err))
	})
}

func TestGrants(t *testing.T) {
	svc, _ := newTestService(t, groups.Config{})
	alice := as("u-alice", "alice@example.org")
	bob := as("u-bob", "bob@example.org")

	_, g2, resID := twoGroups(t, svc)

	t.Run("grant requires exactly one source", func(t *testing.T) {
		_, err := svc.AddGrant(alice, groups.GrantRequest{ForGroupID: g2, Service: "files", Action: "read"})
		assert.Error(t, err)

		_, err = svc.AddGrant(alice, groups.GrantRequest{ForGroupID: g2, Service: "files", Action: "read",
			ForRessourceID: resID, ForFolderID: "f-1"})
		assert.Error(t, err)
	})

	t.Run("resource grant authorizes the action it names", func(t *testing.T) {
		grant, err := svc.AddGrant(alice, groups.GrantRequest{ForGroupID: g2, Service: "files", Action: "read", ForRessourceID: resID})
		require.NoError(t, err)
		require.NotNil(t, grant)

		d, err := svc.IsAuthorized(bob, groups.AuthorizeRequest{ResID: resID, Service: "files", Action: "read"})
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.False(t, d.Owner)
		assert.Equal(t, g2, d.GroupID)
	})

	t.Run("other actions stay denied", func(t *testing.T) {
		_, err := svc.IsAuthorized(bob, groups.AuthorizeRequest{ResID: resID, Service: "files", Action: "write"})
		require.Error(t, err)
		assert.True(t, groups.IsNotAuthorized(err))
	})

	t.Run("only admins of the granting group may grant", func(t *testing.T) {
		grant, err := svc.AddGrant(bob, groups.GrantRequest{ForGroupID: g2, Service: "files", Action: "write", ForRessourceID: resID})
		require.NoError(t, err)
		assert.Nil(t, grant)
	})

	t.Run("removing the grant revokes access", func(t *testing.T) {
		grant, err := svc.RemoveGrant(alice, groups.GrantRequest{ForGroupID: g2, Service: "files", Action: "read", ForRessourceID: resID})
		require.NoError(t, err)
		require.NotNil(t, grant)

		_, err = svc.IsAuthorized(bob, groups.AuthorizeRequest{ResID: resID, Service: "files", Action: "read"})
		require.Error(t, err)
		assert.True(t, groups.IsNotAuthorized(err))
	})
}

func TestFolderGrants(t *testing.T) {
	svc, _ := newTestService(t, groups.Config{})
	alice := as("u-alice", "alice@example.org")
	bob := as("u-bob", "bob@example.org")

	g1, g2, resID := twoGroups(t, svc)

	folder, err := svc.AddFolder(alice, groups.AddFolderRequest{FolderID: "f-1", GroupID: g1})
	require.NoError(t, err)
	require.NotNil(t, folder)

	t.Run("folder and resource must share the owner", func(t *testing.T) {
		other, err := svc.AddFolder(bob, groups.AddFolderRequest{FolderID: "f-2", GroupID: g2})
		require.NoError(t, err)
		require.NotNil(t, other)

		res, err := svc.AssignFolder(alice, groups.AssignFolderRequest{ResID: resID, FolderID: "f-2"})
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("folder grant covers assigned resources", func(t *testing.T) {
		res, err := svc.AssignFolder(alice, groups.AssignFolderRequest{ResID: resID, FolderID: "f-1"})
		require.NoError(t, err)
		require.NotNil(t, res)

		grant, err := svc.AddGrant(alice, groups.GrantRequest{ForGroupID: g2, Service: "files", Action: "read", ForFolderID: "f-1"})
		require.NoError(t, err)
		require.NotNil(t, grant)

		d, err := svc.IsAuthorized(bob, groups.AuthorizeRequest{ResID: resID, Service: "files", Action: "read"})
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.False(t, d.Owner)
	})
}

func TestGroupGrants(t *testing.T) {
	svc, _ := newTestService(t, groups.Config{})
	alice := as("u-alice", "alice@example.org")
	bob := as("u-bob", "bob@example.org")

	g1, g2, resID := twoGroups(t, svc)

	grant, err := svc.AddGrant(alice, groups.GrantRequest{ForGroupID: g2, Service: "files", Action: "read", ByGroupID: g1})
	require.NoError(t, err)
	require.NotNil(t, grant)

	d, err := svc.IsAuthorized(bob, groups.AuthorizeRequest{ResID: resID, Service: "files", Action: "read"})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.False(t, d.Owner)
	assert.Equal(t, g2, d.GroupID)
}

func TestAuthzCacheInvalidation(t *testing.T) {
	svc, _ := newTestService(t, groups.Config{AuthzCacheTTL: time.Minute})
	alice := as("u-alice", "alice@example.org")
	bob := as("u-bob", "bob@example.org")

	_, g2, resID := twoGroups(t, svc)

	_, err := svc.AddGrant(alice, groups.GrantRequest{ForGroupID: g2, Service: "files", Action: "read", ForRessourceID: resID})
	require.NoError(t, err)

	// Warm the cache with a positive decision.
	d, err := svc.IsAuthorized(bob, groups.AuthorizeRequest{ResID: resID, Service: "files", Action: "read"})
	require.NoError(t, err)
	require.NotNil(t, d)

	// Revoking the grant must not serve the stale decision.
	_, err = svc.RemoveGrant(alice, groups.GrantRequest{ForGroupID: g2, Service: "files", Action: "read", ForRessourceID: resID})
	require.NoError(t, err)

	_, err = svc.IsAuthorized(bob, groups.AuthorizeRequest{ResID: resID, Service: "files", Action: "read"})
	require.Error(t, err)
	assert.True(t, groups.IsNotAuthorized(err))
}
