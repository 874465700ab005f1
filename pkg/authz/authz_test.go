package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupmesh/groupd/pkg/groups"
)

type fakeGroups struct {
	authorizeReq groups.AuthorizeRequest
	decision     *groups.Decision
	decisionErr  error

	addReq groups.AddRessourceRequest
	added  *groups.RessourceInfo
	addErr error
}

func (f *fakeGroups) IsAuthorized(_ context.Context, req groups.AuthorizeRequest) (*groups.Decision, error) {
	f.authorizeReq = req
	return f.decision, f.decisionErr
}

func (f *fakeGroups) AddRessource(_ context.Context, req groups.AddRessourceRequest) (*groups.RessourceInfo, error) {
	f.addReq = req
	return f.added, f.addErr
}

func TestGuardIsAuthorized(t *testing.T) {
	fg := &fakeGroups{decision: &groups.Decision{RessourceID: "res-1", Owner: true}}
	guard := New(fg, "files", "files.get")

	d, err := guard.IsAuthorized(context.Background(), "res-1", "read")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.True(t, d.Owner)
	assert.Equal(t, "files", fg.authorizeReq.Service)
	assert.Equal(t, "read", fg.authorizeReq.Action)
}

func TestGuardDenied(t *testing.T) {
	fg := &fakeGroups{decisionErr: &groups.NotAuthorizedError{RessourceID: "res-1"}}
	guard := New(fg, "files", "files.get")

	_, err := guard.IsAuthorized(context.Background(), "res-1", "read")
	require.Error(t, err)
	assert.True(t, groups.IsNotAuthorized(err))
}

func TestRegisterRessource(t *testing.T) {
	t.Run("uses the guard default action", func(t *testing.T) {
		fg := &fakeGroups{added: &groups.RessourceInfo{ResID: "res-1"}}
		guard := New(fg, "files", "files.get")

		id, err := guard.RegisterRessource(context.Background(), "res-1", "g-1", "")
		require.NoError(t, err)
		assert.Equal(t, "res-1", id)
		assert.Equal(t, "files.get", fg.addReq.GetAction)
	})

	t.Run("empty registration is a conflict", func(t *testing.T) {
		fg := &fakeGroups{}
		guard := New(fg, "files", "files.get")

		_, err := guard.RegisterRessource(context.Background(), "res-1", "g-1", "")
		require.Error(t, err)
		assert.True(t, groups.IsUpdateConflict(err))
	})
}
