package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupmesh/groupd/pkg/groups"
	"github.com/groupmesh/groupd/pkg/groups/memstore"
)

type passthroughCipher struct{}

func (passthroughCipher) Encrypt(_ context.Context, plaintext []byte) (string, error) {
	return "sealed:" + string(plaintext), nil
}

func (passthroughCipher) Decrypt(_ context.Context, ciphertext string) ([]byte, error) {
	return []byte(strings.TrimPrefix(ciphertext, "sealed:")), nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	svc := groups.NewService(memstore.New(), passthroughCipher{}, groups.Config{}, logger)
	return NewServer(svc, logger, prometheus.NewRegistry())
}

func doJSON(t *testing.T, srv *Server, method, path string, principal [2]string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if principal[0] != "" {
		req.Header.Set(HeaderUserID, principal[0])
		req.Header.Set(HeaderUserEmail, principal[1])
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetGroup(t *testing.T) {
	srv := newTestServer(t)
	alice := [2]string{"u-alice", "alice@example.org"}

	rec := doJSON(t, srv, http.MethodPost, "/v1/groups", alice, map[string]string{"name": "research"})
	require.Equal(t, http.StatusOK, rec.Code)

	var created groups.CreatedGroup
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, groups.DefaultAdminRole, created.Role)

	rec = doJSON(t, srv, http.MethodGet, "/v1/groups/"+created.ID, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var edge groups.GroupEdge
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&edge))
	assert.Equal(t, "research", edge.Group.Name)
}

func TestUnauthenticatedRequest(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/groups", [2]string{}, map[string]string{"name": "research"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidationFailure(t *testing.T) {
	srv := newTestServer(t)
	alice := [2]string{"u-alice", "alice@example.org"}

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/groups", strings.NewReader("{nope"))
		req.Header.Set(HeaderUserID, "u-alice")
		req.Header.Set(HeaderUserEmail, "alice@example.org")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejected field", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/v1/groups", alice, map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestInviteJoinOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	alice := [2]string{"u-alice", "alice@example.org"}
	bob := [2]string{"u-bob", "bob@example.org"}

	rec := doJSON(t, srv, http.MethodPost, "/v1/groups", alice, map[string]string{"name": "research"})
	require.Equal(t, http.StatusOK, rec.Code)
	var created groups.CreatedGroup
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	rec = doJSON(t, srv, http.MethodPost, "/v1/groups/invite", alice,
		map[string]string{"id": created.ID, "email": "bob@example.org"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/groups/join", bob, map[string]string{"groupId": created.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	var joined groups.JoinResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&joined))
	assert.Equal(t, groups.DefaultMemberRole, joined.Role)

	rec = doJSON(t, srv, http.MethodGet, "/v1/groups/"+created.ID+"/members", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []groups.MemberRow
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rows))
	assert.Len(t, rows, 2)
}

func TestNoOpSerializesAsNull(t *testing.T) {
	srv := newTestServer(t)
	alice := [2]string{"u-alice", "alice@example.org"}
	bob := [2]string{"u-bob", "bob@example.org"}

	rec := doJSON(t, srv, http.MethodPost, "/v1/groups", alice, map[string]string{"name": "research"})
	require.Equal(t, http.StatusOK, rec.Code)
	var created groups.CreatedGroup
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	// A non-admin rename is a structural mismatch, not an error.
	rec = doJSON(t, srv, http.MethodPost, "/v1/groups/rename", bob,
		map[string]string{"id": created.ID, "name": "stolen"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
}

func TestSetRoleConflict(t *testing.T) {
	srv := newTestServer(t)
	alice := [2]string{"u-alice", "alice@example.org"}

	rec := doJSON(t, srv, http.MethodPost, "/v1/groups", alice, map[string]string{"name": "research"})
	require.Equal(t, http.StatusOK, rec.Code)
	var created groups.CreatedGroup
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	rec = doJSON(t, srv, http.MethodPost, "/v1/groups/setRole", alice,
		map[string]string{"groupId": created.ID, "userId": "u-alice", "role": "reader"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuthorizeDenied(t *testing.T) {
	srv := newTestServer(t)
	alice := [2]string{"u-alice", "alice@example.org"}

	rec := doJSON(t, srv, http.MethodPost, "/v1/authorize", alice,
		map[string]string{"resId": "nope", "service": "files", "action": "read"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", [2]string{}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Drive one operation so the counter exists, then scrape.
	doJSON(t, srv, http.MethodPost, "/v1/groups", [2]string{"u-alice", "alice@example.org"},
		map[string]string{"name": "research"})

	rec = doJSON(t, srv, http.MethodGet, "/metrics", [2]string{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "groupd_operations_total")
}
