package pgstore

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupmesh/groupd/pkg/groups"
)

func TestUserByKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := New(db)

	t.Run("found", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT key, id, contact FROM users WHERE key = $1`)).
			WithArgs("k-alice").
			WillReturnRows(sqlmock.NewRows([]string{"key", "id", "contact"}).
				AddRow("k-alice", "u-alice", "sealed:alice"))
		mock.ExpectCommit()

		err := store.View(context.Background(), func(tx groups.Tx) error {
			u, err := tx.UserByKey("k-alice")
			require.NoError(t, err)
			require.NotNil(t, u)
			assert.Equal(t, "u-alice", u.ID)
			assert.Equal(t, "sealed:alice", u.Contact)
			return nil
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row is nil, not an error", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT key, id, contact FROM users WHERE key = $1`)).
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{"key", "id", "contact"}))
		mock.ExpectCommit()

		err := store.View(context.Background(), func(tx groups.Tx) error {
			u, err := tx.UserByKey("nope")
			require.NoError(t, err)
			assert.Nil(t, u)
			return nil
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unbound id scans as empty", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT key, id, contact FROM users WHERE key = $1`)).
			WithArgs("k-bob").
			WillReturnRows(sqlmock.NewRows([]string{"key", "id", "contact"}).
				AddRow("k-bob", nil, ""))
		mock.ExpectCommit()

		err := store.View(context.Background(), func(tx groups.Tx) error {
			u, err := tx.UserByKey("k-bob")
			require.NoError(t, err)
			require.NotNil(t, u)
			assert.Empty(t, u.ID)
			return nil
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPutMembership(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := New(db)

	tte := time.Now().Add(14 * 24 * time.Hour)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO memberships`)).
		WithArgs("g-1", "k-bob", "admin", "revoke", "u-alice", tte, false, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = store.Update(context.Background(), func(tx groups.Tx) error {
		return tx.PutMembership(groups.Member{
			GroupID: "g-1", UserKey: "k-bob", Role: "admin",
			Request: groups.RequestRevoke, Requester: "u-alice", TTE: &tte,
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupsFor(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := New(db)

	ttl := time.Now().Add(time.Hour)
	cols := []string{"id", "name", "core", "ttl", "relation", "role", "alias", "hide", "request", "tte"}
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT g.id, g.name, g.core, g.ttl").
		WithArgs("u-alice", "k-alice").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("g-1", "research", false, ttl, "MEMBER_OF", "admin", "", false, "", nil).
			AddRow("g-2", "guests", false, nil, "INVITED_BY", "member", "lab", true, "", nil))
	mock.ExpectCommit()

	err = store.View(context.Background(), func(tx groups.Tx) error {
		edges, err := tx.GroupsFor("u-alice", "k-alice")
		require.NoError(t, err)
		require.Len(t, edges, 2)

		assert.Equal(t, groups.RelationMember, edges[0].Relation)
		require.NotNil(t, edges[0].Group.TTL)

		assert.Equal(t, groups.RelationInvited, edges[1].Relation)
		assert.Equal(t, "lab", edges[1].Alias)
		assert.True(t, edges[1].Hide)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasGrant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := New(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ressource", "res-1", "g-2", "files", "read").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	err = store.View(context.Background(), func(tx groups.Tx) error {
		ok, err := tx.HasGrant(groups.GrantSource{Kind: groups.GrantFromRessource, ID: "res-1"}, "g-2", "files", "read")
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := New(db)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err = store.Update(context.Background(), func(tx groups.Tx) error {
		return fmt.Errorf("boom")
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))

	for _, m := range GetMigrations() {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`)).
			WithArgs(m.Version).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO schema_migrations").
			WithArgs(m.Version, m.Description).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	require.NoError(t, Migrate(db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	for _, m := range GetMigrations() {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`)).
			WithArgs(m.Version).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	}

	require.NoError(t, Migrate(db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
