// Package pgstore implements the groups Store on PostgreSQL. Every
// service operation runs inside one sql.Tx, so conflicting writes to the
// same edges are serialized by the database.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/groupmesh/groupd/pkg/groups"
)

// Store is the PostgreSQL-backed membership graph.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and applies pending migrations.
func Open(url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return New(db), nil
}

// Update runs fn in a read-write transaction.
func (s *Store) Update(ctx context.Context, fn func(tx groups.Tx) error) error {
	return s.run(ctx, false, fn)
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx groups.Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(tx groups.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) UserByKey(key string) (*groups.User, error) {
	u := &groups.User{}
	var id sql.NullString
	err := t.tx.QueryRow(`SELECT key, id, contact FROM users WHERE key = $1`, key).
		Scan(&u.Key, &id, &u.Contact)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.ID = id.String
	return u, nil
}

func (t *tx) UserByID(id string) (*groups.User, error) {
	if id == "" {
		return nil, nil
	}
	u := &groups.User{ID: id}
	err := t.tx.QueryRow(`SELECT key, contact FROM users WHERE id = $1`, id).
		Scan(&u.Key, &u.Contact)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return u, nil
}

func (t *tx) PutUser(u groups.User) error {
	var id interface{}
	if u.ID != "" {
		id = u.ID
	}
	_, err := t.tx.Exec(`
		INSERT INTO users (key, id, contact) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET id = COALESCE(EXCLUDED.id, users.id),
			contact = CASE WHEN EXCLUDED.contact <> '' THEN EXCLUDED.contact ELSE users.contact END
	`, u.Key, id, u.Contact)
	if err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

func (t *tx) Group(id string) (*groups.Group, error) {
	g := &groups.Group{}
	var ttl sql.NullTime
	err := t.tx.QueryRow(`SELECT id, name, core, ttl FROM groups WHERE id = $1`, id).
		Scan(&g.ID, &g.Name, &g.Core, &ttl)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	if ttl.Valid {
		g.TTL = &ttl.Time
	}
	return g, nil
}

func (t *tx) PutGroup(g groups.Group) error {
	_, err := t.tx.Exec(`
		INSERT INTO groups (id, name, core, ttl) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, core = EXCLUDED.core, ttl = EXCLUDED.ttl
	`, g.ID, g.Name, g.Core, nullTime(g.TTL))
	if err != nil {
		return fmt.Errorf("failed to put group: %w", err)
	}
	return nil
}

func (t *tx) SetGroupTTL(id string, ttl *time.Time) error {
	_, err := t.tx.Exec(`UPDATE groups SET ttl = $1 WHERE id = $2`, nullTime(ttl), id)
	if err != nil {
		return fmt.Errorf("failed to set group ttl: %w", err)
	}
	return nil
}

func (t *tx) AdminCount(groupID, adminRole string) (int, error) {
	var count int
	err := t.tx.QueryRow(`SELECT COUNT(*) FROM memberships WHERE group_id = $1 AND role = $2`,
		groupID, adminRole).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count admins: %w", err)
	}
	return count, nil
}

func (t *tx) Membership(groupID, userKey string) (*groups.Member, error) {
	m := &groups.Member{}
	var request string
	var tte sql.NullTime
	err := t.tx.QueryRow(`
		SELECT group_id, user_key, role, request, requester, tte, hide, alias
		FROM memberships WHERE group_id = $1 AND user_key = $2
	`, groupID, userKey).Scan(&m.GroupID, &m.UserKey, &m.Role, &request, &m.Requester, &tte, &m.Hide, &m.Alias)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	m.Request = groups.RequestKind(request)
	if tte.Valid {
		m.TTE = &tte.Time
	}
	return m, nil
}

func (t *tx) PutMembership(m groups.Member) error {
	_, err := t.tx.Exec(`
		INSERT INTO memberships (group_id, user_key, role, request, requester, tte, hide, alias)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (group_id, user_key) DO UPDATE SET role = EXCLUDED.role,
			request = EXCLUDED.request, requester = EXCLUDED.requester, tte = EXCLUDED.tte,
			hide = EXCLUDED.hide, alias = EXCLUDED.alias
	`, m.GroupID, m.UserKey, m.Role, string(m.Request), m.Requester, nullTime(m.TTE), m.Hide, m.Alias)
	if err != nil {
		return fmt.Errorf("failed to put membership: %w", err)
	}
	return nil
}

func (t *tx) DeleteMembership(groupID, userKey string) error {
	_, err := t.tx.Exec(`DELETE FROM memberships WHERE group_id = $1 AND user_key = $2`, groupID, userKey)
	if err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}
	return nil
}

func (t *tx) MembersOf(groupID string) ([]groups.MemberEntry, error) {
	rows, err := t.tx.Query(`
		SELECT u.key, u.id, u.contact, m.role, m.request, m.requester, m.tte, m.hide, m.alias
		FROM memberships m JOIN users u ON u.key = m.user_key
		WHERE m.group_id = $1
		ORDER BY u.key
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var entries []groups.MemberEntry
	for rows.Next() {
		e := groups.MemberEntry{Member: groups.Member{GroupID: groupID}}
		var id sql.NullString
		var request string
		var tte sql.NullTime
		if err := rows.Scan(&e.User.Key, &id, &e.User.Contact,
			&e.Member.Role, &request, &e.Member.Requester, &tte, &e.Member.Hide, &e.Member.Alias); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		e.User.ID = id.String
		e.Member.UserKey = e.User.Key
		e.Member.Request = groups.RequestKind(request)
		if tte.Valid {
			e.Member.TTE = &tte.Time
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t *tx) MembershipsForUser(userID, key string) ([]groups.Member, error) {
	rows, err := t.tx.Query(`
		SELECT m.group_id, m.user_key, m.role, m.request, m.requester, m.tte, m.hide, m.alias
		FROM memberships m JOIN users u ON u.key = m.user_key
		WHERE u.id = $1 OR u.key = $2
		ORDER BY m.group_id
	`, userID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var out []groups.Member
	for rows.Next() {
		var m groups.Member
		var request string
		var tte sql.NullTime
		if err := rows.Scan(&m.GroupID, &m.UserKey, &m.Role, &request, &m.Requester, &tte, &m.Hide, &m.Alias); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		m.Request = groups.RequestKind(request)
		if tte.Valid {
			m.TTE = &tte.Time
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *tx) Invitation(groupID, userKey string) (*groups.Invitation, error) {
	inv := &groups.Invitation{}
	err := t.tx.QueryRow(`
		SELECT group_id, user_key, role, hide, alias
		FROM invitations WHERE group_id = $1 AND user_key = $2
	`, groupID, userKey).Scan(&inv.GroupID, &inv.UserKey, &inv.Role, &inv.Hide, &inv.Alias)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	return inv, nil
}

func (t *tx) PutInvitation(inv groups.Invitation) error {
	_, err := t.tx.Exec(`
		INSERT INTO invitations (group_id, user_key, role, hide, alias)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (group_id, user_key) DO UPDATE SET role = EXCLUDED.role,
			hide = EXCLUDED.hide, alias = EXCLUDED.alias
	`, inv.GroupID, inv.UserKey, inv.Role, inv.Hide, inv.Alias)
	if err != nil {
		return fmt.Errorf("failed to put invitation: %w", err)
	}
	return nil
}

func (t *tx) DeleteInvitation(groupID, userKey string) error {
	_, err := t.tx.Exec(`DELETE FROM invitations WHERE group_id = $1 AND user_key = $2`, groupID, userKey)
	if err != nil {
		return fmt.Errorf("failed to delete invitation: %w", err)
	}
	return nil
}

func (t *tx) InvitationsOf(groupID string) ([]groups.InvitationEntry, error) {
	rows, err := t.tx.Query(`
		SELECT u.key, u.id, u.contact, i.role, i.hide, i.alias
		FROM invitations i JOIN users u ON u.key = i.user_key
		WHERE i.group_id = $1
		ORDER BY u.key
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	defer rows.Close()

	var entries []groups.InvitationEntry
	for rows.Next() {
		e := groups.InvitationEntry{Invitation: groups.Invitation{GroupID: groupID}}
		var id sql.NullString
		if err := rows.Scan(&e.User.Key, &id, &e.User.Contact,
			&e.Invitation.Role, &e.Invitation.Hide, &e.Invitation.Alias); err != nil {
			return nil, fmt.Errorf("failed to scan invitation: %w", err)
		}
		e.User.ID = id.String
		e.Invitation.UserKey = e.User.Key
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t *tx) GroupsFor(userID, key string) ([]groups.GroupEdge, error) {
	rows, err := t.tx.Query(`
		SELECT g.id, g.name, g.core, g.ttl, 'MEMBER_OF' AS relation,
		       m.role, m.alias, m.hide, m.request, m.tte
		FROM memberships m
		JOIN users u ON u.key = m.user_key
		JOIN groups g ON g.id = m.group_id
		WHERE u.id = $1 OR u.key = $2
		UNION ALL
		SELECT g.id, g.name, g.core, g.ttl, 'INVITED_BY' AS relation,
		       i.role, i.alias, i.hide, '', NULL
		FROM invitations i
		JOIN users u ON u.key = i.user_key
		JOIN groups g ON g.id = i.group_id
		WHERE u.id = $1 OR u.key = $2
		ORDER BY 1
	`, userID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var edges []groups.GroupEdge
	for rows.Next() {
		var e groups.GroupEdge
		var ttl, tte sql.NullTime
		var relation, request string
		if err := rows.Scan(&e.Group.ID, &e.Group.Name, &e.Group.Core, &ttl, &relation,
			&e.Role, &e.Alias, &e.Hide, &request, &tte); err != nil {
			return nil, fmt.Errorf("failed to scan group row: %w", err)
		}
		if ttl.Valid {
			e.Group.TTL = &ttl.Time
		}
		e.Relation = groups.Relation(relation)
		e.Request = groups.RequestKind(request)
		if tte.Valid {
			e.TTE = &tte.Time
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (t *tx) PutService(name string) error {
	_, err := t.tx.Exec(`INSERT INTO services (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("failed to put service: %w", err)
	}
	return nil
}

func (t *tx) Ressource(id string) (*groups.Ressource, error) {
	r := &groups.Ressource{}
	var folderID sql.NullString
	err := t.tx.QueryRow(`
		SELECT id, group_id, service, get_action, folder_id FROM ressources WHERE id = $1
	`, id).Scan(&r.ID, &r.GroupID, &r.Service, &r.GetAction, &folderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ressource: %w", err)
	}
	r.FolderID = folderID.String
	return r, nil
}

func (t *tx) PutRessource(r groups.Ressource) error {
	var folderID interface{}
	if r.FolderID != "" {
		folderID = r.FolderID
	}
	_, err := t.tx.Exec(`
		INSERT INTO ressources (id, group_id, service, get_action, folder_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET group_id = EXCLUDED.group_id, service = EXCLUDED.service,
			get_action = EXCLUDED.get_action, folder_id = EXCLUDED.folder_id
	`, r.ID, r.GroupID, r.Service, r.GetAction, folderID)
	if err != nil {
		return fmt.Errorf("failed to put ressource: %w", err)
	}
	return nil
}

func (t *tx) Folder(id string) (*groups.Folder, error) {
	f := &groups.Folder{}
	err := t.tx.QueryRow(`SELECT id, group_id FROM folders WHERE id = $1`, id).Scan(&f.ID, &f.GroupID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return f, nil
}

func (t *tx) PutFolder(f groups.Folder) error {
	_, err := t.tx.Exec(`
		INSERT INTO folders (id, group_id) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET group_id = EXCLUDED.group_id
	`, f.ID, f.GroupID)
	if err != nil {
		return fmt.Errorf("failed to put folder: %w", err)
	}
	return nil
}

func (t *tx) PutGrant(g groups.Grant) error {
	_, err := t.tx.Exec(`
		INSERT INTO grants (source_kind, source_id, group_id, service, action)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, string(g.Source.Kind), g.Source.ID, g.GroupID, g.Service, g.Action)
	if err != nil {
		return fmt.Errorf("failed to put grant: %w", err)
	}
	return nil
}

func (t *tx) DeleteGrant(g groups.Grant) error {
	_, err := t.tx.Exec(`
		DELETE FROM grants
		WHERE source_kind = $1 AND source_id = $2 AND group_id = $3 AND service = $4 AND action = $5
	`, string(g.Source.Kind), g.Source.ID, g.GroupID, g.Service, g.Action)
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	return nil
}

func (t *tx) HasGrant(source groups.GrantSource, groupID, service, action string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM grants
			WHERE source_kind = $1 AND source_id = $2 AND group_id = $3 AND service = $4 AND action = $5
		)
	`, string(source.Kind), source.ID, groupID, service, action).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check grant: %w", err)
	}
	return exists, nil
}

func (t *tx) PutVote(v groups.Vote) error {
	_, err := t.tx.Exec(`
		INSERT INTO votes (group_id, voter_id, subject_id, kind)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, v.GroupID, v.VoterID, v.SubjectID, string(v.Kind))
	if err != nil {
		return fmt.Errorf("failed to put vote: %w", err)
	}
	return nil
}

func (t *tx) CountVotes(groupID, subjectID string, kind groups.RequestKind) (int, error) {
	var count int
	err := t.tx.QueryRow(`
		SELECT COUNT(*) FROM votes WHERE group_id = $1 AND subject_id = $2 AND kind = $3
	`, groupID, subjectID, string(kind)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count votes: %w", err)
	}
	return count, nil
}

func (t *tx) DeleteVotes(groupID, subjectID string) error {
	_, err := t.tx.Exec(`DELETE FROM votes WHERE group_id = $1 AND subject_id = $2`, groupID, subjectID)
	if err != nil {
		return fmt.Errorf("failed to delete votes: %w", err)
	}
	return nil
}

func (t *tx) PutPolicy(p groups.Policy) error {
	_, err := t.tx.Exec(`
		INSERT INTO policies (group_id, action, fraction) VALUES ($1, $2, $3)
		ON CONFLICT (group_id, action) DO UPDATE SET fraction = EXCLUDED.fraction
	`, p.GroupID, p.Action, p.Fraction)
	if err != nil {
		return fmt.Errorf("failed to put policy: %w", err)
	}
	return nil
}

func (t *tx) PolicyFraction(groupID, action string) (float64, bool, error) {
	var fraction float64
	err := t.tx.QueryRow(`SELECT fraction FROM policies WHERE group_id = $1 AND action = $2`,
		groupID, action).Scan(&fraction)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get policy: %w", err)
	}
	return fraction, true, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
