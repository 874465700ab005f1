package pgstore

import (
	"database/sql"
	"fmt"
)

// Migration is one versioned schema step.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the membership graph schema.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users and groups",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					key VARCHAR(64) PRIMARY KEY,
					id VARCHAR(255),
					contact TEXT NOT NULL DEFAULT ''
				);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_users_id ON users(id) WHERE id IS NOT NULL;

				CREATE TABLE IF NOT EXISTS groups (
					id VARCHAR(255) PRIMARY KEY,
					name TEXT NOT NULL,
					core BOOLEAN NOT NULL DEFAULT FALSE,
					ttl TIMESTAMPTZ
				);
			`,
		},
		{
			Version:     2,
			Description: "Create membership and invitation edges",
			SQL: `
				CREATE TABLE IF NOT EXISTS memberships (
					group_id VARCHAR(255) NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					user_key VARCHAR(64) NOT NULL REFERENCES users(key) ON DELETE CASCADE,
					role TEXT NOT NULL,
					request TEXT NOT NULL DEFAULT '',
					requester TEXT NOT NULL DEFAULT '',
					tte TIMESTAMPTZ,
					hide BOOLEAN NOT NULL DEFAULT FALSE,
					alias TEXT NOT NULL DEFAULT '',
					PRIMARY KEY (group_id, user_key)
				);
				CREATE INDEX IF NOT EXISTS idx_memberships_user_key ON memberships(user_key);
				CREATE INDEX IF NOT EXISTS idx_memberships_role ON memberships(group_id, role);

				CREATE TABLE IF NOT EXISTS invitations (
					group_id VARCHAR(255) NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					user_key VARCHAR(64) NOT NULL REFERENCES users(key) ON DELETE CASCADE,
					role TEXT NOT NULL,
					hide BOOLEAN NOT NULL DEFAULT FALSE,
					alias TEXT NOT NULL DEFAULT '',
					PRIMARY KEY (group_id, user_key)
				);
				CREATE INDEX IF NOT EXISTS idx_invitations_user_key ON invitations(user_key);
			`,
		},
		{
			Version:     3,
			Description: "Create services, ressources and folders",
			SQL: `
				CREATE TABLE IF NOT EXISTS services (
					name VARCHAR(255) PRIMARY KEY
				);

				CREATE TABLE IF NOT EXISTS folders (
					id VARCHAR(255) PRIMARY KEY,
					group_id VARCHAR(255) NOT NULL REFERENCES groups(id) ON DELETE CASCADE
				);

				CREATE TABLE IF NOT EXISTS ressources (
					id VARCHAR(255) PRIMARY KEY,
					group_id VARCHAR(255) NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					service VARCHAR(255) NOT NULL REFERENCES services(name),
					get_action TEXT NOT NULL DEFAULT '',
					folder_id VARCHAR(255) REFERENCES folders(id) ON DELETE SET NULL
				);
				CREATE INDEX IF NOT EXISTS idx_ressources_group_id ON ressources(group_id);
			`,
		},
		{
			Version:     4,
			Description: "Create grants, votes and policies",
			SQL: `
				CREATE TABLE IF NOT EXISTS grants (
					source_kind VARCHAR(16) NOT NULL,
					source_id VARCHAR(255) NOT NULL,
					group_id VARCHAR(255) NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					service VARCHAR(255) NOT NULL,
					action VARCHAR(255) NOT NULL,
					PRIMARY KEY (source_kind, source_id, group_id, service, action)
				);
				CREATE INDEX IF NOT EXISTS idx_grants_grantee ON grants(group_id, service, action);

				CREATE TABLE IF NOT EXISTS votes (
					group_id VARCHAR(255) NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					voter_id VARCHAR(255) NOT NULL,
					subject_id VARCHAR(255) NOT NULL,
					kind VARCHAR(16) NOT NULL,
					PRIMARY KEY (group_id, voter_id, subject_id, kind)
				);

				CREATE TABLE IF NOT EXISTS policies (
					group_id VARCHAR(255) NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					action VARCHAR(255) NOT NULL,
					fraction DOUBLE PRECISION NOT NULL,
					PRIMARY KEY (group_id, action)
				);
			`,
		},
	}
}

// Migrate applies all pending migrations, tracked in a schema_migrations
// table.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range GetMigrations() {
		var exists bool
		err := db.QueryRow(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.Version, err)
		}
		if exists {
			continue
		}
		if _, err := db.Exec(m.SQL); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`,
			m.Version, m.Description); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
	}
	return nil
}
