package config

import (
	"fmt"
	"strings"
)

// Column types differ between SQLite and PostgreSQL; migrations are written
// once with placeholders and expanded per dialect.
var dialectTypes = map[string]*strings.Replacer{
	DriverSQLite: strings.NewReplacer(
		"{{ts}}", "DATETIME",
		"{{bool}}", "INTEGER",
		"{{true}}", "1",
		"{{false}}", "0",
	),
	DriverPostgres: strings.NewReplacer(
		"{{ts}}", "TIMESTAMPTZ",
		"{{bool}}", "BOOLEAN",
		"{{true}}", "TRUE",
		"{{false}}", "FALSE",
	),
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sites (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_user_id TEXT NOT NULL,
		created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS site_members (
		site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (site_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		key_prefix TEXT NOT NULL,
		key_hash TEXT UNIQUE NOT NULL,
		key_type TEXT NOT NULL CHECK (key_type IN ('user', 'site', 'admin')),
		owner_user_id TEXT,
		site_id TEXT REFERENCES sites(id) ON DELETE CASCADE,
		scopes_json TEXT NOT NULL DEFAULT '[]',
		rate_limit_per_minute INTEGER NOT NULL DEFAULT 60,
		rate_limit_per_day INTEGER NOT NULL DEFAULT 10000,
		is_active {{bool}} NOT NULL DEFAULT {{true}},
		expires_at {{ts}},
		revoked_at {{ts}},
		revoked_by TEXT,
		revoke_reason TEXT,
		allowed_ips_json TEXT NOT NULL DEFAULT '[]',
		allowed_origins_json TEXT NOT NULL DEFAULT '[]',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		usage_count BIGINT NOT NULL DEFAULT 0,
		last_used_at {{ts}},
		created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK (
			(key_type = 'admin' AND owner_user_id IS NULL AND site_id IS NULL) OR
			(key_type = 'user' AND owner_user_id IS NOT NULL AND site_id IS NULL) OR
			(key_type = 'site' AND owner_user_id IS NOT NULL AND site_id IS NOT NULL)
		)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_api_keys_owner ON api_keys(owner_user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix)`,

	`CREATE TABLE IF NOT EXISTS api_key_site_access (
		api_key_id TEXT NOT NULL REFERENCES api_keys(id) ON DELETE CASCADE,
		site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
		scopes_json TEXT NOT NULL DEFAULT '[]',
		created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (api_key_id, site_id)
	)`,

	`CREATE TABLE IF NOT EXISTS api_key_usage (
		id TEXT PRIMARY KEY,
		api_key_id TEXT NOT NULL REFERENCES api_keys(id) ON DELETE CASCADE,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL DEFAULT '',
		resource_type TEXT NOT NULL DEFAULT '',
		resource_id TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS idx_api_key_usage_key_time ON api_key_usage(api_key_id, created_at)`,
}

func (s *Store) migrate() error {
	r, ok := dialectTypes[s.dialect]
	if !ok {
		return fmt.Errorf("no migrations for dialect %q", s.dialect)
	}
	for _, m := range migrations {
		stmt := r.Replace(m)
		if _, err := s.db.Exec(stmt); err != nil {
			// ALTER TABLE ADD COLUMN fails if the column already exists;
			// treat that as a no-op so migrations stay idempotent.
			if isDuplicateColumn(err) {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") ||
		(strings.Contains(msg, "column") && strings.Contains(msg, "already exists"))
}
