package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/inkpress/inkpress/internal/model"
)

// Supported store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig selects the database backing the Store.
type StoreConfig struct {
	Driver  string // sqlite (default) or postgres
	DataDir string // sqlite only; empty means in-memory
	DSN     string // postgres only
}

// Store is the persistence gateway for API keys, site-access grants, usage
// events, and the site ownership/membership records the access checks read.
type Store struct {
	db      *sqlx.DB
	dialect string
}

// NewStore opens a SQLite-backed store. Pass empty string for in-memory.
func NewStore(dataDir string) (*Store, error) {
	return Open(StoreConfig{Driver: DriverSQLite, DataDir: dataDir})
}

// Open connects to the configured database and runs migrations.
func Open(cfg StoreConfig) (*Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return openSQLite(cfg.DataDir)
	case DriverPostgres:
		return openPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func openSQLite(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "inkpress.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	// Enable foreign keys (off by default in SQLite).
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := newStore(db, DriverSQLite)
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func openPostgres(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres store requires a dsn")
	}
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := newStore(db, DriverPostgres)
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func newStore(db *sqlx.DB, dialect string) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect returns the store driver name.
func (s *Store) Dialect() string {
	return s.dialect
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

// apiKeyRow is a flat struct that maps 1:1 to the api_keys table columns.
// List-valued fields are stored as JSON text.
type apiKeyRow struct {
	ID                 string         `db:"id"`
	Name               string         `db:"name"`
	Description        string         `db:"description"`
	KeyPrefix          string         `db:"key_prefix"`
	KeyHash            string         `db:"key_hash"`
	KeyType            string         `db:"key_type"`
	OwnerUserID        sql.NullString `db:"owner_user_id"`
	SiteID             sql.NullString `db:"site_id"`
	ScopesJSON         string         `db:"scopes_json"`
	RateLimitPerMinute int            `db:"rate_limit_per_minute"`
	RateLimitPerDay    int            `db:"rate_limit_per_day"`
	IsActive           bool           `db:"is_active"`
	ExpiresAt          *time.Time     `db:"expires_at"`
	RevokedAt          *time.Time     `db:"revoked_at"`
	RevokedBy          sql.NullString `db:"revoked_by"`
	RevokeReason       sql.NullString `db:"revoke_reason"`
	AllowedIPsJSON     string         `db:"allowed_ips_json"`
	AllowedOriginsJSON string         `db:"allowed_origins_json"`
	MetadataJSON       string         `db:"metadata_json"`
	UsageCount         int64          `db:"usage_count"`
	LastUsedAt         *time.Time     `db:"last_used_at"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

const apiKeyColumns = `id, name, description, key_prefix, key_hash, key_type, owner_user_id, site_id,
	scopes_json, rate_limit_per_minute, rate_limit_per_day, is_active, expires_at, revoked_at,
	revoked_by, revoke_reason, allowed_ips_json, allowed_origins_json, metadata_json,
	usage_count, last_used_at, created_at, updated_at`

func apiKeyRowFromModel(k *model.APIKey) (apiKeyRow, error) {
	scopes, err := marshalList(k.Scopes)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal scopes: %w", err)
	}
	ips, err := marshalList(k.AllowedIPs)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal allowed ips: %w", err)
	}
	origins, err := marshalList(k.AllowedOrigins)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal allowed origins: %w", err)
	}
	meta := "{}"
	if len(k.Metadata) > 0 {
		b, err := json.Marshal(k.Metadata)
		if err != nil {
			return apiKeyRow{}, fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	return apiKeyRow{
		ID:                 k.ID,
		Name:               k.Name,
		Description:        k.Description,
		KeyPrefix:          k.KeyPrefix,
		KeyHash:            k.KeyHash,
		KeyType:            string(k.KeyType),
		OwnerUserID:        nullString(k.OwnerUserID),
		SiteID:             nullString(k.SiteID),
		ScopesJSON:         scopes,
		RateLimitPerMinute: k.RateLimitPerMinute,
		RateLimitPerDay:    k.RateLimitPerDay,
		IsActive:           k.IsActive,
		ExpiresAt:          utcPtr(k.ExpiresAt),
		RevokedAt:          utcPtr(k.RevokedAt),
		RevokedBy:          nullString(k.RevokedBy),
		RevokeReason:       nullString(k.RevokeReason),
		AllowedIPsJSON:     ips,
		AllowedOriginsJSON: origins,
		MetadataJSON:       meta,
		UsageCount:         k.UsageCount,
		LastUsedAt:         utcPtr(k.LastUsedAt),
		CreatedAt:          k.CreatedAt,
		UpdatedAt:          k.UpdatedAt,
	}, nil
}

func (r apiKeyRow) toModel() (model.APIKey, error) {
	k := model.APIKey{
		ID:                 r.ID,
		Name:               r.Name,
		Description:        r.Description,
		KeyPrefix:          r.KeyPrefix,
		KeyHash:            r.KeyHash,
		KeyType:            model.KeyType(r.KeyType),
		OwnerUserID:        r.OwnerUserID.String,
		SiteID:             r.SiteID.String,
		RateLimitPerMinute: r.RateLimitPerMinute,
		RateLimitPerDay:    r.RateLimitPerDay,
		IsActive:           r.IsActive,
		ExpiresAt:          r.ExpiresAt,
		RevokedAt:          r.RevokedAt,
		RevokedBy:          r.RevokedBy.String,
		RevokeReason:       r.RevokeReason.String,
		UsageCount:         r.UsageCount,
		LastUsedAt:         r.LastUsedAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	var err error
	if k.Scopes, err = unmarshalList[model.Scope](r.ScopesJSON); err != nil {
		return model.APIKey{}, fmt.Errorf("unmarshal scopes: %w", err)
	}
	if k.AllowedIPs, err = unmarshalList[string](r.AllowedIPsJSON); err != nil {
		return model.APIKey{}, fmt.Errorf("unmarshal allowed ips: %w", err)
	}
	if k.AllowedOrigins, err = unmarshalList[string](r.AllowedOriginsJSON); err != nil {
		return model.APIKey{}, fmt.Errorf("unmarshal allowed origins: %w", err)
	}
	if r.MetadataJSON != "" && r.MetadataJSON != "{}" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &k.Metadata); err != nil {
			return model.APIKey{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return k, nil
}

// CreateAPIKey inserts a new API key record. The key_hash must already be set. ID is generated when empty; CreatedAt and UpdatedAt are
// populated on insert.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now

	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `INSERT INTO api_keys
		(id, name, description, key_prefix, key_hash, key_type, owner_user_id, site_id,
		 scopes_json, rate_limit_per_minute, rate_limit_per_day, is_active, expires_at,
		 allowed_ips_json, allowed_origins_json, metadata_json, usage_count, created_at, updated_at)
		VALUES
		(:id, :name, :description, :key_prefix, :key_hash, :key_type, :owner_user_id, :site_id,
		 :scopes_json, :rate_limit_per_minute, :rate_limit_per_day, :is_active, :expires_at,
		 :allowed_ips_json, :allowed_origins_json, :metadata_json, 0, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKey returns an API key by ID.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, "id", id)
}

// GetAPIKeyByHash looks up an API key by its SHA-256 hash. The key_hash
// column is uniquely indexed, so this is a single index probe.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, "key_hash", hash)
}

// GetAPIKeyByPrefix returns the most recently created key with the given
// display prefix.
func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*model.APIKey, error) {
	var row apiKeyRow
	q := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE key_prefix = ? ORDER BY created_at DESC LIMIT 1")
	if err := s.db.GetContext(ctx, &row, q, prefix); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	k, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *Store) getAPIKey(ctx context.Context, column, value string) (*model.APIKey, error) {
	var row apiKeyRow
	q := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE " + column + " = ?")
	if err := s.db.GetContext(ctx, &row, q, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by %s: %w", column, err)
	}
	k, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// ListAPIKeys returns all API keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	return s.listAPIKeys(ctx, "SELECT "+apiKeyColumns+" FROM api_keys ORDER BY created_at DESC")
}

// ListAPIKeysByOwner returns the keys owned by a user, newest first.
func (s *Store) ListAPIKeysByOwner(ctx context.Context, ownerUserID string) ([]model.APIKey, error) {
	return s.listAPIKeys(ctx,
		"SELECT "+apiKeyColumns+" FROM api_keys WHERE owner_user_id = ? ORDER BY created_at DESC",
		ownerUserID)
}

func (s *Store) listAPIKeys(ctx context.Context, q string, args ...interface{}) ([]model.APIKey, error) {
	var rows []apiKeyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// UpdateAPIKey writes the mutable fields of a key: name, description, rate
// limits, allow-lists, and metadata. Type, owner, site, scopes, and the
// revocation columns are never touched. UpdatedAt is refreshed.
func (s *Store) UpdateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.UpdatedAt = time.Now().UTC()
	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `UPDATE api_keys SET
		name = :name, description = :description,
		rate_limit_per_minute = :rate_limit_per_minute, rate_limit_per_day = :rate_limit_per_day,
		allowed_ips_json = :allowed_ips_json, allowed_origins_json = :allowed_origins_json,
		metadata_json = :metadata_json, updated_at = :updated_at
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAPIKey deactivates a key and stamps the revocation columns. Only
// the first revocation writes; later calls leave the original timestamp,
// actor, and reason untouched and report revoked=false.
func (s *Store) RevokeAPIKey(ctx context.Context, id, revokedBy, reason string) (revoked bool, err error) {
	now := time.Now().UTC()
	q := s.db.Rebind(`UPDATE api_keys SET
		is_active = ?, revoked_at = ?, revoked_by = ?, revoke_reason = ?, updated_at = ?
		WHERE id = ? AND revoked_at IS NULL`)
	result, err := s.db.ExecContext(ctx, q, false, now, nullString(revokedBy), nullString(reason), now, id)
	if err != nil {
		return false, fmt.Errorf("revoke api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke api key rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind("SELECT COUNT(*) FROM api_keys WHERE id = ?"), id); err != nil {
		return false, fmt.Errorf("check api key: %w", err)
	}
	if count == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// DeleteAPIKey removes a key and, by cascade, its grants and usage events.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM api_keys WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Site-access grants
// ---------------------------------------------------------------------------

type siteAccessRow struct {
	APIKeyID   string    `db:"api_key_id"`
	SiteID     string    `db:"site_id"`
	ScopesJSON string    `db:"scopes_json"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r siteAccessRow) toModel() (model.SiteAccessGrant, error) {
	g := model.SiteAccessGrant{
		APIKeyID:  r.APIKeyID,
		SiteID:    r.SiteID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	scopes, err := unmarshalList[model.Scope](r.ScopesJSON)
	if err != nil {
		return model.SiteAccessGrant{}, fmt.Errorf("unmarshal grant scopes: %w", err)
	}
	g.Scopes = scopes
	return g, nil
}

// UpsertSiteAccess creates the grant for (key, site) or replaces its scope
// set. Concurrent upserts for the same pair resolve last-write-wins.
func (s *Store) UpsertSiteAccess(ctx context.Context, grant *model.SiteAccessGrant) error {
	scopes, err := marshalList(grant.Scopes)
	if err != nil {
		return fmt.Errorf("marshal grant scopes: %w", err)
	}
	now := time.Now().UTC()

	q := s.db.Rebind(`INSERT INTO api_key_site_access (api_key_id, site_id, scopes_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (api_key_id, site_id) DO UPDATE SET
			scopes_json = excluded.scopes_json,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, q, grant.APIKeyID, grant.SiteID, scopes, now, now); err != nil {
		return fmt.Errorf("upsert site access: %w", err)
	}
	grant.UpdatedAt = now
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = now
	}
	return nil
}

// GetSiteAccess returns the grant for a key on a site.
func (s *Store) GetSiteAccess(ctx context.Context, keyID, siteID string) (*model.SiteAccessGrant, error) {
	var row siteAccessRow
	q := s.db.Rebind(`SELECT api_key_id, site_id, scopes_json, created_at, updated_at
		FROM api_key_site_access WHERE api_key_id = ? AND site_id = ?`)
	if err := s.db.GetContext(ctx, &row, q, keyID, siteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get site access: %w", err)
	}
	g, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListSiteAccess returns every grant held by a key.
func (s *Store) ListSiteAccess(ctx context.Context, keyID string) ([]model.SiteAccessGrant, error) {
	var rows []siteAccessRow
	q := s.db.Rebind(`SELECT api_key_id, site_id, scopes_json, created_at, updated_at
		FROM api_key_site_access WHERE api_key_id = ? ORDER BY site_id`)
	if err := s.db.SelectContext(ctx, &rows, q, keyID); err != nil {
		return nil, fmt.Errorf("list site access: %w", err)
	}
	grants := make([]model.SiteAccessGrant, 0, len(rows))
	for _, r := range rows {
		g, err := r.toModel()
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, nil
}

// DeleteSiteAccess removes the grant for a key on a site.
func (s *Store) DeleteSiteAccess(ctx context.Context, keyID, siteID string) error {
	q := s.db.Rebind("DELETE FROM api_key_site_access WHERE api_key_id = ? AND site_id = ?")
	result, err := s.db.ExecContext(ctx, q, keyID, siteID)
	if err != nil {
		return fmt.Errorf("delete site access: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete site access rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

func marshalList[T any](v []T) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalList[T any](s string) ([]T, error) {
	out := []T{}
	if s == "" || s == "[]" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
