package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/inkpress/inkpress/internal/config"
	"github.com/inkpress/inkpress/internal/model"
)

// CreateKeyOptions describes a new API key. Zero rate limits take the
// defaults; nil Scopes means read-only.
type CreateKeyOptions struct {
	Name               string
	Description        string
	KeyType            model.KeyType
	OwnerUserID        string
	SiteID             string
	Scopes             model.Scopes
	RateLimitPerMinute int
	RateLimitPerDay    int
	ExpiresAt          *time.Time
	AllowedIPs         []string
	AllowedOrigins     []string
	Metadata           map[string]any
}

// CreatedKey is the result of a successful Create. Secret is the only copy
// of the plaintext credential; it cannot be recovered later.
type CreatedKey struct {
	Secret string        `json:"secret"`
	Key    *model.APIKey `json:"key"`
}

// KeyPatch lists the fields Update may change. Nil fields are left alone.
// Type, owner, site, and scopes are immutable and have no patch field.
type KeyPatch struct {
	Name               *string
	Description        *string
	RateLimitPerMinute *int
	RateLimitPerDay    *int
	AllowedIPs         *[]string
	AllowedOrigins     *[]string
	Metadata           *map[string]any
}

// KeyManager enforces creation-time invariants and handles key state
// transitions.
type KeyManager struct {
	keys  KeyStore
	sites SiteDirectory
	env   string
	now   func() time.Time
}

// NewKeyManager creates a KeyManager. env is the tag embedded in generated
// secrets; empty means DefaultKeyEnv.
func NewKeyManager(keys KeyStore, sites SiteDirectory, env string) *KeyManager {
	if env == "" {
		env = DefaultKeyEnv
	}
	return &KeyManager{keys: keys, sites: sites, env: env, now: time.Now}
}

// Create validates opts, mints a secret, and stores the key.
func (m *KeyManager) Create(ctx context.Context, opts CreateKeyOptions) (*CreatedKey, error) {
	if err := m.validateCreate(ctx, &opts); err != nil {
		return nil, err
	}

	gen, err := GenerateKey(opts.KeyType, m.env)
	if err != nil {
		return nil, err
	}

	key := &model.APIKey{
		Name:               opts.Name,
		Description:        opts.Description,
		KeyPrefix:          gen.Prefix,
		KeyHash:            gen.Hash,
		KeyType:            opts.KeyType,
		OwnerUserID:        opts.OwnerUserID,
		SiteID:             opts.SiteID,
		Scopes:             opts.Scopes,
		RateLimitPerMinute: opts.RateLimitPerMinute,
		RateLimitPerDay:    opts.RateLimitPerDay,
		IsActive:           true,
		ExpiresAt:          opts.ExpiresAt,
		AllowedIPs:         cleanList(opts.AllowedIPs),
		AllowedOrigins:     cleanList(opts.AllowedOrigins),
		Metadata:           opts.Metadata,
	}
	if err := m.keys.CreateAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}
	key.KeyHash = ""
	return &CreatedKey{Secret: gen.Secret, Key: key}, nil
}

func (m *KeyManager) validateCreate(ctx context.Context, opts *CreateKeyOptions) error {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return invalid("name", "is required")
	}

	switch opts.KeyType {
	case model.KeyTypeUser:
		if opts.OwnerUserID == "" {
			return invalid("owner_user_id", "is required for user keys")
		}
		if opts.SiteID != "" {
			return invalid("site_id", "is not allowed for user keys")
		}
	case model.KeyTypeSite:
		if opts.OwnerUserID == "" {
			return invalid("owner_user_id", "is required for site keys")
		}
		if opts.SiteID == "" {
			return invalid("site_id", "is required for site keys")
		}
	case model.KeyTypeAdmin:
		if opts.OwnerUserID != "" {
			return invalid("owner_user_id", "is not allowed for admin keys")
		}
		if opts.SiteID != "" {
			return invalid("site_id", "is not allowed for admin keys")
		}
	default:
		return invalid("key_type", "must be one of user, site, admin")
	}

	if len(opts.Scopes) == 0 {
		opts.Scopes = model.Scopes{model.ScopeRead}
	}
	scopes, err := normalizeScopes(opts.Scopes, opts.KeyType == model.KeyTypeAdmin)
	if err != nil {
		return err
	}
	opts.Scopes = scopes

	if opts.RateLimitPerMinute == 0 {
		opts.RateLimitPerMinute = model.DefaultRateLimitPerMinute
	}
	if opts.RateLimitPerDay == 0 {
		opts.RateLimitPerDay = model.DefaultRateLimitPerDay
	}
	if err := checkRateLimits(opts.RateLimitPerMinute, opts.RateLimitPerDay); err != nil {
		return err
	}

	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(m.now()) {
		return invalid("expires_at", "must be in the future")
	}

	if opts.KeyType == model.KeyTypeSite {
		if _, err := m.sites.GetSite(ctx, opts.SiteID); err != nil {
			if errors.Is(err, config.ErrNotFound) {
				return invalid("site_id", "site %q does not exist", opts.SiteID)
			}
			return fmt.Errorf("look up site: %w", err)
		}
	}
	return nil
}

// Get returns a key by ID without its hash.
func (m *KeyManager) Get(ctx context.Context, id string) (*model.APIKey, error) {
	key, err := m.keys.GetAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}
	key.KeyHash = ""
	return key, nil
}

// ListByOwner returns a user's keys without their hashes.
func (m *KeyManager) ListByOwner(ctx context.Context, ownerUserID string) ([]model.APIKey, error) {
	keys, err := m.keys.ListAPIKeysByOwner(ctx, ownerUserID)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i].KeyHash = ""
	}
	return keys, nil
}

// Revoke deactivates a key. Revoking an already revoked key succeeds and
// keeps the original revocation time, actor, and reason.
func (m *KeyManager) Revoke(ctx context.Context, id, revokedBy, reason string) (*model.APIKey, error) {
	if _, err := m.keys.RevokeAPIKey(ctx, id, revokedBy, reason); err != nil {
		return nil, err
	}
	return m.Get(ctx, id)
}

// Update applies a patch to the mutable fields of a key.
func (m *KeyManager) Update(ctx context.Context, id string, patch KeyPatch) (*model.APIKey, error) {
	key, err := m.keys.GetAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, invalid("name", "must not be empty")
		}
		key.Name = name
	}
	if patch.Description != nil {
		key.Description = *patch.Description
	}
	if patch.RateLimitPerMinute != nil {
		key.RateLimitPerMinute = *patch.RateLimitPerMinute
	}
	if patch.RateLimitPerDay != nil {
		key.RateLimitPerDay = *patch.RateLimitPerDay
	}
	if err := checkRateLimits(key.RateLimitPerMinute, key.RateLimitPerDay); err != nil {
		return nil, err
	}
	if patch.AllowedIPs != nil {
		key.AllowedIPs = cleanList(*patch.AllowedIPs)
	}
	if patch.AllowedOrigins != nil {
		key.AllowedOrigins = cleanList(*patch.AllowedOrigins)
	}
	if patch.Metadata != nil {
		key.Metadata = *patch.Metadata
	}

	if err := m.keys.UpdateAPIKey(ctx, key); err != nil {
		return nil, err
	}
	key.KeyHash = ""
	return key, nil
}

// GrantSiteAccess gives a user key the given scopes on a site, replacing
// any scopes granted before.
func (m *KeyManager) GrantSiteAccess(ctx context.Context, keyID, siteID string, scopes model.Scopes) (*model.SiteAccessGrant, error) {
	key, err := m.keys.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key.KeyType != model.KeyTypeUser {
		return nil, invalid("key_type", "site access can only be granted to user keys")
	}
	if len(scopes) == 0 {
		return nil, invalid("scopes", "at least one scope is required")
	}
	normalized, err := normalizeScopes(scopes, false)
	if err != nil {
		return nil, err
	}
	if _, err := m.sites.GetSite(ctx, siteID); err != nil {
		return nil, err
	}

	grant := &model.SiteAccessGrant{APIKeyID: keyID, SiteID: siteID, Scopes: normalized}
	if err := m.keys.UpsertSiteAccess(ctx, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

// RevokeSiteAccess removes a key's grant on a site.
func (m *KeyManager) RevokeSiteAccess(ctx context.Context, keyID, siteID string) error {
	return m.keys.DeleteSiteAccess(ctx, keyID, siteID)
}

// ListSiteAccess returns every site grant held by a key.
func (m *KeyManager) ListSiteAccess(ctx context.Context, keyID string) ([]model.SiteAccessGrant, error) {
	if _, err := m.keys.GetAPIKey(ctx, keyID); err != nil {
		return nil, err
	}
	return m.keys.ListSiteAccess(ctx, keyID)
}

// normalizeScopes validates and de-duplicates a scope list, preserving
// order. The admin scope is accepted only when allowAdmin is set.
func normalizeScopes(in model.Scopes, allowAdmin bool) (model.Scopes, error) {
	out := make(model.Scopes, 0, len(in))
	for _, sc := range in {
		if !sc.Valid() {
			return nil, invalid("scopes", "unknown scope %q", sc)
		}
		if sc == model.ScopeAdmin && !allowAdmin {
			return nil, invalid("scopes", "admin scope is only allowed on admin keys")
		}
		if !out.Contains(sc) {
			out = append(out, sc)
		}
	}
	return out, nil
}

func checkRateLimits(perMinute, perDay int) error {
	if perMinute <= 0 {
		return invalid("rate_limit_per_minute", "must be positive")
	}
	if perDay <= 0 {
		return invalid("rate_limit_per_day", "must be positive")
	}
	return nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
