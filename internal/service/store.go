package service

import (
	"context"

	"github.com/inkpress/inkpress/internal/config"
	"github.com/inkpress/inkpress/internal/model"
)

// KeyStore is the persistence the key lifecycle and validation need.
// Lookups return config.ErrNotFound for missing records.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*model.APIKey, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	ListAPIKeysByOwner(ctx context.Context, ownerUserID string) ([]model.APIKey, error)
	UpdateAPIKey(ctx context.Context, key *model.APIKey) error
	RevokeAPIKey(ctx context.Context, id, revokedBy, reason string) (bool, error)

	UpsertSiteAccess(ctx context.Context, grant *model.SiteAccessGrant) error
	GetSiteAccess(ctx context.Context, keyID, siteID string) (*model.SiteAccessGrant, error)
	ListSiteAccess(ctx context.Context, keyID string) ([]model.SiteAccessGrant, error)
	DeleteSiteAccess(ctx context.Context, keyID, siteID string) error
}

// SiteDirectory answers site ownership and membership questions. It is
// owned by the site-management side of the system.
type SiteDirectory interface {
	GetSite(ctx context.Context, id string) (*model.Site, error)
	IsSiteMember(ctx context.Context, siteID, userID string) (bool, error)
}

// UsageStore persists usage events and aggregates them.
type UsageStore interface {
	RecordUsage(ctx context.Context, ev *model.UsageEvent) error
	UsageStats(ctx context.Context, keyID string, f config.UsageFilter) (*model.UsageStats, error)
}

var (
	_ KeyStore      = (*config.Store)(nil)
	_ SiteDirectory = (*config.Store)(nil)
	_ UsageStore    = (*config.Store)(nil)
)
