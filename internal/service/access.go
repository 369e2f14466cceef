package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/inkpress/inkpress/internal/config"
	"github.com/inkpress/inkpress/internal/model"
)

// HasScope reports whether the identity holds scope. The admin scope
// implies every other scope.
func HasScope(id *model.Identity, scope model.Scope) bool {
	if id == nil {
		return false
	}
	return id.Scopes.Contains(scope) || id.Scopes.Contains(model.ScopeAdmin)
}

// AccessResolver decides whether an identity may act on a site.
type AccessResolver struct {
	keys  KeyStore
	sites SiteDirectory
}

func NewAccessResolver(keys KeyStore, sites SiteDirectory) *AccessResolver {
	return &AccessResolver{keys: keys, sites: sites}
}

// HasAccessToSite evaluates, in order: admin keys always pass; the scope
// must be held; site keys match only their own site; user keys pass by
// site ownership, site membership, or an explicit grant carrying scope.
func (r *AccessResolver) HasAccessToSite(ctx context.Context, id *model.Identity, siteID string, scope model.Scope) (bool, error) {
	if id == nil {
		return false, nil
	}
	if id.KeyType == model.KeyTypeAdmin {
		return true, nil
	}
	if !HasScope(id, scope) {
		return false, nil
	}

	switch id.KeyType {
	case model.KeyTypeSite:
		return id.SiteID != "" && id.SiteID == siteID, nil

	case model.KeyTypeUser:
		site, err := r.sites.GetSite(ctx, siteID)
		switch {
		case errors.Is(err, config.ErrNotFound):
			return false, nil
		case err != nil:
			return false, fmt.Errorf("look up site: %w", err)
		}
		if id.OwnerUserID != "" && site.OwnerUserID == id.OwnerUserID {
			return true, nil
		}

		if id.OwnerUserID != "" {
			member, err := r.sites.IsSiteMember(ctx, siteID, id.OwnerUserID)
			if err != nil {
				return false, fmt.Errorf("check site membership: %w", err)
			}
			if member {
				return true, nil
			}
		}

		grant, err := r.keys.GetSiteAccess(ctx, id.ID, siteID)
		switch {
		case errors.Is(err, config.ErrNotFound):
			return false, nil
		case err != nil:
			return false, fmt.Errorf("look up site grant: %w", err)
		}
		return grant.Scopes.Contains(scope), nil
	}
	return false, nil
}

// Authorize is HasAccessToSite with the denial reason as an error:
// ErrForbiddenScope when the identity lacks scope, ErrForbiddenSite when
// it holds the scope but not the site.
func (r *AccessResolver) Authorize(ctx context.Context, id *model.Identity, siteID string, scope model.Scope) error {
	ok, err := r.HasAccessToSite(ctx, id, siteID, scope)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if !HasScope(id, scope) {
		return ErrForbiddenScope
	}
	return ErrForbiddenSite
}
