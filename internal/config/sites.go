package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inkpress/inkpress/internal/model"
)

// CreateSite inserts a site. ID is generated when empty.
func (s *Store) CreateSite(ctx context.Context, site *model.Site) error {
	if site.ID == "" {
		site.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now().UTC()
	site.CreatedAt = now
	site.UpdatedAt = now

	const q = `INSERT INTO sites (id, name, owner_user_id, created_at, updated_at)
		VALUES (:id, :name, :owner_user_id, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, q, site); err != nil {
		return fmt.Errorf("insert site: %w", err)
	}
	return nil
}

// GetSite returns a site by ID.
func (s *Store) GetSite(ctx context.Context, id string) (*model.Site, error) {
	var site model.Site
	q := s.db.Rebind("SELECT id, name, owner_user_id, created_at, updated_at FROM sites WHERE id = ?")
	if err := s.db.GetContext(ctx, &site, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get site: %w", err)
	}
	return &site, nil
}

// ListSitesByOwner returns the sites a user owns, ordered by name.
func (s *Store) ListSitesByOwner(ctx context.Context, ownerUserID string) ([]model.Site, error) {
	var sites []model.Site
	q := s.db.Rebind(`SELECT id, name, owner_user_id, created_at, updated_at
		FROM sites WHERE owner_user_id = ? ORDER BY name`)
	if err := s.db.SelectContext(ctx, &sites, q, ownerUserID); err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return sites, nil
}

// DeleteSite removes a site. Its members, site-type keys, and grants are
// cascade deleted by foreign key constraints.
func (s *Store) DeleteSite(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM sites WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete site: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete site rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddSiteMember adds a user to a site, or updates the role of an existing
// member.
func (s *Store) AddSiteMember(ctx context.Context, m *model.SiteMember) error {
	if m.Role == "" {
		m.Role = "member"
	}
	m.CreatedAt = time.Now().UTC()

	q := s.db.Rebind(`INSERT INTO site_members (site_id, user_id, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (site_id, user_id) DO UPDATE SET role = excluded.role`)
	if _, err := s.db.ExecContext(ctx, q, m.SiteID, m.UserID, m.Role, m.CreatedAt); err != nil {
		return fmt.Errorf("add site member: %w", err)
	}
	return nil
}

// RemoveSiteMember removes a user from a site.
func (s *Store) RemoveSiteMember(ctx context.Context, siteID, userID string) error {
	q := s.db.Rebind("DELETE FROM site_members WHERE site_id = ? AND user_id = ?")
	result, err := s.db.ExecContext(ctx, q, siteID, userID)
	if err != nil {
		return fmt.Errorf("remove site member: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove site member rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSiteMembers returns the members of a site ordered by user ID.
func (s *Store) ListSiteMembers(ctx context.Context, siteID string) ([]model.SiteMember, error) {
	var members []model.SiteMember
	q := s.db.Rebind(`SELECT site_id, user_id, role, created_at
		FROM site_members WHERE site_id = ? ORDER BY user_id`)
	if err := s.db.SelectContext(ctx, &members, q, siteID); err != nil {
		return nil, fmt.Errorf("list site members: %w", err)
	}
	return members, nil
}

// IsSiteMember reports whether a user belongs to a site in any role.
func (s *Store) IsSiteMember(ctx context.Context, siteID, userID string) (bool, error) {
	var count int
	q := s.db.Rebind("SELECT COUNT(*) FROM site_members WHERE site_id = ? AND user_id = ?")
	if err := s.db.GetContext(ctx, &count, q, siteID, userID); err != nil {
		return false, fmt.Errorf("check site membership: %w", err)
	}
	return count > 0, nil
}
