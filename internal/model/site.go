package model

import "time"

// Site is the subset of a blog site the authorization core needs: its
// identity and its registered owner.
type Site struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	OwnerUserID string    `json:"owner_user_id" db:"owner_user_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// SiteMember records a user's membership of a site. Any role grants access
// to the site for that user's keys.
type SiteMember struct {
	SiteID    string    `json:"site_id" db:"site_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Role      string    `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
