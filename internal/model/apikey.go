package model

import (
	"fmt"
	"time"
)

// KeyType determines the ownership shape of an API key and which access
// rules apply to it.
type KeyType string

const (
	KeyTypeUser  KeyType = "user"
	KeyTypeSite  KeyType = "site"
	KeyTypeAdmin KeyType = "admin"
)

// Valid reports whether t is one of the known key types.
func (t KeyType) Valid() bool {
	switch t {
	case KeyTypeUser, KeyTypeSite, KeyTypeAdmin:
		return true
	}
	return false
}

// ParseKeyType converts a string into a KeyType, rejecting unknown values.
func ParseKeyType(s string) (KeyType, error) {
	t := KeyType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown key type %q", s)
	}
	return t, nil
}

// Scope is a permission tag granted to an API key.
type Scope string

const (
	ScopeRead   Scope = "read"
	ScopeWrite  Scope = "write"
	ScopeDelete Scope = "delete"
	ScopeAdmin  Scope = "admin" // implies every other scope
)

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeRead, ScopeWrite, ScopeDelete, ScopeAdmin:
		return true
	}
	return false
}

// ParseScope converts a string into a Scope, rejecting unknown values.
func ParseScope(s string) (Scope, error) {
	sc := Scope(s)
	if !sc.Valid() {
		return "", fmt.Errorf("unknown scope %q", s)
	}
	return sc, nil
}

// Scopes is a set of scopes stored as a list.
type Scopes []Scope

// Contains reports whether sc appears literally in the set. It does not
// apply admin inheritance.
func (s Scopes) Contains(sc Scope) bool {
	for _, v := range s {
		if v == sc {
			return true
		}
	}
	return false
}

// Default rate limits applied when a key is created without explicit values.
const (
	DefaultRateLimitPerMinute = 60
	DefaultRateLimitPerDay    = 10000
)

// APIKey is a stored credential record. The plaintext secret is never
// persisted; KeyHash is its SHA-256 digest and KeyPrefix a display-only
// fragment. Empty OwnerUserID / SiteID mean the column is NULL.
type APIKey struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	KeyPrefix          string         `json:"key_prefix"`
	KeyHash            string         `json:"-"` // never expose
	KeyType            KeyType        `json:"key_type"`
	OwnerUserID        string         `json:"owner_user_id,omitempty"`
	SiteID             string         `json:"site_id,omitempty"`
	Scopes             Scopes         `json:"scopes"`
	RateLimitPerMinute int            `json:"rate_limit_per_minute"`
	RateLimitPerDay    int            `json:"rate_limit_per_day"`
	IsActive           bool           `json:"is_active"`
	ExpiresAt          *time.Time     `json:"expires_at,omitempty"`
	RevokedAt          *time.Time     `json:"revoked_at,omitempty"`
	RevokedBy          string         `json:"revoked_by,omitempty"`
	RevokeReason       string         `json:"revoke_reason,omitempty"`
	AllowedIPs         []string       `json:"allowed_ips"`
	AllowedOrigins     []string       `json:"allowed_origins"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	UsageCount         int64          `json:"usage_count"`
	LastUsedAt         *time.Time     `json:"last_used_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// IsRevoked reports whether the key has been revoked.
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// IsExpired reports whether the key's expiry lies at or before now.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// Identity is the authorization-ready projection of a validated key. It
// carries no secret material.
type Identity struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	KeyType            KeyType  `json:"key_type"`
	OwnerUserID        string   `json:"owner_user_id,omitempty"`
	SiteID             string   `json:"site_id,omitempty"`
	Scopes             Scopes   `json:"scopes"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	RateLimitPerDay    int      `json:"rate_limit_per_day"`
	AllowedIPs         []string `json:"allowed_ips"`
	AllowedOrigins     []string `json:"allowed_origins"`
}

// SiteAccessGrant gives a user-type key a scope set on one site regardless
// of ownership or membership. At most one grant exists per (key, site).
type SiteAccessGrant struct {
	APIKeyID  string    `json:"api_key_id"`
	SiteID    string    `json:"site_id"`
	Scopes    Scopes    `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
