package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inkpress/inkpress/internal/config"
	"github.com/inkpress/inkpress/internal/metrics"
	"github.com/inkpress/inkpress/internal/model"
)

// AuthService turns raw credentials into identities. Validation reads the
// store and never writes to it.
type AuthService struct {
	keys KeyStore
	now  func() time.Time
}

func NewAuthService(keys KeyStore) *AuthService {
	return &AuthService{keys: keys, now: time.Now}
}

// ValidateAPIKey hashes rawKey, looks the hash up once, and returns the
// key's identity. Unknown, inactive, revoked, and expired keys all yield
// ErrInvalidCredentials.
func (s *AuthService) ValidateAPIKey(ctx context.Context, rawKey string) (*model.Identity, error) {
	if rawKey == "" {
		metrics.AuthAttempts.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidCredentials
	}

	key, err := s.keys.GetAPIKeyByHash(ctx, HashKey(rawKey))
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			metrics.AuthAttempts.WithLabelValues("invalid").Inc()
			return nil, ErrInvalidCredentials
		}
		metrics.AuthAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("look up api key: %w", err)
	}

	if !key.IsActive || key.IsRevoked() || key.IsExpired(s.now()) {
		metrics.AuthAttempts.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidCredentials
	}

	metrics.AuthAttempts.WithLabelValues("ok").Inc()
	return identityFromKey(key), nil
}

func identityFromKey(k *model.APIKey) *model.Identity {
	return &model.Identity{
		ID:                 k.ID,
		Name:               k.Name,
		KeyType:            k.KeyType,
		OwnerUserID:        k.OwnerUserID,
		SiteID:             k.SiteID,
		Scopes:             append(model.Scopes(nil), k.Scopes...),
		RateLimitPerMinute: k.RateLimitPerMinute,
		RateLimitPerDay:    k.RateLimitPerDay,
		AllowedIPs:         append([]string(nil), k.AllowedIPs...),
		AllowedOrigins:     append([]string(nil), k.AllowedOrigins...),
	}
}
