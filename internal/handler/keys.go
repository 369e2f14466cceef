package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inkpress/inkpress/internal/config"
	"github.com/inkpress/inkpress/internal/model"
	"github.com/inkpress/inkpress/internal/server/middleware"
	"github.com/inkpress/inkpress/internal/service"
)

var (
	// errKeyHidden is reported as 404 so callers cannot probe for keys
	// owned by someone else.
	errKeyHidden         = errors.New("key not visible to caller")
	errSiteKeyManagement = errors.New("site keys cannot manage keys")
)

const (
	defaultUsageEventLimit = 100
	maxUsageEventLimit     = 1000
)

// KeyHandler serves the API key management endpoints.
type KeyHandler struct {
	store    *config.Store
	keys     *service.KeyManager
	resolver *service.AccessResolver
	usage    *service.UsageRecorder
}

// NewKeyHandler creates a new KeyHandler. A nil usage recorder still
// serves statistics from the store with the default ranking size.
func NewKeyHandler(store *config.Store, keys *service.KeyManager, resolver *service.AccessResolver, usage *service.UsageRecorder) *KeyHandler {
	if usage == nil {
		usage = service.NewUsageRecorder(store, nil, service.UsageRecorderConfig{})
	}
	return &KeyHandler{store: store, keys: keys, resolver: resolver, usage: usage}
}

// Routes mounts the key endpoints on r.
func (h *KeyHandler) Routes(r chi.Router) {
	r.Get("/me", h.Me)
	r.Route("/keys", func(r chi.Router) {
		r.Get("/", h.ListKeys)
		r.Post("/", h.CreateKey)
		r.Route("/{keyId}", func(r chi.Router) {
			r.Get("/", h.GetKey)
			r.Patch("/", h.UpdateKey)
			r.Delete("/", h.RevokeKey)
			r.Post("/revoke", h.RevokeKey)
			r.Get("/sites", h.ListSiteAccess)
			r.Put("/sites/{siteId}", h.GrantSiteAccess)
			r.Delete("/sites/{siteId}", h.RevokeSiteAccess)
			r.Get("/usage", h.UsageStats)
			r.Get("/usage/events", h.ListUsageEvents)
		})
	})
}

// Me returns the caller's identity.
func (h *KeyHandler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, middleware.IdentityFrom(r.Context()))
}

type createKeyRequest struct {
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	KeyType            model.KeyType  `json:"key_type"`
	OwnerUserID        string         `json:"owner_user_id"`
	SiteID             string         `json:"site_id"`
	Scopes             model.Scopes   `json:"scopes"`
	RateLimitPerMinute int            `json:"rate_limit_per_minute"`
	RateLimitPerDay    int            `json:"rate_limit_per_day"`
	ExpiresAt          *time.Time     `json:"expires_at"`
	AllowedIPs         []string       `json:"allowed_ips"`
	AllowedOrigins     []string       `json:"allowed_origins"`
	Metadata           map[string]any `json:"metadata"`
}

// CreateKey issues a new key. The plaintext secret appears only in this
// response.
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFrom(r.Context())

	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.KeyType == "" {
		req.KeyType = model.KeyTypeUser
	}

	switch id.KeyType {
	case model.KeyTypeAdmin:
	case model.KeyTypeUser:
		if !service.HasScope(id, model.ScopeWrite) {
			middleware.WriteDenial(w, service.ErrForbiddenScope)
			return
		}
		if req.KeyType == model.KeyTypeAdmin {
			writeError(w, http.StatusForbidden, "Only admin keys can create admin keys",
				map[string]interface{}{"reason": middleware.ReasonForbiddenScope})
			return
		}
		if req.OwnerUserID == "" {
			req.OwnerUserID = id.OwnerUserID
		}
		if req.OwnerUserID != id.OwnerUserID {
			writeError(w, http.StatusForbidden, "Keys can only be created for the caller's own user",
				map[string]interface{}{"reason": middleware.ReasonForbiddenScope})
			return
		}
		// A key may not mint a key holding scopes it lacks itself.
		for _, sc := range req.Scopes {
			if sc.Valid() && !service.HasScope(id, sc) {
				middleware.WriteDenial(w, service.ErrForbiddenScope)
				return
			}
		}
		if req.KeyType == model.KeyTypeSite && req.SiteID != "" {
			if err := h.resolver.Authorize(r.Context(), id, req.SiteID, model.ScopeWrite); err != nil {
				middleware.WriteDenial(w, err)
				return
			}
		}
	default:
		writeServiceError(w, r, errSiteKeyManagement, "")
		return
	}

	created, err := h.keys.Create(r.Context(), service.CreateKeyOptions{
		Name:               req.Name,
		Description:        req.Description,
		KeyType:            req.KeyType,
		OwnerUserID:        req.OwnerUserID,
		SiteID:             req.SiteID,
		Scopes:             req.Scopes,
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitPerDay:    req.RateLimitPerDay,
		ExpiresAt:          req.ExpiresAt,
		AllowedIPs:         req.AllowedIPs,
		AllowedOrigins:     req.AllowedOrigins,
		Metadata:           req.Metadata,
	})
	if err != nil {
		writeServiceError(w, r, err, "Site not found")
		return
	}
	middleware.AnnotateUsage(r.Context(), "api_key", created.Key.ID)
	writeJSON(w, http.StatusCreated, created)
}

// ListKeys lists keys by owner. Admin keys may omit owner_user_id to list
// every key.
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFrom(r.Context())
	owner := queryString(r, "owner_user_id")

	var (
		keys []model.APIKey
		err  error
	)
	switch id.KeyType {
	case model.KeyTypeAdmin:
		if owner == "" {
			keys, err = h.store.ListAPIKeys(r.Context())
		} else {
			keys, err = h.keys.ListByOwner(r.Context(), owner)
		}
	case model.KeyTypeUser:
		if !service.HasScope(id, model.ScopeRead) {
			middleware.WriteDenial(w, service.ErrForbiddenScope)
			return
		}
		if owner != "" && owner != id.OwnerUserID {
			writeError(w, http.StatusForbidden, "Keys of other users are not visible",
				map[string]interface{}{"reason": middleware.ReasonForbiddenScope})
			return
		}
		keys, err = h.keys.ListByOwner(r.Context(), id.OwnerUserID)
	default:
		writeServiceError(w, r, errSiteKeyManagement, "")
		return
	}
	if err != nil {
		writeServiceError(w, r, err, "")
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	writeList(w, keys, len(keys))
}

// GetKey returns a single key.
func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	key, ok := h.loadKey(w, r, model.ScopeRead)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, key)
}

type updateKeyRequest struct {
	Name               *string         `json:"name"`
	Description        *string         `json:"description"`
	RateLimitPerMinute *int            `json:"rate_limit_per_minute"`
	RateLimitPerDay    *int            `json:"rate_limit_per_day"`
	AllowedIPs         *[]string       `json:"allowed_ips"`
	AllowedOrigins     *[]string       `json:"allowed_origins"`
	Metadata           *map[string]any `json:"metadata"`
}

// immutableKeyFields cannot change after creation; issue a new key instead.
var immutableKeyFields = []string{"key_type", "owner_user_id", "site_id", "scopes"}

// UpdateKey patches the mutable fields of a key.
func (h *KeyHandler) UpdateKey(w http.ResponseWriter, r *http.Request) {
	key, ok := h.loadKey(w, r, model.ScopeWrite)
	if !ok {
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	for _, f := range immutableKeyFields {
		if _, present := fields[f]; present {
			writeServiceError(w, r, &service.ValidationError{Field: f, Message: "cannot be changed after creation"}, "")
			return
		}
	}
	var req updateKeyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	updated, err := h.keys.Update(r.Context(), key.ID, service.KeyPatch{
		Name:               req.Name,
		Description:        req.Description,
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitPerDay:    req.RateLimitPerDay,
		AllowedIPs:         req.AllowedIPs,
		AllowedOrigins:     req.AllowedOrigins,
		Metadata:           req.Metadata,
	})
	if err != nil {
		writeServiceError(w, r, err, "API key not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type revokeKeyRequest struct {
	Reason string `json:"reason"`
}

// RevokeKey revokes a key. Revoking twice succeeds and keeps the first
// revocation's details.
func (h *KeyHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	key, ok := h.loadKey(w, r, model.ScopeWrite)
	if !ok {
		return
	}

	var req revokeKeyRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}

	revoked, err := h.keys.Revoke(r.Context(), key.ID, actor(middleware.IdentityFrom(r.Context())), req.Reason)
	if err != nil {
		writeServiceError(w, r, err, "API key not found")
		return
	}
	writeJSON(w, http.StatusOK, revoked)
}

type grantRequest struct {
	Scopes model.Scopes `json:"scopes"`
}

// GrantSiteAccess gives a user key scopes on a site the caller owns. The
// target key may belong to any user; that is how a site owner lets a
// collaborator's key in without making them a member.
func (h *KeyHandler) GrantSiteAccess(w http.ResponseWriter, r *http.Request) {
	key, siteID, ok := h.authorizeGrant(w, r)
	if !ok {
		return
	}

	var req grantRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	grant, err := h.keys.GrantSiteAccess(r.Context(), key.ID, siteID, req.Scopes)
	if err != nil {
		writeServiceError(w, r, err, "Site not found")
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// RevokeSiteAccess removes a key's grant on a site the caller owns.
func (h *KeyHandler) RevokeSiteAccess(w http.ResponseWriter, r *http.Request) {
	key, siteID, ok := h.authorizeGrant(w, r)
	if !ok {
		return
	}
	if err := h.keys.RevokeSiteAccess(r.Context(), key.ID, siteID); err != nil {
		writeServiceError(w, r, err, "Site access grant not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSiteAccess lists the site grants held by a key.
func (h *KeyHandler) ListSiteAccess(w http.ResponseWriter, r *http.Request) {
	key, ok := h.loadKey(w, r, model.ScopeRead)
	if !ok {
		return
	}
	grants, err := h.keys.ListSiteAccess(r.Context(), key.ID)
	if err != nil {
		writeServiceError(w, r, err, "API key not found")
		return
	}
	if grants == nil {
		grants = []model.SiteAccessGrant{}
	}
	writeList(w, grants, len(grants))
}

// UsageStats aggregates a key's usage between start_date and end_date.
func (h *KeyHandler) UsageStats(w http.ResponseWriter, r *http.Request) {
	key, ok := h.loadKey(w, r, model.ScopeRead)
	if !ok {
		return
	}
	rng, err := statsRange(r)
	if err != nil {
		writeServiceError(w, r, err, "")
		return
	}
	stats, err := h.usage.UsageStats(r.Context(), key.ID, rng)
	if err != nil {
		writeServiceError(w, r, err, "API key not found")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListUsageEvents returns a key's most recent usage events.
func (h *KeyHandler) ListUsageEvents(w http.ResponseWriter, r *http.Request) {
	key, ok := h.loadKey(w, r, model.ScopeRead)
	if !ok {
		return
	}
	rng, err := statsRange(r)
	if err != nil {
		writeServiceError(w, r, err, "")
		return
	}
	limit := clampInt(queryInt(r, "limit", defaultUsageEventLimit), 1, maxUsageEventLimit)
	events, err := h.store.ListUsage(r.Context(), key.ID, config.UsageFilter{Start: rng.Start, End: rng.End}, limit)
	if err != nil {
		writeServiceError(w, r, err, "")
		return
	}
	if events == nil {
		events = []model.UsageEvent{}
	}
	writeList(w, events, len(events))
}

// loadKey fetches the {keyId} key and checks the caller may act on it with
// scope. On failure it writes the response and returns false.
func (h *KeyHandler) loadKey(w http.ResponseWriter, r *http.Request, scope model.Scope) (*model.APIKey, bool) {
	id := middleware.IdentityFrom(r.Context())
	key, err := h.keys.Get(r.Context(), chi.URLParam(r, "keyId"))
	if err == nil {
		err = authorizeKey(id, key, scope)
	}
	if err != nil {
		writeServiceError(w, r, err, "API key not found")
		return nil, false
	}
	middleware.AnnotateUsage(r.Context(), "api_key", key.ID)
	return key, true
}

// authorizeGrant checks a grant change on {siteId} for the {keyId} key. The
// caller must be an admin key, or a user key holding write whose owner owns
// the site. Ownership of the target key does not matter.
func (h *KeyHandler) authorizeGrant(w http.ResponseWriter, r *http.Request) (*model.APIKey, string, bool) {
	id := middleware.IdentityFrom(r.Context())
	switch id.KeyType {
	case model.KeyTypeAdmin:
	case model.KeyTypeUser:
		if !service.HasScope(id, model.ScopeWrite) {
			middleware.WriteDenial(w, service.ErrForbiddenScope)
			return nil, "", false
		}
	default:
		writeServiceError(w, r, errSiteKeyManagement, "")
		return nil, "", false
	}

	siteID := chi.URLParam(r, "siteId")
	if !checkSiteOwner(w, r, h.store, siteID) {
		return nil, "", false
	}
	key, err := h.keys.Get(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		writeServiceError(w, r, err, "API key not found")
		return nil, "", false
	}
	middleware.AnnotateUsage(r.Context(), "site", siteID)
	return key, siteID, true
}

// authorizeKey applies the key management rules: admin keys manage every
// key, user keys manage keys of their own owner when holding scope, and
// site keys manage nothing.
func authorizeKey(id *model.Identity, key *model.APIKey, scope model.Scope) error {
	switch id.KeyType {
	case model.KeyTypeAdmin:
		return nil
	case model.KeyTypeUser:
		if key.OwnerUserID != id.OwnerUserID {
			return errKeyHidden
		}
		if !service.HasScope(id, scope) {
			return service.ErrForbiddenScope
		}
		return nil
	default:
		return errSiteKeyManagement
	}
}

// actor names the caller in revocation records.
func actor(id *model.Identity) string {
	if id.OwnerUserID != "" {
		return id.OwnerUserID
	}
	return "key:" + id.ID
}

func statsRange(r *http.Request) (service.StatsRange, error) {
	start, err := queryTime(r, "start_date")
	if err != nil {
		return service.StatsRange{}, err
	}
	end, err := queryTime(r, "end_date")
	if err != nil {
		return service.StatsRange{}, err
	}
	return service.StatsRange{Start: start, End: end}, nil
}
