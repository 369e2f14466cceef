package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/inkpress/inkpress/internal/config"
	"github.com/inkpress/inkpress/internal/model"
	"github.com/inkpress/inkpress/internal/server/middleware"
	"github.com/inkpress/inkpress/internal/service"
)

// SiteHandler serves the site and membership endpoints the authorization
// rules depend on.
type SiteHandler struct {
	store    *config.Store
	resolver *service.AccessResolver
}

// NewSiteHandler creates a new SiteHandler.
func NewSiteHandler(store *config.Store, resolver *service.AccessResolver) *SiteHandler {
	return &SiteHandler{store: store, resolver: resolver}
}

// Routes mounts the site endpoints on r. Per-site routes are guarded by
// the access resolver. Membership changes also need the site's owner,
// since membership grants every scope the key holds.
func (h *SiteHandler) Routes(r chi.Router) {
	r.Route("/sites", func(r chi.Router) {
		r.Get("/", h.ListSites)
		r.Post("/", h.CreateSite)
		r.Route("/{siteId}", func(r chi.Router) {
			r.With(middleware.RequireSiteAccess(h.resolver, model.ScopeRead, "siteId")).Get("/", h.GetSite)
			r.With(middleware.RequireSiteAccess(h.resolver, model.ScopeDelete, "siteId")).Delete("/", h.DeleteSite)
			r.With(middleware.RequireSiteAccess(h.resolver, model.ScopeRead, "siteId")).Get("/members", h.ListMembers)
			r.With(middleware.RequireSiteAccess(h.resolver, model.ScopeWrite, "siteId"), h.requireSiteOwner).Post("/members", h.AddMember)
			r.With(middleware.RequireSiteAccess(h.resolver, model.ScopeWrite, "siteId"), h.requireSiteOwner).Delete("/members/{userId}", h.RemoveMember)
		})
	})
}

type createSiteRequest struct {
	Name        string `json:"name"`
	OwnerUserID string `json:"owner_user_id"`
}

// CreateSite registers a site owned by the caller. Admin keys name the
// owner explicitly.
func (h *SiteHandler) CreateSite(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFrom(r.Context())

	var req createSiteRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeServiceError(w, r, &service.ValidationError{Field: "name", Message: "is required"}, "")
		return
	}

	switch id.KeyType {
	case model.KeyTypeAdmin:
		if req.OwnerUserID == "" {
			writeServiceError(w, r, &service.ValidationError{Field: "owner_user_id", Message: "is required for admin keys"}, "")
			return
		}
	case model.KeyTypeUser:
		if !service.HasScope(id, model.ScopeWrite) {
			middleware.WriteDenial(w, service.ErrForbiddenScope)
			return
		}
		if req.OwnerUserID != "" && req.OwnerUserID != id.OwnerUserID {
			writeError(w, http.StatusForbidden, "Sites can only be created for the caller's own user",
				map[string]interface{}{"reason": middleware.ReasonForbiddenScope})
			return
		}
		req.OwnerUserID = id.OwnerUserID
	default:
		writeError(w, http.StatusForbidden, "Site keys cannot create sites",
			map[string]interface{}{"reason": middleware.ReasonForbiddenScope})
		return
	}

	site := &model.Site{Name: req.Name, OwnerUserID: req.OwnerUserID}
	if err := h.store.CreateSite(r.Context(), site); err != nil {
		writeServiceError(w, r, err, "")
		return
	}
	middleware.AnnotateUsage(r.Context(), "site", site.ID)
	writeJSON(w, http.StatusCreated, site)
}

// ListSites lists sites by owner. User keys see only their own owner's
// sites; site keys see their own site.
func (h *SiteHandler) ListSites(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFrom(r.Context())
	owner := queryString(r, "owner_user_id")
	if !service.HasScope(id, model.ScopeRead) && id.KeyType != model.KeyTypeAdmin {
		middleware.WriteDenial(w, service.ErrForbiddenScope)
		return
	}

	var sites []model.Site
	switch id.KeyType {
	case model.KeyTypeSite:
		site, err := h.store.GetSite(r.Context(), id.SiteID)
		if err != nil {
			writeServiceError(w, r, err, "Site not found")
			return
		}
		sites = []model.Site{*site}
	case model.KeyTypeUser:
		if owner != "" && owner != id.OwnerUserID {
			writeError(w, http.StatusForbidden, "Sites of other users are not listed",
				map[string]interface{}{"reason": middleware.ReasonForbiddenScope})
			return
		}
		owner = id.OwnerUserID
		fallthrough
	default:
		if owner == "" {
			writeServiceError(w, r, &service.ValidationError{Field: "owner_user_id", Message: "is required for admin keys"}, "")
			return
		}
		var err error
		if sites, err = h.store.ListSitesByOwner(r.Context(), owner); err != nil {
			writeServiceError(w, r, err, "")
			return
		}
	}
	if sites == nil {
		sites = []model.Site{}
	}
	writeList(w, sites, len(sites))
}

// GetSite returns a site.
func (h *SiteHandler) GetSite(w http.ResponseWriter, r *http.Request) {
	site, err := h.store.GetSite(r.Context(), chi.URLParam(r, "siteId"))
	if err != nil {
		writeServiceError(w, r, err, "Site not found")
		return
	}
	writeJSON(w, http.StatusOK, site)
}

// DeleteSite removes a site with its members, site keys, and grants.
func (h *SiteHandler) DeleteSite(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteSite(r.Context(), chi.URLParam(r, "siteId")); err != nil {
		writeServiceError(w, r, err, "Site not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMembers lists a site's members.
func (h *SiteHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.store.ListSiteMembers(r.Context(), chi.URLParam(r, "siteId"))
	if err != nil {
		writeServiceError(w, r, err, "")
		return
	}
	if members == nil {
		members = []model.SiteMember{}
	}
	writeList(w, members, len(members))
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// AddMember adds a user to a site or changes their role.
func (h *SiteHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteId")

	var req addMemberRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeServiceError(w, r, &service.ValidationError{Field: "user_id", Message: "is required"}, "")
		return
	}
	if _, err := h.store.GetSite(r.Context(), siteID); err != nil {
		writeServiceError(w, r, err, "Site not found")
		return
	}

	member := &model.SiteMember{SiteID: siteID, UserID: req.UserID, Role: strings.TrimSpace(req.Role)}
	if err := h.store.AddSiteMember(r.Context(), member); err != nil {
		writeServiceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

// RemoveMember removes a user from a site.
func (h *SiteHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	err := h.store.RemoveSiteMember(r.Context(), chi.URLParam(r, "siteId"), chi.URLParam(r, "userId"))
	if err != nil {
		writeServiceError(w, r, err, "Site member not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireSiteOwner limits a route to admin keys and keys of the {siteId}
// site's owner.
func (h *SiteHandler) requireSiteOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if checkSiteOwner(w, r, h.store, chi.URLParam(r, "siteId")) {
			next.ServeHTTP(w, r)
		}
	})
}

// checkSiteOwner requires an admin caller or one whose owner owns siteID.
// On failure it writes the response and returns false.
func checkSiteOwner(w http.ResponseWriter, r *http.Request, store *config.Store, siteID string) bool {
	id := middleware.IdentityFrom(r.Context())
	site, err := store.GetSite(r.Context(), siteID)
	if err != nil {
		writeServiceError(w, r, err, "Site not found")
		return false
	}
	if id.KeyType != model.KeyTypeAdmin && site.OwnerUserID != id.OwnerUserID {
		middleware.WriteDenial(w, service.ErrForbiddenSite)
		return false
	}
	return true
}
