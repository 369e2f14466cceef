package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inkpress/inkpress/internal/metrics"
	"github.com/inkpress/inkpress/internal/model"
	"github.com/inkpress/inkpress/internal/service"
)

type contextKeyAuth string

const (
	// IdentityKey is the context key for the authenticated key identity.
	IdentityKey contextKeyAuth = "auth_identity"

	usageNoteKey contextKeyAuth = "usage_note"
)

// Denial reasons reported in error.context.reason.
const (
	ReasonUnauthenticated  = "unauthenticated"
	ReasonForbiddenScope   = "forbidden_scope"
	ReasonForbiddenSite    = "forbidden_site"
	ReasonForbiddenNetwork = "forbidden_network"
)

// ErrMissingCredential is returned when a request carries no API key.
var ErrMissingCredential = errors.New("missing credential")

// UsageSink receives one usage event per authenticated request.
type UsageSink interface {
	Record(keyID string, ev model.UsageEvent)
}

// Authenticator resolves API keys on inbound requests.
type Authenticator struct {
	auth   *service.AuthService
	usage  UsageSink
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator. usage may be nil to skip
// usage recording.
func NewAuthenticator(auth *service.AuthService, usage UsageSink, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{auth: auth, usage: usage, logger: logger}
}

// ExtractCredential returns the API key presented by the request. A
// Bearer token in the Authorization header wins over X-API-Key.
func ExtractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		if tok := strings.TrimSpace(h[7:]); tok != "" {
			return tok
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// ClientIP returns the request's client address without its port. The
// forwarding headers are never read here; a trusted proxy setup mounts
// chi's RealIP first to rewrite RemoteAddr.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Authenticate validates the request's credential and checks the key's IP
// and origin allow-lists. The Origin allow-list applies only when the
// request sends an Origin header.
func (a *Authenticator) Authenticate(r *http.Request) (*model.Identity, error) {
	raw := ExtractCredential(r)
	if raw == "" {
		return nil, ErrMissingCredential
	}
	id, err := a.auth.ValidateAPIKey(r.Context(), raw)
	if err != nil {
		return nil, err
	}
	if !service.IsIPAllowed(id, ClientIP(r)) {
		return id, service.ErrForbiddenNetwork
	}
	if origin := r.Header.Get("Origin"); origin != "" && !service.IsOriginAllowed(id, origin) {
		return id, service.ErrForbiddenNetwork
	}
	return id, nil
}

// Middleware authenticates every request. On success the identity is put
// on the request context, the key's limits are exposed as headers, and a
// usage event is queued once the handler returns.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r)
		switch {
		case errors.Is(err, ErrMissingCredential):
			writeAuthError(w, http.StatusUnauthorized, ReasonUnauthenticated,
				"Authentication required. Provide a Bearer token or X-API-Key header.")
			return
		case errors.Is(err, service.ErrInvalidCredentials):
			writeAuthError(w, http.StatusUnauthorized, ReasonUnauthenticated, "Invalid API key")
			return
		case errors.Is(err, service.ErrForbiddenNetwork):
			metrics.AuthDenials.WithLabelValues(ReasonForbiddenNetwork).Inc()
			writeAuthError(w, http.StatusForbidden, ReasonForbiddenNetwork,
				"Requests from this address or origin are not allowed for this key")
			return
		case err != nil:
			a.logger.Error("api key validation failed", "error", err, "request_id", GetRequestID(r.Context()))
			writeAuthError(w, http.StatusInternalServerError, "", "Authentication unavailable")
			return
		}

		noteKeyID(r.Context(), id.ID)
		w.Header().Set("X-RateLimit-Limit-Minute", strconv.Itoa(id.RateLimitPerMinute))
		w.Header().Set("X-RateLimit-Limit-Day", strconv.Itoa(id.RateLimitPerDay))

		note := &usageNote{}
		ctx := context.WithValue(r.Context(), IdentityKey, id)
		ctx = context.WithValue(ctx, usageNoteKey, note)

		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r.WithContext(ctx))

		if a.usage == nil {
			return
		}
		a.usage.Record(id.ID, model.UsageEvent{
			Endpoint:       r.URL.Path,
			Method:         r.Method,
			StatusCode:     ww.status,
			ResponseTimeMs: time.Since(start).Milliseconds(),
			IPAddress:      ClientIP(r),
			UserAgent:      r.UserAgent(),
			Origin:         r.Header.Get("Origin"),
			ResourceType:   note.resourceType,
			ResourceID:     note.resourceID,
			ErrorMessage:   note.errorMessage,
		})
	})
}

// IdentityFrom returns the authenticated identity, or nil when the request
// did not pass through Authenticate.
func IdentityFrom(ctx context.Context) *model.Identity {
	if id, ok := ctx.Value(IdentityKey).(*model.Identity); ok {
		return id
	}
	return nil
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *model.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

type usageNote struct {
	resourceType string
	resourceID   string
	errorMessage string
}

// AnnotateUsage tags the current request's usage event with the resource
// it touched.
func AnnotateUsage(ctx context.Context, resourceType, resourceID string) {
	if n, ok := ctx.Value(usageNoteKey).(*usageNote); ok {
		n.resourceType = resourceType
		n.resourceID = resourceID
	}
}

// AnnotateUsageError records an error message on the current request's
// usage event. Such events count as failed regardless of status.
func AnnotateUsageError(ctx context.Context, msg string) {
	if n, ok := ctx.Value(usageNoteKey).(*usageNote); ok {
		n.errorMessage = msg
	}
}

// RequireScope rejects requests whose identity lacks scope with 403
// forbidden_scope. It must be used after Authenticate.
func RequireScope(scope model.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFrom(r.Context())
			if id == nil {
				writeAuthError(w, http.StatusUnauthorized, ReasonUnauthenticated, "Authentication required")
				return
			}
			if !service.HasScope(id, scope) {
				metrics.AuthDenials.WithLabelValues(ReasonForbiddenScope).Inc()
				writeAuthError(w, http.StatusForbidden, ReasonForbiddenScope,
					"API key lacks the "+string(scope)+" scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSiteAccess authorizes the site named by the chi URL parameter
// param for scope. Denials are 403 with reason forbidden_scope or
// forbidden_site.
func RequireSiteAccess(resolver *service.AccessResolver, scope model.Scope, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFrom(r.Context())
			if id == nil {
				writeAuthError(w, http.StatusUnauthorized, ReasonUnauthenticated, "Authentication required")
				return
			}
			siteID := chi.URLParam(r, param)
			err := resolver.Authorize(r.Context(), id, siteID, scope)
			switch {
			case err == nil:
				AnnotateUsage(r.Context(), "site", siteID)
				next.ServeHTTP(w, r)
			case errors.Is(err, service.ErrForbiddenScope):
				metrics.AuthDenials.WithLabelValues(ReasonForbiddenScope).Inc()
				writeAuthError(w, http.StatusForbidden, ReasonForbiddenScope,
					"API key lacks the "+string(scope)+" scope")
			case errors.Is(err, service.ErrForbiddenSite):
				metrics.AuthDenials.WithLabelValues(ReasonForbiddenSite).Inc()
				writeAuthError(w, http.StatusForbidden, ReasonForbiddenSite,
					"API key has no access to this site")
			default:
				writeAuthError(w, http.StatusInternalServerError, "", "Authorization unavailable")
			}
		})
	}
}

// WriteDenial writes the standard 403 body for a resolver error. It is
// exported for handlers that authorize inside the handler body.
func WriteDenial(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrForbiddenScope):
		writeAuthError(w, http.StatusForbidden, ReasonForbiddenScope, "API key lacks the required scope")
	case errors.Is(err, service.ErrForbiddenSite):
		writeAuthError(w, http.StatusForbidden, ReasonForbiddenSite, "API key has no access to this site")
	default:
		writeAuthError(w, http.StatusInternalServerError, "", "Authorization unavailable")
	}
}

func writeAuthError(w http.ResponseWriter, status int, reason, message string) {
	detail := model.ErrorDetail{Code: status, Message: message}
	if reason != "" {
		detail.Context = map[string]interface{}{"reason": reason}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{Error: detail})
}
