package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/inkpress/inkpress/internal/config"
	"github.com/inkpress/inkpress/internal/model"
	"github.com/inkpress/inkpress/internal/service"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server *Server
	store  *config.Store
	usage  *service.UsageRecorder
	keys   *service.KeyManager
}

// newTestEnv creates a fresh test environment with an in-memory config store
// and a fully wired Server.
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	usage := service.NewUsageRecorder(store, logger, service.UsageRecorderConfig{})
	usage.Start()
	t.Cleanup(func() { usage.Shutdown(context.Background()) })

	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	srv := New(cfg, store, usage, logger)

	return &testEnv{
		server: srv,
		store:  store,
		usage:  usage,
		keys:   service.NewKeyManager(store, store, ""),
	}
}

// bootstrapAdmin issues an admin key the way `inkpress key create --type
// admin` does and returns its secret.
func (e *testEnv) bootstrapAdmin(t *testing.T) string {
	t.Helper()
	created, err := e.keys.Create(context.Background(), service.CreateKeyOptions{
		Name:    "root",
		KeyType: model.KeyTypeAdmin,
		Scopes:  model.Scopes{model.ScopeAdmin},
	})
	if err != nil {
		t.Fatalf("bootstrap admin: %v", err)
	}
	return created.Secret
}

// do executes an HTTP request against the test server and returns the recorder.
// headers is an optional map of header key-value pairs.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// doAuth executes a request authenticated with a Bearer API key.
func (e *testEnv) doAuth(t *testing.T, method, path string, body io.Reader, secret string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + secret,
	})
}

// doAPIKey executes a request authenticated through the X-API-Key header.
func (e *testEnv) doAPIKey(t *testing.T, method, path string, body io.Reader, secret string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"X-API-Key": secret,
	})
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func assertContentType(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	got := rr.Header().Get("Content-Type")
	if got != want {
		t.Errorf("Content-Type = %q, want %q", got, want)
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Health check tests
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	assertContentType(t, rr, "application/json")

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	assertContentType(t, rr, "application/json")

	var resp map[string]interface{}
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
	checks, ok := resp["checks"].(map[string]interface{})
	if !ok {
		t.Fatal("expected checks to be a map")
	}
	if checks["store"] != "ok" {
		t.Errorf("store check = %v, want ok", checks["store"])
	}
}

func TestReadyz_StoreDown(t *testing.T) {
	env := newTestEnv(t)
	env.store.Close()

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusServiceUnavailable)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	secret := env.bootstrapAdmin(t)
	env.doAuth(t, "GET", "/api/v1/me", nil, secret)

	rr := env.do(t, "GET", "/metrics", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "inkpress_auth_attempts_total") {
		t.Error("expected auth attempt counter in /metrics output")
	}
}

// ---------------------------------------------------------------------------
// Authentication tests
// ---------------------------------------------------------------------------

func TestAPI_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/me"},
		{"GET", "/api/v1/keys"},
		{"POST", "/api/v1/keys"},
		{"GET", "/api/v1/sites"},
		{"POST", "/api/v1/sites"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			var body io.Reader
			if ep.method == "POST" {
				body = jsonBody(t, map[string]string{})
			}
			rr := env.do(t, ep.method, ep.path, body, nil)
			assertStatus(t, rr, http.StatusUnauthorized)
		})
	}
}

func TestAPI_InvalidKey(t *testing.T) {
	env := newTestEnv(t)

	rr := env.doAuth(t, "GET", "/api/v1/me", nil, "sk_live_notarealkey")
	assertStatus(t, rr, http.StatusUnauthorized)

	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error.Context["reason"] != "unauthenticated" {
		t.Errorf("reason = %v, want unauthenticated", resp.Error.Context["reason"])
	}
}

func TestAPI_BothHeaderStyles(t *testing.T) {
	env := newTestEnv(t)
	secret := env.bootstrapAdmin(t)

	assertStatus(t, env.doAuth(t, "GET", "/api/v1/me", nil, secret), http.StatusOK)
	assertStatus(t, env.doAPIKey(t, "GET", "/api/v1/me", nil, secret), http.StatusOK)
}

func TestAPI_ResponseHeaders(t *testing.T) {
	env := newTestEnv(t)
	secret := env.bootstrapAdmin(t)

	rr := env.doAuth(t, "GET", "/api/v1/me", nil, secret)
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
	if rr.Header().Get("X-RateLimit-Limit-Minute") != "60" {
		t.Errorf("X-RateLimit-Limit-Minute = %q, want 60", rr.Header().Get("X-RateLimit-Limit-Minute"))
	}
	if rr.Header().Get("X-RateLimit-Limit-Day") != "10000" {
		t.Errorf("X-RateLimit-Limit-Day = %q, want 10000", rr.Header().Get("X-RateLimit-Limit-Day"))
	}
}

func TestAPI_PerIPRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RateLimitPerIP = 2 })
	secret := env.bootstrapAdmin(t)

	for i := 0; i < 2; i++ {
		assertStatus(t, env.doAuth(t, "GET", "/api/v1/me", nil, secret), http.StatusOK)
	}
	rr := env.doAuth(t, "GET", "/api/v1/me", nil, secret)
	assertStatus(t, rr, http.StatusTooManyRequests)
}

// ---------------------------------------------------------------------------
// End-to-end flow
// ---------------------------------------------------------------------------

func TestFullFlow(t *testing.T) {
	env := newTestEnv(t)
	admin := env.bootstrapAdmin(t)

	// 1. Admin issues a user key for alice.
	rr := env.doAuth(t, "POST", "/api/v1/keys", jsonBody(t, map[string]interface{}{
		"name":          "alice laptop",
		"owner_user_id": "alice",
		"scopes":        []string{"read", "write", "delete"},
	}), admin)
	assertStatus(t, rr, http.StatusCreated)
	var aliceKey service.CreatedKey
	decodeJSON(t, rr, &aliceKey)
	if aliceKey.Secret == "" {
		t.Fatal("expected plaintext secret in create response")
	}

	// 2. Alice creates her site.
	rr = env.doAuth(t, "POST", "/api/v1/sites", jsonBody(t, map[string]string{"name": "Travel notes"}), aliceKey.Secret)
	assertStatus(t, rr, http.StatusCreated)
	var site model.Site
	decodeJSON(t, rr, &site)

	// 3. Alice issues a site key pinned to that site.
	rr = env.doAuth(t, "POST", "/api/v1/keys", jsonBody(t, map[string]interface{}{
		"name":     "deploy hook",
		"key_type": "site",
		"site_id":  site.ID,
		"scopes":   []string{"read"},
	}), aliceKey.Secret)
	assertStatus(t, rr, http.StatusCreated)
	var siteKey service.CreatedKey
	decodeJSON(t, rr, &siteKey)
	if !strings.HasPrefix(siteKey.Secret, "ss_live_") {
		t.Errorf("site secret = %q, want ss_live_ prefix", siteKey.Secret)
	}

	// 4. The site key reads its site but cannot write or manage keys.
	assertStatus(t, env.doAuth(t, "GET", "/api/v1/sites/"+site.ID, nil, siteKey.Secret), http.StatusOK)
	assertStatus(t, env.doAuth(t, "POST", "/api/v1/sites/"+site.ID+"/members",
		jsonBody(t, map[string]string{"user_id": "bob"}), siteKey.Secret), http.StatusForbidden)
	assertStatus(t, env.doAuth(t, "GET", "/api/v1/keys", nil, siteKey.Secret), http.StatusForbidden)

	// 5. Alice revokes the site key; it stops working.
	assertStatus(t, env.doAuth(t, "POST", "/api/v1/keys/"+siteKey.Key.ID+"/revoke", nil, aliceKey.Secret), http.StatusOK)
	assertStatus(t, env.doAuth(t, "GET", "/api/v1/sites/"+site.ID, nil, siteKey.Secret), http.StatusUnauthorized)

	// 6. Usage was recorded for alice's requests.
	if err := env.usage.Shutdown(context.Background()); err != nil {
		t.Fatalf("usage shutdown: %v", err)
	}
	stats, err := env.store.UsageStats(context.Background(), aliceKey.Key.ID, config.UsageFilter{})
	if err != nil {
		t.Fatalf("UsageStats: %v", err)
	}
	if stats.TotalRequests != 3 {
		t.Errorf("alice total requests = %d, want 3", stats.TotalRequests)
	}
}

func TestIPAllowList(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		remote     string
		forwarded  string
		want       int
	}{
		{"listed peer", false, "203.0.113.7:5555", "", http.StatusOK},
		{"unlisted peer", false, "198.51.100.1:5555", "", http.StatusForbidden},
		{"forged header ignored", false, "198.51.100.1:5555", "203.0.113.7", http.StatusForbidden},
		{"header from listed peer ignored", false, "203.0.113.7:5555", "198.51.100.1", http.StatusOK},
		{"trusted proxy header allowed", true, "10.0.0.2:5555", "203.0.113.7", http.StatusOK},
		{"trusted proxy header denied", true, "10.0.0.2:5555", "198.51.100.1", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(c *Config) { c.TrustProxyHeaders = tt.trustProxy })
			created, err := env.keys.Create(context.Background(), service.CreateKeyOptions{
				Name:        "office",
				KeyType:     model.KeyTypeUser,
				OwnerUserID: "alice",
				AllowedIPs:  []string{"203.0.113.7"},
			})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}

			req := httptest.NewRequest("GET", "/api/v1/me", nil)
			req.RemoteAddr = tt.remote
			req.Header.Set("X-API-Key", created.Secret)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			rr := httptest.NewRecorder()
			env.server.ServeHTTP(rr, req)

			assertStatus(t, rr, tt.want)
			if tt.want == http.StatusForbidden && !strings.Contains(rr.Body.String(), "forbidden_network") {
				t.Errorf("expected forbidden_network reason, got %s", rr.Body.String())
			}
		})
	}
}

func TestAPI_UsageStatsWithoutRecorder(t *testing.T) {
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := New(DefaultConfig(), store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	created, err := service.NewKeyManager(store, store, "").Create(context.Background(), service.CreateKeyOptions{
		Name:        "reader",
		KeyType:     model.KeyTypeUser,
		OwnerUserID: "alice",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/keys/"+created.Key.ID+"/usage", nil)
	req.Header.Set("Authorization", "Bearer "+created.Secret)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	assertStatus(t, rr, http.StatusOK)
	var stats model.UsageStats
	decodeJSON(t, rr, &stats)
	if stats.TotalRequests != 0 {
		t.Errorf("total requests = %d, want 0", stats.TotalRequests)
	}
}

func TestAPI_PerIPRateLimitIgnoresForgedHeaders(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RateLimitPerIP = 2 })
	secret := env.bootstrapAdmin(t)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/api/v1/me", nil)
		req.RemoteAddr = "198.51.100.1:5555"
		req.Header.Set("Authorization", "Bearer "+secret)
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		rr := httptest.NewRecorder()
		env.server.ServeHTTP(rr, req)

		want := http.StatusOK
		if i == 2 {
			want = http.StatusTooManyRequests
		}
		assertStatus(t, rr, want)
	}
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func TestFromYAML(t *testing.T) {
	y := config.DefaultYAMLConfig()
	y.Server.Port = 9090
	y.Server.ShutdownTimeout = "5s"
	y.Server.RateLimitPerIP = 120
	y.Auth.KeyEnv = "test"

	cfg, err := FromYAML(y)
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if cfg.Port != 9090 || cfg.ShutdownTimeout != 5*time.Second || cfg.RateLimitPerIP != 120 || cfg.KeyEnv != "test" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.TrustProxyHeaders {
		t.Error("TrustProxyHeaders should default to false")
	}
	y.Server.TrustProxyHeaders = true
	if cfg, _ = FromYAML(y); !cfg.TrustProxyHeaders {
		t.Error("TrustProxyHeaders not copied from server.trust_proxy_headers")
	}

	y.Server.ShutdownTimeout = "soon"
	if _, err := FromYAML(y); err == nil {
		t.Error("expected error for bad shutdown_timeout")
	}
}
