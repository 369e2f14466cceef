package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/inkpress/inkpress/internal/config"
	"github.com/inkpress/inkpress/internal/model"
	"github.com/inkpress/inkpress/internal/server/middleware"
	"github.com/inkpress/inkpress/internal/service"
)

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store    *config.Store
	keys     *service.KeyManager
	resolver *service.AccessResolver
	usage    *service.UsageRecorder
	router   chi.Router
}

// newTestEnv creates a fresh test environment with an in-memory config store
// and the API routes mounted behind the real authentication middleware.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys := service.NewKeyManager(store, store, "")
	resolver := service.NewAccessResolver(store, store)
	usage := service.NewUsageRecorder(store, logger, service.UsageRecorderConfig{})
	usage.Start()
	t.Cleanup(func() { usage.Shutdown(context.Background()) })

	authn := middleware.NewAuthenticator(service.NewAuthService(store), usage, logger)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authn.Middleware)
		NewKeyHandler(store, keys, resolver, usage).Routes(r)
		NewSiteHandler(store, resolver).Routes(r)
	})

	return &testEnv{store: store, keys: keys, resolver: resolver, usage: usage, router: r}
}

// seedKey creates a key directly through the key manager and returns it with
// its plaintext secret.
func (e *testEnv) seedKey(t *testing.T, opts service.CreateKeyOptions) *service.CreatedKey {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "seed"
	}
	created, err := e.keys.Create(context.Background(), opts)
	if err != nil {
		t.Fatalf("seedKey: %v", err)
	}
	return created
}

// seedSite creates a site owned by owner.
func (e *testEnv) seedSite(t *testing.T, owner string) *model.Site {
	t.Helper()
	site := &model.Site{Name: "site of " + owner, OwnerUserID: owner}
	if err := e.store.CreateSite(context.Background(), site); err != nil {
		t.Fatalf("seedSite: %v", err)
	}
	return site
}

// do executes an authenticated HTTP request against the test router.
func (e *testEnv) do(t *testing.T, secret, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

func assertReason(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if got, _ := resp.Error.Context["reason"].(string); got != want {
		t.Errorf("reason = %q, want %q", got, want)
	}
}
