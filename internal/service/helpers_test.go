package service

import (
	"context"
	"testing"

	"github.com/inkpress/inkpress/internal/config"
	"github.com/inkpress/inkpress/internal/model"
)

type testEnv struct {
	store    *config.Store
	keys     *KeyManager
	auth     *AuthService
	resolver *AccessResolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return &testEnv{
		store:    store,
		keys:     NewKeyManager(store, store, ""),
		auth:     NewAuthService(store),
		resolver: NewAccessResolver(store, store),
	}
}

func (e *testEnv) createSite(t *testing.T, owner string) *model.Site {
	t.Helper()
	site := &model.Site{Name: "blog", OwnerUserID: owner}
	if err := e.store.CreateSite(context.Background(), site); err != nil {
		t.Fatalf("CreateSite: %v", err)
	}
	return site
}

func (e *testEnv) createKey(t *testing.T, opts CreateKeyOptions) *CreatedKey {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "test key"
	}
	created, err := e.keys.Create(context.Background(), opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created
}

func (e *testEnv) identity(t *testing.T, secret string) *model.Identity {
	t.Helper()
	id, err := e.auth.ValidateAPIKey(context.Background(), secret)
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	return id
}

// stubKeyStore serves hash lookups from a map and fails everything else.
type stubKeyStore struct {
	KeyStore
	byHash map[string]*model.APIKey
	err    error
}

func (s *stubKeyStore) GetAPIKeyByHash(_ context.Context, hash string) (*model.APIKey, error) {
	if s.err != nil {
		return nil, s.err
	}
	k, ok := s.byHash[hash]
	if !ok {
		return nil, config.ErrNotFound
	}
	return k, nil
}
