package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/martinsuchenak/routersync/internal/allocator"
	"github.com/martinsuchenak/routersync/internal/identity"
	"github.com/martinsuchenak/routersync/internal/locks"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/profile"
	"github.com/martinsuchenak/routersync/internal/reconcile"
	"github.com/martinsuchenak/routersync/internal/routeros"
	"github.com/martinsuchenak/routersync/internal/secrets"
	"github.com/martinsuchenak/routersync/internal/storage"
	"github.com/martinsuchenak/routersync/internal/subscription"
)

type testEnv struct {
	store    *storage.Store
	dev      *routeros.MemoryDevice
	vault    *secrets.Vault
	handler  *Handler
	mux      *http.ServeMux
	routerID string
}

// setupTestHandler wires a handler over a temporary store and an in-memory router
func setupTestHandler(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewSQLiteStorage(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create test storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	router := &model.Router{Name: "core-1", Host: "192.0.2.1", Username: "api"}
	if err := store.CreateRouter(ctx, router); err != nil {
		t.Fatal(err)
	}

	vault, err := secrets.NewVault(bytes.Repeat([]byte{9}, 32), 1)
	if err != nil {
		t.Fatal(err)
	}
	policy := locks.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxElapsed: time.Second}

	dev := routeros.NewMemoryDevice()
	gw := routeros.NewGateway(routeros.StaticDialer{router.ID: dev},
		routeros.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		routeros.WithMaxRetries(0),
		routeros.WithCallTimeout(time.Second),
	)
	mapper := identity.New(store, nil)
	gate := locks.NewRouterGate(policy)
	alloc := allocator.New(store, locks.NewKeyed(policy), nil)
	profiles := profile.New(store, gw, mapper)
	machine := subscription.New(subscription.Config{
		Store:     store,
		Gateway:   gw,
		Allocator: alloc,
		Profiles:  profiles,
		Mapper:    mapper,
		Gate:      gate,
		Vault:     vault,
	})

	h := NewHandler(Deps{
		Store:      store,
		Machine:    machine,
		Allocator:  alloc,
		Profiles:   profiles,
		Gateway:    gw,
		Mapper:     mapper,
		Reconciler: reconcile.New(store, gw, mapper, gate, nil, nil),
		Vault:      vault,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	return &testEnv{store: store, dev: dev, vault: vault, handler: h, mux: mux, routerID: router.ID}
}

// do sends a request through the mux; body is JSON-encoded unless it is a string
func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func (e *testEnv) expect(t *testing.T, w *httptest.ResponseRecorder, status int, out any) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("Expected status %d, got %d: %s", status, w.Code, w.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("Failed to decode response: %v (%s)", err, w.Body.String())
		}
	}
}

// seedZone registers the package and the active and cutService pools of zone-a
func (e *testEnv) seedZone(t *testing.T) map[model.PoolType]model.IPPool {
	t.Helper()
	e.expect(t, e.do(t, http.MethodPut, "/api/packages/pkg-home", model.ServicePackage{
		Name: "Home 20M", DownloadKbps: 20000, UploadKbps: 5000,
	}), http.StatusOK, nil)

	pools := map[model.PoolType]model.IPPool{}
	for poolType, rng := range map[model.PoolType]string{
		model.PoolTypeActive:     "10.0.0.1-10.0.0.4",
		model.PoolTypeCutService: "10.2.0.1-10.2.0.2",
	} {
		var pool model.IPPool
		e.expect(t, e.do(t, http.MethodPost, "/api/pools", poolRequest{
			RouterID: e.routerID,
			ZoneID:   "zone-a",
			PoolName: "zone-a-" + string(poolType),
			Range:    rng,
			PoolType: poolType,
		}), http.StatusCreated, &pool)
		pools[poolType] = pool
	}
	return pools
}

func (e *testEnv) provision(t *testing.T, client string) subscriptionView {
	t.Helper()
	var view subscriptionView
	e.expect(t, e.do(t, http.MethodPost, "/api/subscriptions", subscription.NewSubscription{
		ClientID:         client,
		ServicePackageID: "pkg-home",
		RouterID:         e.routerID,
		ZoneID:           "zone-a",
		Username:         "ppp-" + client,
		Password:         "pw-" + client,
	}), http.StatusCreated, &view)
	return view
}
