package routeros

import (
	"context"
	"errors"
	"testing"

	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/secrets"
	"github.com/martinsuchenak/routersync/internal/storage"
)

func TestStoreDialer_CachesUntilRouterChanges(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	vault, err := secrets.NewVault([]byte("test-master-key-0123456789abcdef"), 1)
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := vault.Seal(secrets.ScopeRouter, "router-pass")
	if err != nil {
		t.Fatal(err)
	}
	router := &model.Router{Name: "edge-1", Host: "192.0.2.10", Port: 8443, UseTLS: true, Username: "api", Password: sealed}
	if err := store.CreateRouter(ctx, router); err != nil {
		t.Fatal(err)
	}

	d := NewStoreDialer(store, vault, 0, true)
	first, err := d.Dial(ctx, router.ID)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	rest := first.(*RESTDevice)
	if rest.baseURL != "https://192.0.2.10:8443/rest" || rest.password != "router-pass" {
		t.Errorf("unexpected device %s / %q", rest.baseURL, rest.password)
	}

	again, _ := d.Dial(ctx, router.ID)
	if again != first {
		t.Error("expected cached device")
	}

	router.Host = "192.0.2.11"
	if err := store.UpdateRouter(ctx, router); err != nil {
		t.Fatal(err)
	}
	changed, _ := d.Dial(ctx, router.ID)
	if changed == first {
		t.Error("expected a new device after the router changed")
	}

	if _, err := d.Dial(ctx, "missing"); !errors.Is(err, ErrUnknownRouter) {
		t.Errorf("expected ErrUnknownRouter, got %v", err)
	}
}
