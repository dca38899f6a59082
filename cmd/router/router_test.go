package router

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/martinsuchenak/routersync/internal/app"
	"github.com/martinsuchenak/routersync/internal/config"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/secrets"
	"github.com/martinsuchenak/routersync/internal/snmp"
)

func setupApp(t *testing.T) *app.App {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.MasterKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{2}, 32))
	a, err := app.New(cfg, nil)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

type fakeProber struct{ reachable bool }

func (p fakeProber) Probe(_ context.Context, router *model.Router) *snmp.Result {
	return &snmp.Result{RouterID: router.ID, Reachable: p.reachable, Method: snmp.MethodTCP}
}

func TestAddAndListRouters(t *testing.T) {
	a := setupApp(t)
	ctx := context.Background()

	var out bytes.Buffer
	if err := listRouters(ctx, a, &out); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != "No routers found" {
		t.Errorf("Unexpected output: %q", out.String())
	}

	router := &model.Router{Name: "core-1", Host: "192.0.2.1", Username: "api", UseTLS: true}
	if err := addRouter(ctx, a, router, "hunter2"); err != nil {
		t.Fatalf("addRouter: %v", err)
	}

	stored, err := a.Store.GetRouter(ctx, router.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !secrets.IsSealed(stored.Password) {
		t.Error("Expected the password to be sealed")
	}
	plain, err := a.Vault.Open(secrets.ScopeRouter, stored.Password)
	if err != nil || plain != "hunter2" {
		t.Errorf("Expected hunter2, got %q (%v)", plain, err)
	}

	out.Reset()
	if err := listRouters(ctx, a, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "core-1") || !strings.Contains(out.String(), "never") {
		t.Errorf("Unexpected listing: %q", out.String())
	}

	if err := addRouter(ctx, a, &model.Router{Name: "bad", Host: "h", Username: "u", Port: 70000}, "pw"); err == nil {
		t.Error("Expected port validation error")
	}
}

func TestProbeRouter_RecordsStatus(t *testing.T) {
	a := setupApp(t)
	ctx := context.Background()

	router := &model.Router{Name: "core-1", Host: "192.0.2.1", Username: "api"}
	if err := addRouter(ctx, a, router, "pw"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		reachable bool
		want      model.RouterStatus
	}{
		{"online", true, model.RouterStatusOnline},
		{"offline", false, model.RouterStatusOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := probeRouter(ctx, a, fakeProber{reachable: tt.reachable}, router.ID)
			if err != nil {
				t.Fatal(err)
			}
			var out bytes.Buffer
			printProbe(&out, result)
			if !strings.Contains(out.String(), router.ID) {
				t.Errorf("Expected router ID in output: %q", out.String())
			}

			stored, err := a.Store.GetRouter(ctx, router.ID)
			if err != nil {
				t.Fatal(err)
			}
			if stored.Status != tt.want {
				t.Errorf("Expected status %s, got %s", tt.want, stored.Status)
			}
			if stored.LastSeen == nil {
				t.Error("Expected last seen from the earlier online probe")
			}
		})
	}

	if _, err := probeRouter(ctx, a, fakeProber{}, "missing"); err == nil {
		t.Error("Expected an error for an unknown router")
	}
}

func TestExportKeepsCredentialsSealed(t *testing.T) {
	a := setupApp(t)
	ctx := context.Background()
	if err := addRouter(ctx, a, &model.Router{Name: "core-1", Host: "192.0.2.1", Username: "api"}, "hunter2"); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := a.Store.Export(ctx, &out); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.String(), "hunter2") {
		t.Error("Export leaked a plaintext password")
	}
	var snap map[string]any
	if err := json.Unmarshal(out.Bytes(), &snap); err != nil {
		t.Fatalf("Export is not JSON: %v", err)
	}
}

func TestReadPassword_File(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"trailing newline", "s3cret\n", "s3cret", false},
		{"crlf", "s3cret\r\n", "s3cret", false},
		{"no newline", "s3cret", "s3cret", false},
		{"first line only", "one\ntwo\n", "one", false},
		{"empty", "", "", true},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, string(rune('a'+i)))
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			got, err := readPassword(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}

	if _, err := readPassword(filepath.Join(dir, "missing")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}
