package reconcile

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/martinsuchenak/routersync/internal/app"
	"github.com/martinsuchenak/routersync/internal/config"
	"github.com/martinsuchenak/routersync/internal/identity"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/reconcile"
	"github.com/martinsuchenak/routersync/internal/routeros"
	"github.com/martinsuchenak/routersync/internal/storage"
)

func setupApp(t *testing.T) *app.App {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.MasterKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{4}, 32))
	a, err := app.New(cfg, nil)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRun_NoRouters(t *testing.T) {
	a := setupApp(t)

	var out bytes.Buffer
	if err := run(context.Background(), a, &out, ""); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != "No routers found" {
		t.Errorf("Unexpected output: %q", out.String())
	}
}

func TestRun_UnknownRouter(t *testing.T) {
	a := setupApp(t)

	var out bytes.Buffer
	err := run(context.Background(), a, &out, "missing")
	if !errors.Is(err, storage.ErrRouterNotFound) {
		t.Errorf("Expected ErrRouterNotFound, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("Expected no report, got %q", out.String())
	}
}

func TestPrintReport(t *testing.T) {
	report := &reconcile.Report{
		RouterID: "r1",
		Duration: 1500 * time.Millisecond,
		Live:     map[model.ObjectKind]int{model.ObjectPool: 2, model.ObjectProfile: 1, model.ObjectAccount: 5},
		Renamed: []identity.Drift{
			{Kind: model.ObjectProfile, LocalID: "prof-1", OldName: "home", NewName: "home-20m"},
		},
		Raised: []model.Finding{
			{Kind: model.FindingUnknownRemote, ObjectKind: model.ObjectAccount, ObjectRef: "*9"},
		},
		Resolved:  1,
		Mutations: 1,
	}

	var out bytes.Buffer
	printReport(&out, report, nil)
	for _, want := range []string{
		"Router r1 (1.5s)",
		"live: 2 pools, 1 profiles, 5 accounts",
		"renamed profile prof-1: home -> home-20m",
		"finding unknown_remote_object: account *9",
		"raised 1, resolved 1, local changes 1",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected %q in:\n%s", want, out.String())
		}
	}

	out.Reset()
	printReport(&out, &reconcile.Report{RouterID: "r2"}, fmt.Errorf("dial: %w", routeros.ErrUnreachable))
	if !strings.Contains(out.String(), "unreachable:") || strings.Contains(out.String(), "live:") {
		t.Errorf("Unexpected output for an unreachable router: %q", out.String())
	}
}
