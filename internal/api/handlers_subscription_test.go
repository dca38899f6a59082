package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/routeros"
	"github.com/martinsuchenak/routersync/internal/secrets"
	"github.com/martinsuchenak/routersync/internal/subscription"
)

func TestHandler_ProvisionThenOverdue(t *testing.T) {
	env := setupTestHandler(t)
	pools := env.seedZone(t)

	view := env.provision(t, "c1")
	if view.Address != "10.0.0.1" || view.Status != model.StatusActive {
		t.Fatalf("expected active at 10.0.0.1, got %+v", view)
	}
	if view.CurrentIPPoolID != pools[model.PoolTypeActive].ID {
		t.Errorf("expected active pool, got %s", view.CurrentIPPoolID)
	}

	var out subscription.Outcome
	env.expect(t, env.do(t, http.MethodPost, "/api/events/status", subscription.Event{
		SubscriptionID: view.ID,
		OldStatus:      model.StatusActive,
		NewStatus:      model.StatusCutService,
		Reason:         "invoice overdue",
	}), http.StatusOK, &out)
	if out.Address != "10.2.0.1" || out.PoolID != pools[model.PoolTypeCutService].ID || !out.Changed {
		t.Errorf("unexpected outcome %+v", out)
	}

	objs := env.dev.Snapshot(routeros.TableSecrets)
	if len(objs) != 1 || objs[0][routeros.KeyRemoteAddress] != "10.2.0.1" {
		t.Errorf("expected router secret moved to 10.2.0.1, got %v", objs)
	}

	var got subscriptionView
	env.expect(t, env.do(t, http.MethodGet, "/api/subscriptions/"+view.ID, nil), http.StatusOK, &got)
	if got.Address != "10.2.0.1" || got.Pending != nil {
		t.Errorf("unexpected subscription view %+v", got)
	}

	var listed []model.Subscription
	env.expect(t, env.do(t, http.MethodGet, "/api/subscriptions?status=cutService", nil), http.StatusOK, &listed)
	if len(listed) != 1 {
		t.Errorf("expected 1 cutService subscription, got %d", len(listed))
	}
}

func TestHandler_StatusEventErrors(t *testing.T) {
	env := setupTestHandler(t)
	env.seedZone(t)
	view := env.provision(t, "c1")

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"malformed body", `{"subscription_id":`, http.StatusBadRequest},
		{"unknown field", `{"subscription_id":"x","new_status":"active","colour":"red"}`, http.StatusBadRequest},
		{"missing subscription", subscription.Event{NewStatus: model.StatusActive}, http.StatusBadRequest},
		{"unknown status", subscription.Event{SubscriptionID: view.ID, NewStatus: "paused"}, http.StatusBadRequest},
		{"unknown subscription", subscription.Event{SubscriptionID: "nope", NewStatus: model.StatusSuspended}, http.StatusNotFound},
		{"stale old status", subscription.Event{SubscriptionID: view.ID, OldStatus: model.StatusSuspended, NewStatus: model.StatusActive}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/events/status", tt.body)
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandler_DeviceFailureLeavesPending(t *testing.T) {
	env := setupTestHandler(t)
	env.seedZone(t)
	view := env.provision(t, "c1")

	env.dev.FailNext("update", fmt.Errorf("%w: interface busy", routeros.ErrRejected), 1)

	var pending pendingResponse
	env.expect(t, env.do(t, http.MethodPost, "/api/events/status", subscription.Event{
		SubscriptionID: view.ID,
		NewStatus:      model.StatusCutService,
	}), http.StatusAccepted, &pending)
	if !pending.Pending || pending.Error == "" {
		t.Errorf("expected pending response, got %+v", pending)
	}

	var markers []model.PendingRehome
	env.expect(t, env.do(t, http.MethodGet, "/api/rehoming/pending?router_id="+env.routerID, nil), http.StatusOK, &markers)
	if len(markers) != 1 || markers[0].SubscriptionID != view.ID || markers[0].Stage != model.StageAllocated {
		t.Fatalf("expected one allocated marker, got %+v", markers)
	}

	var resumed map[string]any
	env.expect(t, env.do(t, http.MethodPost, "/api/rehoming/resume", nil), http.StatusOK, &resumed)
	if resumed["completed"] != float64(1) || resumed["remaining"] != float64(0) {
		t.Errorf("unexpected resume result %v", resumed)
	}

	var got subscriptionView
	env.expect(t, env.do(t, http.MethodGet, "/api/subscriptions/"+view.ID, nil), http.StatusOK, &got)
	if got.Address != "10.2.0.1" || got.Status != model.StatusCutService {
		t.Errorf("expected subscription moved after resume, got %+v", got)
	}
}

func TestHandler_DiscardPending(t *testing.T) {
	env := setupTestHandler(t)
	env.seedZone(t)
	view := env.provision(t, "c1")

	env.expect(t, env.do(t, http.MethodDelete, "/api/rehoming/pending/"+view.ID, nil), http.StatusNotFound, nil)

	env.dev.FailNext("update", fmt.Errorf("%w: interface busy", routeros.ErrRejected), 1)
	env.expect(t, env.do(t, http.MethodPost, "/api/events/status", subscription.Event{
		SubscriptionID: view.ID,
		NewStatus:      model.StatusCutService,
	}), http.StatusAccepted, nil)

	var discarded model.PendingRehome
	env.expect(t, env.do(t, http.MethodDelete, "/api/rehoming/pending/"+view.ID, nil), http.StatusOK, &discarded)
	if discarded.Address != "10.2.0.1" {
		t.Errorf("unexpected discarded marker %+v", discarded)
	}

	var markers []model.PendingRehome
	env.expect(t, env.do(t, http.MethodGet, "/api/rehoming/pending", nil), http.StatusOK, &markers)
	if len(markers) != 0 {
		t.Errorf("expected no pending markers, got %+v", markers)
	}
	lease, err := env.store.GetLease(context.Background(), env.routerID, "10.2.0.1")
	if err == nil && lease.Status != model.LeaseAvailable {
		t.Errorf("reserved address should be released, got %s", lease.Status)
	}
}

func TestHandler_ProvisionRefusals(t *testing.T) {
	env := setupTestHandler(t)
	env.seedZone(t)

	incomplete := subscription.NewSubscription{ClientID: "c1", ServicePackageID: "pkg-home"}
	env.expect(t, env.do(t, http.MethodPost, "/api/subscriptions", incomplete), http.StatusBadRequest, nil)

	noPool := subscription.NewSubscription{
		ClientID: "c2", ServicePackageID: "pkg-home", RouterID: env.routerID,
		ZoneID: "zone-z", Username: "ppp-c2", Password: "pw",
	}
	env.expect(t, env.do(t, http.MethodPost, "/api/subscriptions", noPool), http.StatusConflict, nil)

	var findings []model.Finding
	env.expect(t, env.do(t, http.MethodGet, "/api/findings?kind=no_pool_for_zone", nil), http.StatusOK, &findings)
	if len(findings) != 1 || findings[0].ObjectRef != "zone-z/active" {
		t.Errorf("expected no-pool finding for zone-z, got %+v", findings)
	}

	unknownPkg := noPool
	unknownPkg.ZoneID = "zone-a"
	unknownPkg.ServicePackageID = "pkg-missing"
	env.expect(t, env.do(t, http.MethodPost, "/api/subscriptions", unknownPkg), http.StatusNotFound, nil)
}

func TestHandler_PackageSyncAndProfileDelete(t *testing.T) {
	env := setupTestHandler(t)
	env.seedZone(t)

	env.expect(t, env.do(t, http.MethodPut, "/api/packages/pkg-bad", model.ServicePackage{Name: "Bad"}), http.StatusBadRequest, nil)
	env.expect(t, env.do(t, http.MethodPost, "/api/packages/pkg-home/sync", nil), http.StatusBadRequest, nil)

	var prof model.Profile
	env.expect(t, env.do(t, http.MethodPost, "/api/packages/pkg-home/sync?router_id="+env.routerID, nil), http.StatusOK, &prof)
	if prof.ProfileID == "" || prof.RateLimit != "5M/20M" {
		t.Fatalf("expected mapped profile with 5M/20M, got %+v", prof)
	}

	env.provision(t, "c1")
	env.expect(t, env.do(t, http.MethodDelete, "/api/profiles/"+prof.ID, nil), http.StatusConflict, nil)
}

func TestHandler_CreateRouterSealsPassword(t *testing.T) {
	env := setupTestHandler(t)

	w := env.do(t, http.MethodPost, "/api/routers", routerRequest{
		Name: "edge-2", Host: "192.0.2.2", Username: "api", Password: "hunter2",
	})
	var router model.Router
	env.expect(t, w, http.StatusCreated, &router)
	if strings.Contains(w.Body.String(), "hunter2") {
		t.Error("response leaked the router password")
	}

	stored, err := env.store.GetRouter(t.Context(), router.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !secrets.IsSealed(stored.Password) {
		t.Errorf("expected sealed password, got %q", stored.Password)
	}
	if plain, err := env.vault.Open(secrets.ScopeRouter, stored.Password); err != nil || plain != "hunter2" {
		t.Errorf("Open() = %q, %v", plain, err)
	}

	env.expect(t, env.do(t, http.MethodPost, "/api/routers", routerRequest{Name: "x"}), http.StatusBadRequest, nil)
	env.expect(t, env.do(t, http.MethodGet, "/api/routers/missing", nil), http.StatusNotFound, nil)
}
