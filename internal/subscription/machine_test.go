package subscription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/martinsuchenak/routersync/internal/allocator"
	"github.com/martinsuchenak/routersync/internal/identity"
	"github.com/martinsuchenak/routersync/internal/locks"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/profile"
	"github.com/martinsuchenak/routersync/internal/routeros"
	"github.com/martinsuchenak/routersync/internal/secrets"
	"github.com/martinsuchenak/routersync/internal/storage"
)

var testPolicy = locks.RetryPolicy{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxElapsed:      5 * time.Second,
}

type fixture struct {
	store    *storage.Store
	dev      *routeros.MemoryDevice
	alloc    *allocator.Allocator
	profiles *profile.Synchronizer
	machine  *Machine
	routerID string
	pools    map[string]*model.IPPool // keyed by zone/type
}

func setup(t *testing.T) *fixture {
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
	pkg := &model.ServicePackage{ID: "pkg-home", Name: "Home 20M", DownloadKbps: 20000, UploadKbps: 5000}
	if err := store.SavePackage(ctx, pkg); err != nil {
		t.Fatal(err)
	}

	vault, err := secrets.NewVault(bytes.Repeat([]byte{7}, 32), 1)
	if err != nil {
		t.Fatal(err)
	}

	dev := routeros.NewMemoryDevice()
	gw := routeros.NewGateway(routeros.StaticDialer{router.ID: dev},
		routeros.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		routeros.WithCallTimeout(time.Second),
	)
	mapper := identity.New(store, nil)
	alloc := allocator.New(store, locks.NewKeyed(testPolicy), nil)
	profiles := profile.New(store, gw, mapper)

	f := &fixture{
		store:    store,
		dev:      dev,
		alloc:    alloc,
		profiles: profiles,
		routerID: router.ID,
		pools:    map[string]*model.IPPool{},
		machine: New(Config{
			Store:     store,
			Gateway:   gw,
			Allocator: alloc,
			Profiles:  profiles,
			Mapper:    mapper,
			Gate:      locks.NewRouterGate(testPolicy),
			Vault:     vault,
		}),
	}

	f.addPool(t, "zone-a", model.PoolTypeActive, "10.0.0.1-10.0.0.4")
	f.addPool(t, "zone-a", model.PoolTypeSuspended, "10.1.0.1-10.1.0.2")
	f.addPool(t, "zone-a", model.PoolTypeCutService, "10.2.0.1-10.2.0.2")
	f.addPool(t, "zone-b", model.PoolTypeActive, "10.3.0.1-10.3.0.4")
	return f
}

func (f *fixture) addPool(t *testing.T, zone string, poolType model.PoolType, rng string) {
	t.Helper()
	name := zone + "-" + string(poolType)
	id := f.dev.Seed(routeros.TablePools, routeros.Object{routeros.KeyName: name, routeros.KeyRanges: rng})
	pool := &model.IPPool{ZoneID: zone, RouterID: f.routerID, PoolID: id, PoolName: name, Range: rng, PoolType: poolType}
	if err := f.store.CreatePool(context.Background(), pool); err != nil {
		t.Fatal(err)
	}
	f.pools[zone+"/"+string(poolType)] = pool
}

func (f *fixture) provision(t *testing.T, client, zone string) *model.Subscription {
	t.Helper()
	sub, err := f.machine.Provision(context.Background(), NewSubscription{
		ClientID:         client,
		ServicePackageID: "pkg-home",
		RouterID:         f.routerID,
		ZoneID:           zone,
		Username:         "ppp-" + client,
		Password:         "pw-" + client,
	})
	if err != nil {
		t.Fatalf("Provision %s: %v", client, err)
	}
	return sub
}

func (f *fixture) account(t *testing.T, subID string) *model.PPPoEAccount {
	t.Helper()
	a, err := f.store.GetAccountBySubscription(context.Background(), subID)
	if err != nil {
		t.Fatalf("GetAccountBySubscription: %v", err)
	}
	return a
}

func (f *fixture) leaseStatus(t *testing.T, address string) model.LeaseStatus {
	t.Helper()
	l, err := f.store.GetLease(context.Background(), f.routerID, address)
	if errors.Is(err, storage.ErrLeaseNotFound) {
		return model.LeaseAvailable
	}
	if err != nil {
		t.Fatal(err)
	}
	return l.Status
}

// assertConsistent checks that assigned addresses are exactly those held by
// active accounts, and that no pending marker is left.
func (f *fixture) assertConsistent(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	leases, err := f.store.ListRouterLeases(ctx, f.routerID)
	if err != nil {
		t.Fatal(err)
	}
	var assigned []string
	for _, l := range leases {
		if l.Status == model.LeaseAssigned {
			assigned = append(assigned, l.Address)
		}
	}
	accounts, err := f.store.ListAccounts(ctx, f.routerID, false)
	if err != nil {
		t.Fatal(err)
	}
	var held []string
	for _, a := range accounts {
		if a.Address != "" {
			held = append(held, a.Address)
		}
	}
	sort.Strings(assigned)
	sort.Strings(held)
	if fmt.Sprint(assigned) != fmt.Sprint(held) {
		t.Errorf("assigned leases %v != account addresses %v", assigned, held)
	}

	pending, err := f.store.ListPending(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("unexpected pending markers: %+v", pending)
	}
}

func TestProvision(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sub := f.provision(t, "c1", "zone-a")
	if sub.Status != model.StatusActive || sub.CurrentIPPoolID != f.pools["zone-a/active"].ID {
		t.Errorf("unexpected subscription %+v", sub)
	}
	if !secrets.IsSealed(sub.Password) {
		t.Error("subscription password must be sealed")
	}

	account := f.account(t, sub.ID)
	if account.MikrotikUserID == "" || account.Address != "10.0.0.1" {
		t.Errorf("unexpected account %+v", account)
	}
	if f.leaseStatus(t, "10.0.0.1") != model.LeaseAssigned {
		t.Error("provisioned address should be assigned")
	}

	secret, err := f.dev.Get(ctx, routeros.TableSecrets, account.MikrotikUserID)
	if err != nil {
		t.Fatal(err)
	}
	if secret.Name() != "ppp-c1" || secret[routeros.KeyPassword] != "pw-c1" ||
		secret[routeros.KeyRemoteAddress] != "10.0.0.1" || secret[routeros.KeyProfile] != "Home-20M" {
		t.Errorf("unexpected secret %+v", secret)
	}
	f.assertConsistent(t)

	_, err = f.machine.Provision(ctx, NewSubscription{
		ClientID: "c1", ServicePackageID: "pkg-home", RouterID: f.routerID, ZoneID: "zone-a",
		Username: "ppp-c1-again", Password: "x",
	})
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Errorf("second live subscription for same service: expected ErrDuplicate, got %v", err)
	}
}

// A subscriber goes overdue: active -> cutService moves them to the cut
// service pool and frees their old address.
func TestTransition_OverdueMovesToCutService(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub := f.provision(t, "c1", "zone-a")
	updatesBefore := f.dev.Calls("update")

	out, err := f.machine.Transition(ctx, Event{
		SubscriptionID: sub.ID,
		OldStatus:      model.StatusActive,
		NewStatus:      model.StatusCutService,
		Reason:         "invoice overdue",
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if !out.Changed || out.Address != "10.2.0.1" || out.PoolID != f.pools["zone-a/cutService"].ID {
		t.Errorf("unexpected outcome %+v", out)
	}

	if f.leaseStatus(t, "10.0.0.1") != model.LeaseAvailable {
		t.Error("old address should be available")
	}
	if f.leaseStatus(t, "10.2.0.1") != model.LeaseAssigned {
		t.Error("new address should be assigned")
	}

	stored, _ := f.store.GetSubscription(ctx, sub.ID)
	if stored.Status != model.StatusCutService || stored.CurrentIPPoolID != f.pools["zone-a/cutService"].ID {
		t.Errorf("unexpected subscription %+v", stored)
	}
	account := f.account(t, sub.ID)
	secret, _ := f.dev.Get(ctx, routeros.TableSecrets, account.MikrotikUserID)
	if secret[routeros.KeyRemoteAddress] != "10.2.0.1" {
		t.Errorf("device remote-address = %s", secret[routeros.KeyRemoteAddress])
	}
	if n := f.dev.Calls("update") - updatesBefore; n != 1 {
		t.Errorf("expected one PATCH for the move, got %d", n)
	}
	f.assertConsistent(t)

	// Paying brings them back to the lowest free active address
	out, err = f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusActive})
	if err != nil {
		t.Fatal(err)
	}
	if out.Address != "10.0.0.1" {
		t.Errorf("reactivated address = %s", out.Address)
	}
	f.assertConsistent(t)
}

func TestTransition_SameStatusIsNoop(t *testing.T) {
	f := setup(t)
	sub := f.provision(t, "c1", "zone-a")
	updates := f.dev.Calls("update")

	out, err := f.machine.Transition(context.Background(), Event{SubscriptionID: sub.ID, NewStatus: model.StatusActive})
	if err != nil {
		t.Fatal(err)
	}
	if out.Changed || out.Address != "10.0.0.1" {
		t.Errorf("unexpected outcome %+v", out)
	}
	if f.dev.Calls("update") != updates {
		t.Error("no device call expected")
	}
}

func TestTransition_Refusals(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub := f.provision(t, "c1", "zone-a")

	_, err := f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, OldStatus: model.StatusSuspended, NewStatus: model.StatusActive})
	if !errors.Is(err, ErrStaleStatus) {
		t.Errorf("expected ErrStaleStatus, got %v", err)
	}
	_, err = f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: "paused"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	_, err = f.machine.Transition(ctx, Event{SubscriptionID: "missing", NewStatus: model.StatusActive})
	if !errors.Is(err, storage.ErrSubscriptionNotFound) {
		t.Errorf("expected ErrSubscriptionNotFound, got %v", err)
	}
	if _, err := f.machine.Provision(ctx, NewSubscription{ClientID: "c2", ServicePackageID: "pkg-home"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for an incomplete signup, got %v", err)
	}
}

func TestTransition_CancelTearsDown(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub := f.provision(t, "c1", "zone-a")
	account := f.account(t, sub.ID)

	if _, err := f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(f.dev.Snapshot(routeros.TableSecrets)) != 0 {
		t.Error("secret should be deleted from the router")
	}
	if f.leaseStatus(t, account.Address) != model.LeaseAvailable {
		t.Error("address should be released")
	}
	cancelled, err := f.store.GetAccount(ctx, account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != model.AccountCancelled {
		t.Errorf("account status = %s", cancelled.Status)
	}
	stored, _ := f.store.GetSubscription(ctx, sub.ID)
	if stored.Status != model.StatusCancelled || stored.CurrentIPPoolID != "" {
		t.Errorf("unexpected subscription %+v", stored)
	}
	f.assertConsistent(t)

	_, err = f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusActive})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancelled must be terminal, got %v", err)
	}

	// The client may sign up for the same service again
	f.provision(t, "c1", "zone-a")
}

func TestTransition_NoPoolForZone(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub := f.provision(t, "c2", "zone-b")

	_, err := f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusSuspended})
	if !errors.Is(err, ErrNoPoolForZone) || !errors.Is(err, ErrPendingRehome) {
		t.Fatalf("expected ErrNoPoolForZone with pending marker, got %v", err)
	}

	stored, _ := f.store.GetSubscription(ctx, sub.ID)
	if stored.Status != model.StatusSuspended {
		t.Errorf("status change must stay committed, got %s", stored.Status)
	}
	marker, err := f.store.GetPending(ctx, sub.ID)
	if err != nil {
		t.Fatalf("expected pending marker: %v", err)
	}
	if marker.Stage != model.StagePlanned || marker.LastError == "" {
		t.Errorf("unexpected marker %+v", marker)
	}

	findings, err := f.store.ListFindings(ctx, &model.FindingFilter{Kind: model.FindingNoPoolForZone, OpenOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 || findings[0].ObjectRef != "zone-b/suspended" {
		t.Errorf("unexpected findings %+v", findings)
	}

	// Adding the missing pool lets the marker complete
	f.addPool(t, "zone-b", model.PoolTypeSuspended, "10.4.0.1-10.4.0.2")
	if n, err := f.machine.ResumePending(ctx); err != nil || n != 1 {
		t.Fatalf("ResumePending = %d, %v", n, err)
	}
	if a := f.account(t, sub.ID); a.Address != "10.4.0.1" {
		t.Errorf("address after resume = %s", a.Address)
	}
	f.assertConsistent(t)
}

func TestTransition_ExhaustedPoolMutatesNoLease(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub := f.provision(t, "c1", "zone-a")

	cut := f.pools["zone-a/cutService"]
	for _, addr := range []string{"10.2.0.1", "10.2.0.2"} {
		if err := f.alloc.Block(ctx, cut.ID, addr); err != nil {
			t.Fatal(err)
		}
	}
	before, _ := f.store.ListRouterLeases(ctx, f.routerID)

	_, err := f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusCutService})
	if !errors.Is(err, allocator.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	after, _ := f.store.ListRouterLeases(ctx, f.routerID)
	if fmt.Sprint(leaseKeys(before)) != fmt.Sprint(leaseKeys(after)) {
		t.Errorf("leases changed: %v -> %v", leaseKeys(before), leaseKeys(after))
	}
	if a := f.account(t, sub.ID); a.Address != "10.0.0.1" {
		t.Errorf("subscriber must keep the old address, got %s", a.Address)
	}
	findings, _ := f.store.ListFindings(ctx, &model.FindingFilter{Kind: model.FindingPoolExhausted, OpenOnly: true})
	if len(findings) != 1 || findings[0].ObjectRef != cut.ID {
		t.Errorf("unexpected findings %+v", findings)
	}

	if err := f.alloc.Release(ctx, f.routerID, "10.2.0.2"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.machine.Resume(ctx, sub.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if a := f.account(t, sub.ID); a.Address != "10.2.0.2" {
		t.Errorf("address after resume = %s", a.Address)
	}
}

func leaseKeys(leases []model.Lease) []string {
	keys := make([]string, 0, len(leases))
	for _, l := range leases {
		keys = append(keys, l.Address+"="+string(l.Status)+"@"+l.UpdatedAt.String())
	}
	sort.Strings(keys)
	return keys
}

// Two overdue subscribers race for the last cut service address
func TestTransition_ConcurrentLastAddress(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	first := f.provision(t, "c1", "zone-a")
	second := f.provision(t, "c2", "zone-a")
	if err := f.alloc.Block(ctx, f.pools["zone-a/cutService"].ID, "10.2.0.1"); err != nil {
		t.Fatal(err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []string
		failures []error
	)
	for _, sub := range []*model.Subscription{first, second} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			out, err := f.machine.Transition(ctx, Event{SubscriptionID: id, NewStatus: model.StatusCutService})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			winners = append(winners, out.Address)
		}(sub.ID)
	}
	wg.Wait()

	if len(winners) != 1 || winners[0] != "10.2.0.2" {
		t.Fatalf("expected one winner with 10.2.0.2, got %v", winners)
	}
	if len(failures) != 1 || !errors.Is(failures[0], allocator.ErrPoolExhausted) {
		t.Fatalf("expected one ErrPoolExhausted, got %v", failures)
	}
}

func TestResume_AfterGatewayFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub := f.provision(t, "c1", "zone-a")

	f.dev.FailNext("update", routeros.ErrRejected, 1)
	_, err := f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusSuspended})
	if !errors.Is(err, ErrPendingRehome) || !errors.Is(err, routeros.ErrRejected) {
		t.Fatalf("expected pending rejection, got %v", err)
	}

	marker, err := f.store.GetPending(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if marker.Stage != model.StageAllocated || marker.Address != "10.1.0.1" || marker.Attempts != 1 {
		t.Errorf("unexpected marker %+v", marker)
	}
	if f.leaseStatus(t, "10.0.0.1") != model.LeaseAssigned || f.leaseStatus(t, "10.1.0.1") != model.LeaseReserved {
		t.Error("old address must stay assigned and the new one reserved")
	}

	pending, err := f.machine.Pending(ctx, f.routerID)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Pending = %v, %v", pending, err)
	}

	out, err := f.machine.Resume(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if out.Address != "10.1.0.1" {
		t.Errorf("resumed address = %s", out.Address)
	}
	f.assertConsistent(t)
}

// The router applied the move but the response was lost. Resuming sees the
// new address on the router and does not PATCH again.
func TestResume_LostResponseIsNotReissued(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub := f.provision(t, "c1", "zone-a")

	f.dev.ApplyThenFail("update", routeros.ErrRejected)
	if _, err := f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusSuspended}); err == nil {
		t.Fatal("expected failure")
	}
	updates := f.dev.Calls("update")

	if _, err := f.machine.Resume(ctx, sub.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if f.dev.Calls("update") != updates {
		t.Error("device step must not be reissued once applied")
	}
	f.assertConsistent(t)
}

func TestResume_AfterDatabaseFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub := f.provision(t, "c1", "zone-a")

	f.machine.beforeFinalize = func(*plan) error { return errors.New("disk I/O error") }
	_, err := f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusSuspended})
	if !errors.Is(err, ErrPendingRehome) {
		t.Fatalf("expected pending, got %v", err)
	}
	marker, err := f.store.GetPending(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if marker.Stage != model.StageApplied {
		t.Errorf("expected applied stage, got %s", marker.Stage)
	}
	updates := f.dev.Calls("update")
	gets := f.dev.Calls("get")

	f.machine.beforeFinalize = nil
	if _, err := f.machine.Resume(ctx, sub.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if f.dev.Calls("update") != updates || f.dev.Calls("get") != gets {
		t.Error("resume at the transaction boundary must not touch the router")
	}
	if a := f.account(t, sub.ID); a.Address != "10.1.0.1" {
		t.Errorf("address = %s", a.Address)
	}
	f.assertConsistent(t)
}

func TestProvision_DeviceFailureResumes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	pkg, err := f.store.GetPackage(ctx, "pkg-home")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.profiles.EnsureProfile(ctx, f.routerID, pkg); err != nil {
		t.Fatal(err)
	}

	f.dev.FailNext("", routeros.ErrRejected, 1)
	sub, err := f.machine.Provision(ctx, NewSubscription{
		ClientID: "c1", ServicePackageID: "pkg-home", RouterID: f.routerID, ZoneID: "zone-a",
		Username: "ppp-c1", Password: "pw",
	})
	if !errors.Is(err, ErrPendingRehome) {
		t.Fatalf("expected pending provision, got %v", err)
	}
	if sub == nil || sub.ID == "" {
		t.Fatal("subscription should be stored")
	}

	n, err := f.machine.ResumePending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ResumePending = %d, %v", n, err)
	}
	if len(f.dev.Snapshot(routeros.TableSecrets)) != 1 {
		t.Error("expected exactly one secret")
	}
	if a := f.account(t, sub.ID); a.MikrotikUserID == "" {
		t.Error("account should be mapped")
	}
	f.assertConsistent(t)
}

func TestPlanEncodingIsDeterministic(t *testing.T) {
	p := &plan{Operation: model.OperationRehome, RouterID: "r", AccountID: "a", ToPoolID: "p", ToAddress: "10.0.0.1", Status: model.StatusActive}
	a, err := p.marker("s", model.StageAllocated)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := p.marker("s", model.StageAllocated)
	if !bytes.Equal(a.Plan, b.Plan) {
		t.Error("plan encoding should be deterministic")
	}
	decoded, err := decodePlan(a)
	if err != nil {
		t.Fatal(err)
	}
	if *decoded != *p {
		t.Errorf("decoded %+v, want %+v", decoded, p)
	}
}

// The secret was deleted on the router by hand. The move cannot be applied,
// so its reservation is released, and cancelling still tears down.
func TestTransition_AccountRemovedFromRouter(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub := f.provision(t, "c1", "zone-a")
	account := f.account(t, sub.ID)
	f.dev.Remove(routeros.TableSecrets, account.MikrotikUserID)

	_, err := f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusCutService})
	if !errors.Is(err, ErrPendingRehome) || !errors.Is(err, routeros.ErrNoSuchObject) {
		t.Fatalf("expected pending with ErrNoSuchObject, got %v", err)
	}
	if f.leaseStatus(t, "10.2.0.1") != model.LeaseAvailable {
		t.Error("reserved target address should be released")
	}
	marker, err := f.store.GetPending(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if marker.Stage != model.StagePlanned || marker.LastError == "" {
		t.Errorf("expected a planned marker carrying the error, got %+v", marker)
	}
	findings, err := f.store.ListFindings(ctx, &model.FindingFilter{RouterID: f.routerID, Kind: model.FindingOrphanedLocal, OpenOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 || findings[0].ObjectRef != account.ID {
		t.Errorf("expected one orphaned account finding, got %+v", findings)
	}

	if _, err := f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, addr := range []string{"10.0.0.1", "10.2.0.1"} {
		if f.leaseStatus(t, addr) != model.LeaseAvailable {
			t.Errorf("%s should be available", addr)
		}
	}
	cancelled, err := f.store.GetAccount(ctx, account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != model.AccountCancelled {
		t.Errorf("account status = %s", cancelled.Status)
	}
	f.assertConsistent(t)
}

// A move refused by the router is dropped once billing moves the
// subscription on, and the new status is applied in the same call.
func TestTransition_SupersedesRefusedMove(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub := f.provision(t, "c1", "zone-a")

	f.dev.FailNext("update", routeros.ErrRejected, 1)
	if _, err := f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusSuspended}); !errors.Is(err, ErrPendingRehome) {
		t.Fatalf("expected pending, got %v", err)
	}
	if f.leaseStatus(t, "10.1.0.1") != model.LeaseReserved {
		t.Fatal("suspended address should be reserved")
	}

	f.dev.FailNext("update", routeros.ErrRejected, 1)
	out, err := f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusCutService})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if out.Address != "10.2.0.1" {
		t.Errorf("address = %s", out.Address)
	}
	if f.leaseStatus(t, "10.1.0.1") != model.LeaseAvailable {
		t.Error("superseded reservation should be released")
	}
	f.assertConsistent(t)
}

// A retryable failure keeps the plan even when the status moves on
func TestTransition_UnreachableKeepsPlan(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub := f.provision(t, "c1", "zone-a")

	f.dev.FailNext("update", routeros.ErrRejected, 1)
	if _, err := f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusSuspended}); err == nil {
		t.Fatal("expected failure")
	}
	f.dev.FailNext("", routeros.ErrUnreachable, 100)
	if _, err := f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusCutService}); !errors.Is(err, ErrPendingRehome) {
		t.Fatalf("expected pending, got %v", err)
	}
	marker, err := f.store.GetPending(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if marker.Stage != model.StageAllocated || marker.Address != "10.1.0.1" {
		t.Errorf("plan should be kept, got %+v", marker)
	}
}

func TestProvision_CancelDropsRefusedProvision(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	pkg, err := f.store.GetPackage(ctx, "pkg-home")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.profiles.EnsureProfile(ctx, f.routerID, pkg); err != nil {
		t.Fatal(err)
	}
	f.dev.FailNext("", routeros.ErrRejected, 1)
	sub, err := f.machine.Provision(ctx, NewSubscription{
		ClientID: "c1", ServicePackageID: "pkg-home", RouterID: f.routerID, ZoneID: "zone-a",
		Username: "ppp-c1", Password: "pw",
	})
	if !errors.Is(err, ErrPendingRehome) {
		t.Fatalf("expected pending provision, got %v", err)
	}

	f.dev.FailNext("", routeros.ErrRejected, 1)
	if _, err := f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if f.leaseStatus(t, "10.0.0.1") != model.LeaseAvailable {
		t.Error("provision address should be released")
	}
	if len(f.dev.Snapshot(routeros.TableSecrets)) != 0 {
		t.Error("no secret should exist")
	}
	f.assertConsistent(t)
}

func TestDiscard(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub := f.provision(t, "c1", "zone-a")

	if _, err := f.machine.Discard(ctx, sub.ID); !errors.Is(err, storage.ErrPendingNotFound) {
		t.Errorf("expected ErrPendingNotFound, got %v", err)
	}

	f.dev.FailNext("update", routeros.ErrRejected, 1)
	if _, err := f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusSuspended}); err == nil {
		t.Fatal("expected failure")
	}
	marker, err := f.machine.Discard(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if marker.Address != "10.1.0.1" {
		t.Errorf("discarded marker = %+v", marker)
	}
	if f.leaseStatus(t, "10.1.0.1") != model.LeaseAvailable {
		t.Error("reservation should be released")
	}
	if f.leaseStatus(t, "10.0.0.1") != model.LeaseAssigned {
		t.Error("current address must stay assigned")
	}
	f.assertConsistent(t)

	// A change already on the router is resumed, not discarded
	f.machine.beforeFinalize = func(*plan) error { return errors.New("disk I/O error") }
	if _, err := f.machine.Transition(ctx, Event{SubscriptionID: sub.ID, NewStatus: model.StatusCutService}); err == nil {
		t.Fatal("expected failure")
	}
	if _, err := f.machine.Discard(ctx, sub.ID); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}
