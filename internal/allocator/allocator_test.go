package allocator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/martinsuchenak/routersync/internal/locks"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/storage"
	"pgregory.net/rapid"
)

var testPolicy = locks.RetryPolicy{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxElapsed:      5 * time.Second,
}

func setupAllocator(t *testing.T) (*Allocator, *storage.Store) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create test storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, locks.NewKeyed(testPolicy), nil), store
}

func createPool(t testing.TB, store *storage.Store, routerName, rng string) *model.IPPool {
	t.Helper()
	ctx := context.Background()
	router := &model.Router{Name: routerName, Host: "192.0.2.1", Username: "api"}
	if err := store.CreateRouter(ctx, router); err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}
	pool := &model.IPPool{
		ZoneID:   "zone-a",
		RouterID: router.ID,
		PoolID:   "*1",
		PoolName: "active-" + routerName,
		Range:    rng,
		PoolType: model.PoolTypeActive,
	}
	if err := store.CreatePool(ctx, pool); err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	return pool
}

func TestRange_Equal(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"10.0.0.1-10.0.0.10", "10.0.0.1-10.0.0.10", true},
		{"10.0.0.1-10.0.0.4", "10.0.0.3-10.0.0.4,10.0.0.1-10.0.0.2", true},
		{"10.0.0.0/29", "10.0.0.1-10.0.0.6", true},
		{"10.0.0.1-10.0.0.10", "10.0.0.1-10.0.0.9", false},
		{"10.0.0.1,10.0.0.3", "10.0.0.1-10.0.0.3", false},
	}
	for _, tt := range tests {
		t.Run(tt.a+" vs "+tt.b, func(t *testing.T) {
			a, err := ParseRange(tt.a)
			if err != nil {
				t.Fatal(err)
			}
			b, err := ParseRange(tt.b)
			if err != nil {
				t.Fatal(err)
			}
			if got := a.Equal(b); got != tt.want {
				t.Errorf("Equal = %v, want %v", got, tt.want)
			}
			if got := b.Equal(a); got != tt.want {
				t.Errorf("Equal is not symmetric")
			}
		})
	}
}

func claimFor(n int) Claim {
	return Claim{ClientID: fmt.Sprintf("client-%d", n), SubscriptionID: fmt.Sprintf("sub-%d", n)}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		spec    string
		size    uint64
		first   string
		wantErr bool
	}{
		{spec: "10.0.0.1-10.0.0.10", size: 10, first: "10.0.0.1"},
		{spec: "10.0.0.5", size: 1, first: "10.0.0.5"},
		{spec: "10.0.0.0/29", size: 6, first: "10.0.0.1"},
		{spec: "10.0.0.0/31", size: 2, first: "10.0.0.0"},
		{spec: "10.0.1.1-10.0.1.2, 10.0.0.1-10.0.0.2", size: 4, first: "10.0.0.1"},
		{spec: "", wantErr: true},
		{spec: "10.0.0.10-10.0.0.1", wantErr: true},
		{spec: "10.0.0.1-10.0.0.5,10.0.0.5-10.0.0.9", wantErr: true},
		{spec: "2001:db8::/64", wantErr: true},
		{spec: "not-an-ip", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			r, err := ParseRange(tt.spec)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRange) {
					t.Fatalf("expected ErrInvalidRange, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRange: %v", err)
			}
			if r.Size() != tt.size {
				t.Errorf("Size() = %d, want %d", r.Size(), tt.size)
			}
			var first string
			r.Each(func(ip net.IP) bool {
				first = ip.String()
				return false
			})
			if first != tt.first {
				t.Errorf("first = %s, want %s", first, tt.first)
			}
			if !r.Contains(tt.first) {
				t.Errorf("Contains(%s) = false", tt.first)
			}
		})
	}
}

func TestAllocate_LowestFreeAndRelease(t *testing.T) {
	a, store := setupAllocator(t)
	ctx := context.Background()
	pool := createPool(t, store, "r1", "10.0.0.1-10.0.0.3")

	for i, want := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		got, err := a.Allocate(ctx, pool.ID, claimFor(i))
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		if got != want {
			t.Errorf("Allocate %d = %s, want %s", i, got, want)
		}
	}

	if err := a.Release(ctx, pool.RouterID, "10.0.0.2"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Releasing twice is harmless
	if err := a.Release(ctx, pool.RouterID, "10.0.0.2"); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if err := a.Release(ctx, pool.RouterID, "10.0.0.99"); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("expected ErrNotAllocated, got %v", err)
	}

	lease, err := store.GetLease(ctx, pool.RouterID, "10.0.0.2")
	if err != nil {
		t.Fatalf("GetLease: %v", err)
	}
	if lease.Status != model.LeaseAvailable || lease.SubscriptionID != "" {
		t.Errorf("released lease not cleared: %+v", lease)
	}

	got, err := a.Allocate(ctx, pool.ID, claimFor(9))
	if err != nil || got != "10.0.0.2" {
		t.Errorf("re-allocate = %s, %v; want 10.0.0.2", got, err)
	}
}

func TestAllocate_ExhaustedMutatesNothing(t *testing.T) {
	a, store := setupAllocator(t)
	ctx := context.Background()
	pool := createPool(t, store, "r1", "10.0.0.1-10.0.0.2")

	if _, err := a.Allocate(ctx, pool.ID, claimFor(1)); err != nil {
		t.Fatal(err)
	}
	if err := a.Block(ctx, pool.ID, "10.0.0.2"); err != nil {
		t.Fatalf("Block: %v", err)
	}

	before, err := store.ListPoolLeases(ctx, pool.ID, "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.Allocate(ctx, pool.ID, claimFor(2)); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	after, err := store.ListPoolLeases(ctx, pool.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != len(after) {
		t.Fatalf("lease count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Status != after[i].Status || !before[i].UpdatedAt.Equal(after[i].UpdatedAt) {
			t.Errorf("lease %s mutated: %+v -> %+v", before[i].Address, before[i], after[i])
		}
	}
}

func TestReserveThenCommit(t *testing.T) {
	a, store := setupAllocator(t)
	ctx := context.Background()
	pool := createPool(t, store, "r1", "10.0.0.1-10.0.0.4")
	claim := claimFor(1)

	addr, err := a.Reserve(ctx, pool.ID, claim)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	stats, err := a.Stats(ctx, pool.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Reserved != 1 || stats.Free != 3 {
		t.Errorf("unexpected stats after reserve: %+v", stats)
	}

	err = store.WithTx(ctx, func(tx *storage.Tx) error {
		return CommitTx(ctx, tx, pool.RouterID, addr, claimFor(2))
	})
	if !errors.Is(err, ErrClaimMismatch) {
		t.Errorf("expected ErrClaimMismatch for another subscription, got %v", err)
	}

	err = store.WithTx(ctx, func(tx *storage.Tx) error {
		return CommitTx(ctx, tx, pool.RouterID, addr, claim)
	})
	if err != nil {
		t.Fatalf("CommitTx: %v", err)
	}
	lease, _ := store.GetLease(ctx, pool.RouterID, addr)
	if lease.Status != model.LeaseAssigned || lease.AssignedAt == nil {
		t.Errorf("expected assigned lease, got %+v", lease)
	}
}

func TestReserveAddress(t *testing.T) {
	a, store := setupAllocator(t)
	ctx := context.Background()
	pool := createPool(t, store, "r1", "10.0.0.0/29")

	if err := a.ReserveAddress(ctx, pool.ID, "10.0.0.3", claimFor(1)); err != nil {
		t.Fatalf("ReserveAddress: %v", err)
	}
	if err := a.ReserveAddress(ctx, pool.ID, "10.0.0.3", claimFor(2)); !errors.Is(err, ErrAddressUnavailable) {
		t.Errorf("expected ErrAddressUnavailable, got %v", err)
	}
	if err := a.ReserveAddress(ctx, pool.ID, "10.0.0.0", claimFor(3)); !errors.Is(err, ErrAddressOutOfRange) {
		t.Errorf("network address should be out of range, got %v", err)
	}
}

func TestAllocate_LastAddressRace(t *testing.T) {
	a, store := setupAllocator(t)
	ctx := context.Background()
	pool := createPool(t, store, "r1", "10.0.0.1")

	const contenders = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		exhausted int
	)
	for i := range contenders {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			addr, err := a.Allocate(ctx, pool.ID, claimFor(n))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, addr)
			case errors.Is(err, ErrPoolExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 || winners[0] != "10.0.0.1" {
		t.Errorf("expected exactly one winner, got %v", winners)
	}
	if exhausted != contenders-1 {
		t.Errorf("expected %d exhausted, got %d", contenders-1, exhausted)
	}
}

func TestAllocate_OverlappingPoolsShareLeases(t *testing.T) {
	a, store := setupAllocator(t)
	ctx := context.Background()
	first := createPool(t, store, "r1", "10.0.0.1-10.0.0.4")

	second := &model.IPPool{
		ZoneID:   "zone-b",
		RouterID: first.RouterID,
		PoolID:   "*2",
		PoolName: "other",
		Range:    "10.0.0.1-10.0.0.8",
		PoolType: model.PoolTypeActive,
	}
	if err := store.CreatePool(ctx, second); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Allocate(ctx, first.ID, claimFor(1)); err != nil {
		t.Fatal(err)
	}
	got, err := a.Allocate(ctx, second.ID, claimFor(2))
	if err != nil {
		t.Fatal(err)
	}
	if got != "10.0.0.2" {
		t.Errorf("expected 10.0.0.2 from overlapping pool, got %s", got)
	}
}

// The set of addresses the store records as assigned always equals the
// model's set, and every allocation returns the lowest free address.
func TestAllocator_Properties(t *testing.T) {
	a, store := setupAllocator(t)
	ctx := context.Background()
	iteration := 0

	rapid.Check(t, func(rt *rapid.T) {
		iteration++
		size := rapid.IntRange(1, 12).Draw(rt, "size")
		pool := createPool(t, store, fmt.Sprintf("prop-%d", iteration),
			fmt.Sprintf("10.1.0.1-10.1.0.%d", size))

		held := map[string]bool{}
		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := range steps {
			if len(held) > 0 && rapid.Bool().Draw(rt, "release") {
				addrs := sortedKeys(held)
				addr := rapid.SampledFrom(addrs).Draw(rt, "addr")
				if err := a.Release(ctx, pool.RouterID, addr); err != nil {
					rt.Fatalf("Release %s: %v", addr, err)
				}
				delete(held, addr)
				continue
			}

			addr, err := a.Allocate(ctx, pool.ID, claimFor(i))
			want := lowestFree(size, held)
			if want == "" {
				if !errors.Is(err, ErrPoolExhausted) {
					rt.Fatalf("expected exhaustion, got %s, %v", addr, err)
				}
				continue
			}
			if err != nil {
				rt.Fatalf("Allocate: %v", err)
			}
			if addr != want {
				rt.Fatalf("Allocate = %s, want lowest free %s", addr, want)
			}
			held[addr] = true
		}

		leases, err := store.ListPoolLeases(ctx, pool.ID, model.LeaseAssigned)
		if err != nil {
			rt.Fatal(err)
		}
		stored := map[string]bool{}
		for _, l := range leases {
			if stored[l.Address] {
				rt.Fatalf("address %s assigned twice", l.Address)
			}
			stored[l.Address] = true
		}
		if fmt.Sprint(sortedKeys(stored)) != fmt.Sprint(sortedKeys(held)) {
			rt.Fatalf("store %v != model %v", sortedKeys(stored), sortedKeys(held))
		}
	})
}

func lowestFree(size int, held map[string]bool) string {
	for i := 1; i <= size; i++ {
		addr := fmt.Sprintf("10.1.0.%d", i)
		if !held[addr] {
			return addr
		}
	}
	return ""
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
