// Package allocator hands out addresses from IP pools. Allocation and
// release within one pool are serialized by a per-pool lock.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/martinsuchenak/routersync/internal/locks"
	"github.com/martinsuchenak/routersync/internal/log"
	"github.com/martinsuchenak/routersync/internal/metrics"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/storage"
)

var (
	ErrPoolExhausted      = errors.New("pool exhausted: no available addresses")
	ErrInvalidRange       = errors.New("invalid pool range")
	ErrAddressOutOfRange  = errors.New("address not in pool range")
	ErrAddressUnavailable = errors.New("address not available")
	ErrNotAllocated       = errors.New("address not allocated")
	ErrClaimMismatch      = errors.New("reservation belongs to another claim")
)

// Claim identifies who holds an address
type Claim struct {
	ClientID       string
	SubscriptionID string
	AccountRef     string
}

// LeaseStore is the lease persistence used inside a transaction
type LeaseStore interface {
	GetPool(ctx context.Context, id string) (*model.IPPool, error)
	GetLease(ctx context.Context, routerID, address string) (*model.Lease, error)
	ListRouterLeases(ctx context.Context, routerID string) ([]model.Lease, error)
	UpsertLease(ctx context.Context, l *model.Lease) error
	ReleaseLease(ctx context.Context, routerID, address string) error
}

// Allocator assigns and releases pool addresses
type Allocator struct {
	store   *storage.Store
	locks   *locks.Keyed
	metrics *metrics.Metrics
}

// New creates an allocator
func New(store *storage.Store, keyed *locks.Keyed, m *metrics.Metrics) *Allocator {
	return &Allocator{store: store, locks: keyed, metrics: m}
}

// LockPools takes the locks of several pools in a fixed order. Callers
// composing allocation into their own transaction hold these around it.
func (a *Allocator) LockPools(ctx context.Context, poolIDs ...string) (locks.Release, error) {
	ids := append([]string(nil), poolIDs...)
	sort.Strings(ids)

	var held []locks.Release
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		release, err := a.locks.Lock(ctx, "pool:"+id)
		if err != nil {
			releaseAll()
			return nil, fmt.Errorf("locking pool %s: %w", id, err)
		}
		held = append(held, release)
	}
	return releaseAll, nil
}

// Allocate assigns the lowest free address of a pool to claim
func (a *Allocator) Allocate(ctx context.Context, poolID string, claim Claim) (string, error) {
	return a.take(ctx, poolID, claim, model.LeaseAssigned)
}

// Reserve holds the lowest free address for claim without assigning it.
// CommitTx later turns the reservation into an assignment.
func (a *Allocator) Reserve(ctx context.Context, poolID string, claim Claim) (string, error) {
	return a.take(ctx, poolID, claim, model.LeaseReserved)
}

func (a *Allocator) take(ctx context.Context, poolID string, claim Claim, status model.LeaseStatus) (string, error) {
	release, err := a.LockPools(ctx, poolID)
	if err != nil {
		return "", err
	}
	defer release()

	var address string
	err = a.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		address, err = AllocateTx(ctx, tx, poolID, claim, status)
		return err
	})
	a.observe(ctx, poolID, err)
	if err != nil {
		return "", err
	}
	return address, nil
}

// Release returns an address to its pool
func (a *Allocator) Release(ctx context.Context, routerID, address string) error {
	lease, err := a.store.GetLease(ctx, routerID, address)
	if err != nil {
		if errors.Is(err, storage.ErrLeaseNotFound) {
			return fmt.Errorf("%s: %w", address, ErrNotAllocated)
		}
		return err
	}

	unlock, err := a.LockPools(ctx, lease.PoolRef)
	if err != nil {
		return err
	}
	defer unlock()

	err = a.store.WithTx(ctx, func(tx *storage.Tx) error {
		return ReleaseTx(ctx, tx, routerID, address)
	})
	if err == nil {
		a.refreshFree(ctx, lease.PoolRef)
	}
	return err
}

// Block takes a specific address out of circulation
func (a *Allocator) Block(ctx context.Context, poolID, address string) error {
	return a.pin(ctx, poolID, address, Claim{}, model.LeaseBlocked)
}

// ReserveAddress holds a specific free address for claim
func (a *Allocator) ReserveAddress(ctx context.Context, poolID, address string, claim Claim) error {
	return a.pin(ctx, poolID, address, claim, model.LeaseReserved)
}

func (a *Allocator) pin(ctx context.Context, poolID, address string, claim Claim, status model.LeaseStatus) error {
	unlock, err := a.LockPools(ctx, poolID)
	if err != nil {
		return err
	}
	defer unlock()

	return a.store.WithTx(ctx, func(tx *storage.Tx) error {
		pool, rng, err := loadPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		if !rng.Contains(address) {
			return fmt.Errorf("%s in pool %s: %w", address, pool.PoolName, ErrAddressOutOfRange)
		}
		lease, err := tx.GetLease(ctx, pool.RouterID, address)
		switch {
		case err == nil && lease.Status != model.LeaseAvailable:
			return fmt.Errorf("%s is %s: %w", address, lease.Status, ErrAddressUnavailable)
		case err != nil && !errors.Is(err, storage.ErrLeaseNotFound):
			return err
		}
		return tx.UpsertLease(ctx, newLease(pool, address, claim, status, nil))
	})
}

// Stats counts a pool's addresses by state
func (a *Allocator) Stats(ctx context.Context, poolID string) (*model.PoolStats, error) {
	_, rng, err := loadPool(ctx, a.store, poolID)
	if err != nil {
		return nil, err
	}
	leases, err := a.store.ListPoolLeases(ctx, poolID, "")
	if err != nil {
		return nil, err
	}

	stats := &model.PoolStats{PoolRef: poolID, Total: rng.Size()}
	for _, l := range leases {
		if !rng.Contains(l.Address) {
			continue
		}
		switch l.Status {
		case model.LeaseAssigned:
			stats.Assigned++
		case model.LeaseReserved:
			stats.Reserved++
		case model.LeaseBlocked:
			stats.Blocked++
		}
	}
	stats.Free = stats.Total - stats.Assigned - stats.Reserved - stats.Blocked
	return stats, nil
}

// AllocateTx picks the lowest free address of a pool and writes it with
// status for claim inside the caller's transaction. The caller must hold
// the pool lock. Nothing is written when the pool is exhausted.
func AllocateTx(ctx context.Context, tx LeaseStore, poolID string, claim Claim, status model.LeaseStatus) (string, error) {
	pool, rng, err := loadPool(ctx, tx, poolID)
	if err != nil {
		return "", err
	}

	// Leases are keyed per router, so overlapping pools share them
	leases, err := tx.ListRouterLeases(ctx, pool.RouterID)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(leases))
	for _, l := range leases {
		taken[l.Address] = true
	}

	var address string
	rng.Each(func(ip net.IP) bool {
		if s := ip.String(); !taken[s] {
			address = s
			return false
		}
		return true
	})
	if address == "" {
		return "", fmt.Errorf("pool %s (%s): %w", pool.PoolName, pool.ID, ErrPoolExhausted)
	}

	var assignedAt *time.Time
	if status == model.LeaseAssigned {
		now := time.Now().UTC()
		assignedAt = &now
	}
	if err := tx.UpsertLease(ctx, newLease(pool, address, claim, status, assignedAt)); err != nil {
		return "", err
	}
	log.Debug("Address allocated", "pool", pool.ID, "address", address, "status", status, "subscription", claim.SubscriptionID)
	return address, nil
}

// CommitTx turns a reservation into an assignment
func CommitTx(ctx context.Context, tx LeaseStore, routerID, address string, claim Claim) error {
	lease, err := tx.GetLease(ctx, routerID, address)
	if err != nil {
		if errors.Is(err, storage.ErrLeaseNotFound) {
			return fmt.Errorf("%s: %w", address, ErrNotAllocated)
		}
		return err
	}
	switch lease.Status {
	case model.LeaseAssigned:
		if lease.SubscriptionID == claim.SubscriptionID {
			return nil
		}
		return fmt.Errorf("%s: %w", address, ErrClaimMismatch)
	case model.LeaseReserved:
		if lease.SubscriptionID != claim.SubscriptionID {
			return fmt.Errorf("%s: %w", address, ErrClaimMismatch)
		}
	default:
		return fmt.Errorf("%s is %s: %w", address, lease.Status, ErrNotAllocated)
	}

	now := time.Now().UTC()
	lease.Status = model.LeaseAssigned
	lease.ClientID = claim.ClientID
	lease.AccountRef = claim.AccountRef
	lease.AssignedAt = &now
	return tx.UpsertLease(ctx, lease)
}

// ReleaseTx marks an address available inside the caller's transaction.
// Releasing an available address is a no-op.
func ReleaseTx(ctx context.Context, tx LeaseStore, routerID, address string) error {
	lease, err := tx.GetLease(ctx, routerID, address)
	if err != nil {
		if errors.Is(err, storage.ErrLeaseNotFound) {
			return fmt.Errorf("%s: %w", address, ErrNotAllocated)
		}
		return err
	}
	if lease.Status == model.LeaseAvailable {
		return nil
	}
	return tx.ReleaseLease(ctx, routerID, address)
}

type poolGetter interface {
	GetPool(ctx context.Context, id string) (*model.IPPool, error)
}

func loadPool(ctx context.Context, store poolGetter, poolID string) (*model.IPPool, *Range, error) {
	pool, err := store.GetPool(ctx, poolID)
	if err != nil {
		return nil, nil, err
	}
	rng, err := ParseRange(pool.Range)
	if err != nil {
		return nil, nil, fmt.Errorf("pool %s: %w", pool.ID, err)
	}
	return pool, rng, nil
}

func newLease(pool *model.IPPool, address string, claim Claim, status model.LeaseStatus, assignedAt *time.Time) *model.Lease {
	return &model.Lease{
		PoolRef:        pool.ID,
		RouterID:       pool.RouterID,
		Address:        address,
		ClientID:       claim.ClientID,
		AccountRef:     claim.AccountRef,
		SubscriptionID: claim.SubscriptionID,
		Status:         status,
		AssignedAt:     assignedAt,
	}
}

func (a *Allocator) observe(ctx context.Context, poolID string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrPoolExhausted):
		result = "exhausted"
	case err != nil:
		result = "error"
	}
	if a.metrics == nil {
		return
	}
	if stats, statErr := a.Stats(ctx, poolID); statErr == nil {
		a.metrics.Allocation(poolID, result, stats.Free)
	}
}

func (a *Allocator) refreshFree(ctx context.Context, poolID string) {
	if a.metrics == nil {
		return
	}
	if stats, err := a.Stats(ctx, poolID); err == nil {
		a.metrics.SetFree(poolID, stats.Free)
	}
}
