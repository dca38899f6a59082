// Package subscription drives billing status changes through to the
// router: every transition either leaves the subscriber in the pool of its
// new status or leaves a queryable pending marker that Resume completes.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/martinsuchenak/routersync/internal/allocator"
	"github.com/martinsuchenak/routersync/internal/identity"
	"github.com/martinsuchenak/routersync/internal/locks"
	"github.com/martinsuchenak/routersync/internal/log"
	"github.com/martinsuchenak/routersync/internal/metrics"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/profile"
	"github.com/martinsuchenak/routersync/internal/routeros"
	"github.com/martinsuchenak/routersync/internal/secrets"
	"github.com/martinsuchenak/routersync/internal/storage"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStaleStatus       = errors.New("subscription status does not match event")
	ErrNoPoolForZone     = errors.New("no pool for zone")
	ErrPendingRehome     = errors.New("re-homing pending")
	ErrNotMapped         = errors.New("account has no router object")
	ErrInvalidRequest    = errors.New("invalid request")

	errPlanAbandoned = errors.New("network change abandoned")
)

// Gateway applies operations to routers
type Gateway interface {
	Apply(ctx context.Context, routerID string, op routeros.Operation) (*routeros.Result, error)
}

// Config wires the collaborators of a Machine
type Config struct {
	Store     *storage.Store
	Gateway   Gateway
	Allocator *allocator.Allocator
	Profiles  *profile.Synchronizer
	Mapper    *identity.Mapper
	Gate      *locks.RouterGate
	Vault     secrets.Credentials
	Metrics   *metrics.Metrics
}

// Machine applies subscription status transitions
type Machine struct {
	store    *storage.Store
	gateway  Gateway
	alloc    *allocator.Allocator
	profiles *profile.Synchronizer
	mapper   *identity.Mapper
	gate     *locks.RouterGate
	vault    secrets.Credentials
	metrics  *metrics.Metrics

	// beforeFinalize runs ahead of the closing transaction
	beforeFinalize func(p *plan) error
}

// New creates a state machine
func New(cfg Config) *Machine {
	return &Machine{
		store:    cfg.Store,
		gateway:  cfg.Gateway,
		alloc:    cfg.Allocator,
		profiles: cfg.Profiles,
		mapper:   cfg.Mapper,
		gate:     cfg.Gate,
		vault:    cfg.Vault,
		metrics:  cfg.Metrics,
	}
}

// Event is a billing status change
type Event struct {
	SubscriptionID string                   `json:"subscription_id"`
	OldStatus      model.SubscriptionStatus `json:"old_status"`
	NewStatus      model.SubscriptionStatus `json:"new_status"`
	Reason         string                   `json:"reason,omitempty"`
}

// Outcome describes where a subscription ended up
type Outcome struct {
	SubscriptionID string                   `json:"subscription_id"`
	Status         model.SubscriptionStatus `json:"status"`
	PoolID         string                   `json:"pool_id,omitempty"`
	Address        string                   `json:"address,omitempty"`
	Changed        bool                     `json:"changed"`
}

// Transition commits a status change and moves the subscriber's network
// state to match. The status stays committed even when the network change
// fails; the failure is left as a pending marker.
func (m *Machine) Transition(ctx context.Context, ev Event) (*Outcome, error) {
	if !ev.NewStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, ev.NewStatus)
	}

	var (
		sub     *model.Subscription
		changed bool
	)
	err := m.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		sub, err = tx.GetSubscription(ctx, ev.SubscriptionID)
		if err != nil {
			return err
		}
		if ev.OldStatus != "" && sub.Status != ev.OldStatus {
			return fmt.Errorf("subscription %s is %s, event expects %s: %w", sub.ID, sub.Status, ev.OldStatus, ErrStaleStatus)
		}
		if sub.Status == ev.NewStatus {
			return nil
		}
		if sub.Status == model.StatusCancelled {
			return fmt.Errorf("subscription %s is cancelled: %w", sub.ID, ErrInvalidTransition)
		}

		sub.Status = ev.NewStatus
		sub.LastStatusChange = time.Now().UTC()
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		changed = true
		if !sub.AutoManagement {
			return nil
		}
		return markPlanned(ctx, tx, sub)
	})
	if err != nil {
		m.metrics.Transition(string(ev.NewStatus), "refused")
		return nil, err
	}

	if changed {
		log.Info("Subscription status changed", "subscription", sub.ID, "status", sub.Status, "reason", ev.Reason)
		m.metrics.Transition(string(sub.Status), "committed")
	}
	if !sub.AutoManagement {
		return &Outcome{SubscriptionID: sub.ID, Status: sub.Status, PoolID: sub.CurrentIPPoolID}, nil
	}
	return m.converge(ctx, sub.ID)
}

// Resume continues the pending work of one subscription
func (m *Machine) Resume(ctx context.Context, subscriptionID string) (*Outcome, error) {
	return m.converge(ctx, subscriptionID)
}

// ResumePending resumes every pending marker and returns how many completed
func (m *Machine) ResumePending(ctx context.Context) (int, error) {
	markers, err := m.store.ListPending(ctx, "")
	if err != nil {
		return 0, err
	}

	var (
		completed int
		errs      []error
	)
	for _, marker := range markers {
		if ctx.Err() != nil {
			break
		}
		if _, err := m.converge(ctx, marker.SubscriptionID); err != nil {
			errs = append(errs, err)
			continue
		}
		completed++
	}
	return completed, errors.Join(errs...)
}

// Pending lists the pending markers of a router, or of all routers
func (m *Machine) Pending(ctx context.Context, routerID string) ([]model.PendingRehome, error) {
	return m.store.ListPending(ctx, routerID)
}

// converge brings a subscription's network state in line with its status
func (m *Machine) converge(ctx context.Context, subscriptionID string) (*Outcome, error) {
	sub, err := m.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	release, err := m.gate.Shared(ctx, sub.RouterID)
	if err != nil {
		return nil, fmt.Errorf("router %s: %w", sub.RouterID, err)
	}
	defer release()
	defer m.refreshPending(ctx)

	// Work already under way finishes before anything new is planned. A
	// plan the router refused is dropped once the status has moved on.
	marker, err := m.store.GetPending(ctx, sub.ID)
	switch {
	case err == nil && marker.Stage != model.StagePlanned:
		planned, _ := decodePlan(marker)
		if err := m.finish(ctx, marker); err != nil {
			if !errors.Is(err, errPlanAbandoned) || planned == nil || planned.Status == sub.Status {
				return nil, err
			}
		}
	case err != nil && !errors.Is(err, storage.ErrPendingNotFound):
		return nil, err
	}

	if sub, err = m.store.GetSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}
	if !sub.AutoManagement {
		return m.settled(ctx, sub, false)
	}
	if sub.Status == model.StatusCancelled {
		return m.teardown(ctx, sub)
	}

	account, err := m.store.GetAccountBySubscription(ctx, sub.ID)
	if errors.Is(err, storage.ErrAccountNotFound) {
		log.Debug("Subscription has no account to move", "subscription", sub.ID)
		return m.settled(ctx, sub, false)
	}
	if err != nil {
		return nil, err
	}

	poolType, _ := sub.Status.PoolType()
	pool, err := m.store.FindPoolForZone(ctx, sub.RouterID, sub.ZoneID, poolType)
	if errors.Is(err, storage.ErrPoolNotFound) {
		return nil, m.noPool(ctx, sub, poolType)
	}
	if err != nil {
		return nil, err
	}

	if account.PoolRef == pool.ID && account.Address != "" {
		m.metrics.Transition(string(sub.Status), "unchanged")
		return m.settled(ctx, sub, false)
	}
	return m.rehome(ctx, sub, account, pool)
}

func (m *Machine) rehome(ctx context.Context, sub *model.Subscription, account *model.PPPoEAccount, pool *model.IPPool) (*Outcome, error) {
	if account.MikrotikUserID == "" {
		err := fmt.Errorf("account %s: %w", account.ID, ErrNotMapped)
		return nil, m.stall(ctx, sub, err)
	}

	p := &plan{
		Operation:   model.OperationRehome,
		RouterID:    sub.RouterID,
		ClientID:    sub.ClientID,
		AccountID:   account.ID,
		RemoteID:    account.MikrotikUserID,
		Username:    account.Username,
		FromPoolID:  account.PoolRef,
		FromAddress: account.Address,
		ToPoolID:    pool.ID,
		Status:      sub.Status,
	}

	unlock, err := m.alloc.LockPools(ctx, pool.ID)
	if err != nil {
		return nil, err
	}
	var marker *model.PendingRehome
	err = m.store.WithTx(ctx, func(tx *storage.Tx) error {
		address, err := allocator.AllocateTx(ctx, tx, pool.ID, p.claim(sub.ID), model.LeaseReserved)
		if err != nil {
			return err
		}
		p.ToAddress = address
		if marker, err = p.marker(sub.ID, model.StageAllocated); err != nil {
			return err
		}
		return tx.SavePending(ctx, marker)
	})
	unlock()
	if err != nil {
		if errors.Is(err, allocator.ErrPoolExhausted) {
			m.exhausted(ctx, sub.RouterID, pool, err)
			m.metrics.Transition(string(sub.Status), "exhausted")
		}
		return nil, m.stall(ctx, sub, err)
	}

	if err := m.finish(ctx, marker); err != nil {
		return nil, err
	}
	return &Outcome{SubscriptionID: sub.ID, Status: sub.Status, PoolID: p.ToPoolID, Address: p.ToAddress, Changed: true}, nil
}

func (m *Machine) teardown(ctx context.Context, sub *model.Subscription) (*Outcome, error) {
	account, err := m.store.GetAccountBySubscription(ctx, sub.ID)
	if errors.Is(err, storage.ErrAccountNotFound) {
		return m.settled(ctx, sub, false)
	}
	if err != nil {
		return nil, err
	}

	p := &plan{
		Operation:   model.OperationTeardown,
		RouterID:    sub.RouterID,
		ClientID:    sub.ClientID,
		AccountID:   account.ID,
		RemoteID:    account.MikrotikUserID,
		Username:    account.Username,
		FromPoolID:  account.PoolRef,
		FromAddress: account.Address,
		Status:      model.StatusCancelled,
	}
	marker, err := p.marker(sub.ID, model.StageAllocated)
	if err != nil {
		return nil, err
	}
	if err := m.store.SavePending(ctx, marker); err != nil {
		return nil, err
	}
	if err := m.finish(ctx, marker); err != nil {
		return nil, err
	}
	return &Outcome{SubscriptionID: sub.ID, Status: sub.Status, Changed: true}, nil
}

// finish carries a recorded plan from its current stage to completion
func (m *Machine) finish(ctx context.Context, marker *model.PendingRehome) error {
	p, err := decodePlan(marker)
	if err != nil {
		return m.failed(ctx, marker, err)
	}

	if marker.Stage == model.StageAllocated {
		if err := m.applyDevice(ctx, p); err != nil {
			if status, ok := m.abandonable(ctx, marker.SubscriptionID, p, err); ok {
				return m.abandon(ctx, marker, p, status, err)
			}
			return m.failed(ctx, marker, err)
		}
		next, err := p.marker(marker.SubscriptionID, model.StageApplied)
		if err != nil {
			return m.failed(ctx, marker, err)
		}
		next.Attempts = marker.Attempts
		next.CreatedAt = marker.CreatedAt
		if err := m.store.SavePending(ctx, next); err != nil {
			return m.failed(ctx, marker, err)
		}
		marker = next
	}
	if marker.Stage != model.StageApplied {
		return m.failed(ctx, marker, fmt.Errorf("unexpected stage %q", marker.Stage))
	}

	if err := m.finalize(ctx, marker.SubscriptionID, p); err != nil {
		return m.failed(ctx, marker, err)
	}

	result := "rehomed"
	switch p.Operation {
	case model.OperationTeardown:
		result = "torn_down"
	case model.OperationProvision:
		result = "provisioned"
	}
	m.metrics.Transition(string(p.Status), result)
	log.Info("Subscription network updated", "subscription", marker.SubscriptionID, "operation", p.Operation,
		"from", p.FromAddress, "to", p.ToAddress)
	return nil
}

// applyDevice performs the router side of a plan. Each step checks the
// router first so a step whose response was lost is not issued twice.
func (m *Machine) applyDevice(ctx context.Context, p *plan) error {
	switch p.Operation {
	case model.OperationRehome:
		current, err := m.gateway.Apply(ctx, p.RouterID, routeros.GetAccount{ID: p.RemoteID})
		if err != nil {
			return err
		}
		if len(current.Objects) > 0 && current.Objects[0][routeros.KeyRemoteAddress] == p.ToAddress {
			log.Debug("Account already moved", "router", p.RouterID, "id", p.RemoteID, "address", p.ToAddress)
			return nil
		}
		_, err = m.gateway.Apply(ctx, p.RouterID, routeros.UpdateAccount{ID: p.RemoteID, RemoteAddress: p.ToAddress})
		return err

	case model.OperationTeardown:
		if p.RemoteID == "" {
			return nil
		}
		_, err := m.gateway.Apply(ctx, p.RouterID, routeros.DeleteAccount{ID: p.RemoteID})
		return err

	case model.OperationProvision:
		return m.createAccount(ctx, p)
	}
	return fmt.Errorf("unknown operation %q", p.Operation)
}

// abandonable reports whether a plan whose router step failed is to be
// dropped. Only refusals count: the account is gone from the router, or
// the subscription has moved to a status the plan no longer serves.
func (m *Machine) abandonable(ctx context.Context, subscriptionID string, p *plan, cause error) (model.SubscriptionStatus, bool) {
	var deviceErr *routeros.DeviceError
	if !errors.As(cause, &deviceErr) || routeros.IsRetryable(cause) {
		return "", false
	}
	sub, err := m.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return "", false
	}
	superseded := sub.Status != p.Status

	switch p.Operation {
	case model.OperationRehome:
		return sub.Status, superseded || errors.Is(cause, routeros.ErrNoSuchObject)
	case model.OperationProvision:
		return sub.Status, superseded && sub.Status == model.StatusCancelled
	}
	return "", false
}

// abandon undoes the local side of a plan that never reached the router and
// leaves a planned marker so the current status is worked out afresh
func (m *Machine) abandon(ctx context.Context, marker *model.PendingRehome, p *plan, status model.SubscriptionStatus, cause error) error {
	unlock, err := m.alloc.LockPools(ctx, p.ToPoolID)
	if err != nil {
		return m.failed(ctx, marker, err)
	}
	defer unlock()

	next := &model.PendingRehome{
		SubscriptionID: marker.SubscriptionID,
		Operation:      plannedOperation(status),
		Stage:          model.StagePlanned,
		Attempts:       marker.Attempts + 1,
		LastError:      cause.Error(),
		CreatedAt:      marker.CreatedAt,
	}
	err = m.store.WithTx(ctx, func(tx *storage.Tx) error {
		if err := dropPlan(ctx, tx, marker.SubscriptionID, p); err != nil {
			return err
		}
		return tx.SavePending(ctx, next)
	})
	if err != nil {
		return m.failed(ctx, marker, err)
	}

	if errors.Is(cause, routeros.ErrNoSuchObject) && p.Operation == model.OperationRehome {
		m.raise(ctx, &model.Finding{
			RouterID:   p.RouterID,
			Kind:       model.FindingOrphanedLocal,
			ObjectKind: model.ObjectAccount,
			ObjectRef:  p.AccountID,
			Detail:     fmt.Sprintf("account %q (%s) is no longer on the router", p.Username, p.RemoteID),
		})
	}
	m.metrics.Transition(string(p.Status), "abandoned")
	log.Warn("Pending network change abandoned", "subscription", marker.SubscriptionID, "operation", p.Operation,
		"released", p.ToAddress, "status", status, "error", cause)
	return fmt.Errorf("subscription %s: %w: %w: %w", marker.SubscriptionID, ErrPendingRehome, errPlanAbandoned, cause)
}

// dropPlan releases what a plan reserved. A provision that never reached
// the router also loses its address so a teardown has nothing to free.
func dropPlan(ctx context.Context, tx *storage.Tx, subscriptionID string, p *plan) error {
	if p.ToAddress != "" {
		if err := releaseOwned(ctx, tx, p.RouterID, p.ToAddress, subscriptionID); err != nil {
			return err
		}
	}
	if p.Operation != model.OperationProvision {
		return nil
	}
	account, err := tx.GetAccount(ctx, p.AccountID)
	if err != nil {
		return err
	}
	account.PoolRef = ""
	account.Address = ""
	return tx.UpdateAccount(ctx, account)
}

// Discard drops the pending marker of a subscription without touching the
// router and releases the address it reserved. Changes already applied on
// the router and unfinished provisions are refused.
func (m *Machine) Discard(ctx context.Context, subscriptionID string) (*model.PendingRehome, error) {
	sub, err := m.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	release, err := m.gate.Shared(ctx, sub.RouterID)
	if err != nil {
		return nil, fmt.Errorf("router %s: %w", sub.RouterID, err)
	}
	defer release()
	defer m.refreshPending(ctx)

	marker, err := m.store.GetPending(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	switch {
	case marker.Stage == model.StageApplied:
		return nil, fmt.Errorf("%w: the router already has the change, resume it instead", ErrInvalidRequest)
	case marker.Operation == model.OperationProvision:
		return nil, fmt.Errorf("%w: cancel the subscription to drop an unfinished provision", ErrInvalidRequest)
	}

	var p *plan
	if marker.Stage == model.StageAllocated {
		if p, err = decodePlan(marker); err != nil {
			return nil, err
		}
	}
	poolID := ""
	if p != nil {
		poolID = p.ToPoolID
	}
	unlock, err := m.alloc.LockPools(ctx, poolID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = m.store.WithTx(ctx, func(tx *storage.Tx) error {
		if p != nil {
			if err := dropPlan(ctx, tx, sub.ID, p); err != nil {
				return err
			}
		}
		return tx.DeletePending(ctx, sub.ID)
	})
	if err != nil {
		return nil, err
	}
	log.Warn("Pending network change discarded", "subscription", sub.ID, "operation", marker.Operation,
		"stage", marker.Stage, "released", marker.Address)
	return marker, nil
}

// finalize records a completed plan in one transaction
func (m *Machine) finalize(ctx context.Context, subscriptionID string, p *plan) error {
	unlock, err := m.alloc.LockPools(ctx, p.FromPoolID, p.ToPoolID)
	if err != nil {
		return err
	}
	defer unlock()

	if m.beforeFinalize != nil {
		if err := m.beforeFinalize(p); err != nil {
			return err
		}
	}

	err = m.store.WithTx(ctx, func(tx *storage.Tx) error {
		if p.FromAddress != "" {
			if err := releaseOwned(ctx, tx, p.RouterID, p.FromAddress, subscriptionID); err != nil {
				return err
			}
		}
		if p.ToAddress != "" {
			if err := allocator.CommitTx(ctx, tx, p.RouterID, p.ToAddress, p.claim(subscriptionID)); err != nil {
				return err
			}
		}

		account, err := tx.GetAccount(ctx, p.AccountID)
		if err != nil {
			return err
		}
		sub, err := tx.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		account.LastSync = &now
		if p.Operation == model.OperationTeardown {
			account.Status = model.AccountCancelled
			account.PoolRef = ""
			account.Address = ""
			sub.CurrentIPPoolID = ""
		} else {
			account.PoolRef = p.ToPoolID
			account.Address = p.ToAddress
			sub.CurrentIPPoolID = p.ToPoolID
		}

		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		return tx.DeletePending(ctx, subscriptionID)
	})
	if err == nil && m.metrics != nil {
		for _, poolID := range []string{p.FromPoolID, p.ToPoolID} {
			if poolID == "" {
				continue
			}
			if stats, err := m.alloc.Stats(ctx, poolID); err == nil {
				m.metrics.SetFree(poolID, stats.Free)
			}
		}
	}
	return err
}

// releaseOwned frees an address only while it still belongs to the subscription
func releaseOwned(ctx context.Context, tx *storage.Tx, routerID, address, subscriptionID string) error {
	lease, err := tx.GetLease(ctx, routerID, address)
	if errors.Is(err, storage.ErrLeaseNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if lease.SubscriptionID != subscriptionID {
		return nil
	}
	return allocator.ReleaseTx(ctx, tx, routerID, address)
}

// markPlanned records that a subscription's network state is behind its
// status. A marker already past planning is left to finish first.
func markPlanned(ctx context.Context, tx *storage.Tx, sub *model.Subscription) error {
	existing, err := tx.GetPending(ctx, sub.ID)
	switch {
	case err == nil && existing.Stage != model.StagePlanned:
		return nil
	case err != nil && !errors.Is(err, storage.ErrPendingNotFound):
		return err
	}

	marker := &model.PendingRehome{SubscriptionID: sub.ID, Operation: plannedOperation(sub.Status), Stage: model.StagePlanned}
	if existing != nil {
		marker.Attempts = existing.Attempts
		marker.CreatedAt = existing.CreatedAt
	}
	return tx.SavePending(ctx, marker)
}

func plannedOperation(status model.SubscriptionStatus) model.RehomeOperation {
	if status == model.StatusCancelled {
		return model.OperationTeardown
	}
	return model.OperationRehome
}

// settled clears a planned marker once nothing is left to do
func (m *Machine) settled(ctx context.Context, sub *model.Subscription, changed bool) (*Outcome, error) {
	err := m.store.DeletePending(ctx, sub.ID)
	if err != nil && !errors.Is(err, storage.ErrPendingNotFound) {
		return nil, err
	}

	out := &Outcome{SubscriptionID: sub.ID, Status: sub.Status, PoolID: sub.CurrentIPPoolID, Changed: changed}
	if account, err := m.store.GetAccountBySubscription(ctx, sub.ID); err == nil {
		out.Address = account.Address
	}
	return out, nil
}

// stall keeps a planned marker with the reason the subscription could not move
func (m *Machine) stall(ctx context.Context, sub *model.Subscription, cause error) error {
	marker, err := m.store.GetPending(ctx, sub.ID)
	if err != nil {
		marker = &model.PendingRehome{SubscriptionID: sub.ID, Operation: plannedOperation(sub.Status), Stage: model.StagePlanned}
	}
	return m.failed(ctx, marker, cause)
}

// failed records an attempt on a marker and reports the subscription pending
func (m *Machine) failed(ctx context.Context, marker *model.PendingRehome, cause error) error {
	marker.Attempts++
	marker.LastError = cause.Error()
	if err := m.store.SavePending(ctx, marker); err != nil {
		log.Error("Failed to record pending re-homing", "subscription", marker.SubscriptionID, "error", err)
	}
	log.Warn("Re-homing left pending", "subscription", marker.SubscriptionID, "stage", marker.Stage,
		"attempts", marker.Attempts, "error", cause)
	return fmt.Errorf("subscription %s: %w: %w", marker.SubscriptionID, ErrPendingRehome, cause)
}

func (m *Machine) noPool(ctx context.Context, sub *model.Subscription, poolType model.PoolType) error {
	err := fmt.Errorf("zone %s on router %s has no %s pool: %w", sub.ZoneID, sub.RouterID, poolType, ErrNoPoolForZone)
	m.raise(ctx, &model.Finding{
		RouterID:   sub.RouterID,
		Kind:       model.FindingNoPoolForZone,
		ObjectKind: model.ObjectPool,
		ObjectRef:  sub.ZoneID + "/" + string(poolType),
		Detail:     err.Error(),
	})
	m.metrics.Transition(string(sub.Status), "no_pool")
	return m.stall(ctx, sub, err)
}

func (m *Machine) exhausted(ctx context.Context, routerID string, pool *model.IPPool, cause error) {
	m.raise(ctx, &model.Finding{
		RouterID:   routerID,
		Kind:       model.FindingPoolExhausted,
		ObjectKind: model.ObjectPool,
		ObjectRef:  pool.ID,
		Detail:     cause.Error(),
	})
}

func (m *Machine) raise(ctx context.Context, f *model.Finding) {
	created, err := m.store.RaiseFinding(ctx, f)
	if err != nil {
		log.Error("Failed to record finding", "kind", f.Kind, "router", f.RouterID, "error", err)
		return
	}
	if created {
		m.metrics.FindingRaised(string(f.Kind))
	}
}

func (m *Machine) refreshPending(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	if markers, err := m.store.ListPending(ctx, ""); err == nil {
		m.metrics.SetPending(len(markers))
	}
}
