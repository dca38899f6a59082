package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/martinsuchenak/routersync/internal/allocator"
	"github.com/martinsuchenak/routersync/internal/identity"
	"github.com/martinsuchenak/routersync/internal/log"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/routeros"
	"github.com/martinsuchenak/routersync/internal/secrets"
	"github.com/martinsuchenak/routersync/internal/storage"
)

// NewSubscription is a signup to provision on a router
type NewSubscription struct {
	ClientID         string `json:"client_id"`
	ServicePackageID string `json:"service_package_id"`
	RouterID         string `json:"router_id"`
	ZoneID           string `json:"zone_id"`
	Username         string `json:"pppoe_username"`
	Password         string `json:"pppoe_password"`
	BillingDay       int    `json:"billing_day,omitempty"`
}

func (n *NewSubscription) validate() error {
	var missing string
	switch {
	case n.ClientID == "":
		missing = "client_id"
	case n.ServicePackageID == "":
		missing = "service_package_id"
	case n.RouterID == "":
		missing = "router_id"
	case n.ZoneID == "":
		missing = "zone_id"
	case n.Username == "":
		missing = "pppoe_username"
	case n.Password == "":
		missing = "pppoe_password"
	}
	if missing != "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidRequest, missing)
	}
	if n.BillingDay < 0 || n.BillingDay > 31 {
		return fmt.Errorf("%w: billing_day %d out of range", ErrInvalidRequest, n.BillingDay)
	}
	return nil
}

// Provision signs up an active subscription: it ensures the package's
// profile, takes the lowest free address of the zone's active pool and
// creates the PPPoE secret on the router. A device failure leaves the
// subscription stored with a pending marker.
func (m *Machine) Provision(ctx context.Context, req NewSubscription) (*model.Subscription, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	pkg, err := m.store.GetPackage(ctx, req.ServicePackageID)
	if err != nil {
		return nil, err
	}
	pool, err := m.store.FindPoolForZone(ctx, req.RouterID, req.ZoneID, model.PoolTypeActive)
	if errors.Is(err, storage.ErrPoolNotFound) {
		err = fmt.Errorf("zone %s on router %s has no active pool: %w", req.ZoneID, req.RouterID, ErrNoPoolForZone)
		m.raise(ctx, &model.Finding{
			RouterID:   req.RouterID,
			Kind:       model.FindingNoPoolForZone,
			ObjectKind: model.ObjectPool,
			ObjectRef:  req.ZoneID + "/" + string(model.PoolTypeActive),
			Detail:     err.Error(),
		})
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	prof, err := m.profiles.EnsureProfile(ctx, req.RouterID, pkg)
	if err != nil {
		return nil, err
	}
	sealed, err := m.vault.Seal(secrets.ScopePPPoE, req.Password)
	if err != nil {
		return nil, err
	}

	release, err := m.gate.Shared(ctx, req.RouterID)
	if err != nil {
		return nil, fmt.Errorf("router %s: %w", req.RouterID, err)
	}
	defer release()
	defer m.refreshPending(ctx)

	sub := &model.Subscription{
		ClientID:         req.ClientID,
		ServicePackageID: req.ServicePackageID,
		RouterID:         req.RouterID,
		ZoneID:           req.ZoneID,
		Username:         req.Username,
		Password:         sealed,
		CurrentProfileID: prof.ID,
		BillingDay:       req.BillingDay,
		Status:           model.StatusActive,
		AutoManagement:   true,
		LastStatusChange: time.Now().UTC(),
	}
	account := &model.PPPoEAccount{
		ID:         uuid.New().String(),
		RouterID:   req.RouterID,
		ClientID:   req.ClientID,
		Username:   req.Username,
		Password:   sealed,
		ProfileRef: prof.ID,
		PoolRef:    pool.ID,
		Status:     model.AccountActive,
	}
	p := &plan{
		Operation:       model.OperationProvision,
		RouterID:        req.RouterID,
		ClientID:        req.ClientID,
		AccountID:       account.ID,
		Username:        req.Username,
		ProfileRemoteID: prof.ProfileID,
		ToPoolID:        pool.ID,
		Status:          model.StatusActive,
	}

	unlock, err := m.alloc.LockPools(ctx, pool.ID)
	if err != nil {
		return nil, err
	}
	var marker *model.PendingRehome
	err = m.store.WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		address, err := allocator.AllocateTx(ctx, tx, pool.ID, p.claim(sub.ID), model.LeaseReserved)
		if err != nil {
			return err
		}
		p.ToAddress = address

		account.SubscriptionID = sub.ID
		account.Address = address
		if err := tx.CreateAccount(ctx, account); err != nil {
			return err
		}
		if marker, err = p.marker(sub.ID, model.StageAllocated); err != nil {
			return err
		}
		return tx.SavePending(ctx, marker)
	})
	unlock()
	if err != nil {
		if errors.Is(err, allocator.ErrPoolExhausted) {
			m.exhausted(ctx, req.RouterID, pool, err)
			m.metrics.Transition(string(model.StatusActive), "exhausted")
		}
		return nil, err
	}
	log.Info("Subscription created", "subscription", sub.ID, "client", sub.ClientID, "address", p.ToAddress)

	if err := m.finish(ctx, marker); err != nil {
		return sub, err
	}
	return m.store.GetSubscription(ctx, sub.ID)
}

// createAccount creates the PPPoE secret of a provision plan and maps it.
// The gateway looks the username up first, so a secret created by an
// earlier attempt is adopted.
func (m *Machine) createAccount(ctx context.Context, p *plan) error {
	account, err := m.store.GetAccount(ctx, p.AccountID)
	if err != nil {
		return err
	}
	password, err := m.vault.Open(secrets.ScopePPPoE, account.Password)
	if err != nil {
		return fmt.Errorf("opening password of %s: %w", account.ID, err)
	}

	result, err := m.gateway.Apply(ctx, p.RouterID, routeros.CreateAccount{
		Username:      p.Username,
		Password:      password,
		ProfileID:     p.ProfileRemoteID,
		RemoteAddress: p.ToAddress,
		Comment:       "client " + p.ClientID,
	})
	if err != nil {
		return err
	}
	if result.Existing && len(result.Objects) > 0 && result.Objects[0][routeros.KeyRemoteAddress] != p.ToAddress {
		_, err := m.gateway.Apply(ctx, p.RouterID, routeros.UpdateAccount{
			ID:            result.ID,
			Password:      password,
			ProfileID:     p.ProfileRemoteID,
			RemoteAddress: p.ToAddress,
		})
		if err != nil {
			return err
		}
	}

	entity := identity.Entity{Kind: model.ObjectAccount, LocalID: p.AccountID, RouterID: p.RouterID}
	if _, err := m.mapper.UpsertMapping(ctx, entity, result.ID, p.Username); err != nil {
		return err
	}
	p.RemoteID = result.ID
	return nil
}
