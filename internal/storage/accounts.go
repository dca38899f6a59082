package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/martinsuchenak/routersync/internal/model"
)

const accountColumns = `id, router_id, client_id, subscription_id, username, password,
	mikrotik_user_id, profile_ref, pool_ref, address, status, bytes_in, bytes_out,
	last_sync, created_at, updated_at`

// CreateAccount adds a PPPoE account record
func (r *repo) CreateAccount(ctx context.Context, a *model.PPPoEAccount) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = model.AccountActive
	}
	if err := r.checkSameRouter(ctx, a); err != nil {
		return err
	}
	now := r.now()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO pppoe_accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.RouterID, a.ClientID, a.SubscriptionID, a.Username, a.Password,
		a.MikrotikUserID, a.ProfileRef, a.PoolRef, a.Address, a.Status, a.BytesIn, a.BytesOut,
		nullTime(a.LastSync), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account %s on router %s: %w", a.MikrotikUserID, a.RouterID, ErrDuplicate)
		}
		return fmt.Errorf("inserting account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by local ID
func (r *repo) GetAccount(ctx context.Context, id string) (*model.PPPoEAccount, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM pppoe_accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

// GetAccountBySubscription returns the non-cancelled account of a subscription
func (r *repo) GetAccountBySubscription(ctx context.Context, subscriptionID string) (*model.PPPoEAccount, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM pppoe_accounts
		WHERE subscription_id = ? AND status != ?
		ORDER BY created_at DESC LIMIT 1
	`, subscriptionID, model.AccountCancelled)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

// ListAccounts returns the accounts of a router. Cancelled accounts are
// included only when withCancelled is set.
func (r *repo) ListAccounts(ctx context.Context, routerID string, withCancelled bool) ([]model.PPPoEAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM pppoe_accounts WHERE router_id = ?`
	args := []any{routerID}
	if !withCancelled {
		query += " AND status != ?"
		args = append(args, model.AccountCancelled)
	}
	query += " ORDER BY created_at, id"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.PPPoEAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// UpdateAccount rewrites the mutable fields of an account. The router object
// ID and username are owned by the identity mapping and are not touched here.
func (r *repo) UpdateAccount(ctx context.Context, a *model.PPPoEAccount) error {
	if err := r.checkSameRouter(ctx, a); err != nil {
		return err
	}
	a.UpdatedAt = r.now()
	result, err := r.q.ExecContext(ctx, `
		UPDATE pppoe_accounts
		SET password = ?, profile_ref = ?, pool_ref = ?, address = ?, status = ?,
		    bytes_in = ?, bytes_out = ?, last_sync = ?, updated_at = ?
		WHERE id = ?
	`, a.Password, a.ProfileRef, a.PoolRef, a.Address, a.Status, a.BytesIn, a.BytesOut,
		nullTime(a.LastSync), a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("updating account: %w", err)
	}
	return affected(result, ErrAccountNotFound)
}

// checkSameRouter enforces that profile and pool refs live on the account's router
func (r *repo) checkSameRouter(ctx context.Context, a *model.PPPoEAccount) error {
	if a.ProfileRef != "" {
		p, err := r.GetProfile(ctx, a.ProfileRef)
		if err != nil {
			return fmt.Errorf("account profile ref: %w", err)
		}
		if p.RouterID != a.RouterID {
			return fmt.Errorf("profile %s: %w", p.ID, ErrCrossRouterRef)
		}
	}
	if a.PoolRef != "" {
		p, err := r.GetPool(ctx, a.PoolRef)
		if err != nil {
			return fmt.Errorf("account pool ref: %w", err)
		}
		if p.RouterID != a.RouterID {
			return fmt.Errorf("pool %s: %w", p.ID, ErrCrossRouterRef)
		}
	}
	return nil
}

func scanAccount(row rowScanner) (*model.PPPoEAccount, error) {
	var (
		a        model.PPPoEAccount
		lastSync sql.NullTime
	)
	err := row.Scan(&a.ID, &a.RouterID, &a.ClientID, &a.SubscriptionID, &a.Username, &a.Password,
		&a.MikrotikUserID, &a.ProfileRef, &a.PoolRef, &a.Address, &a.Status, &a.BytesIn,
		&a.BytesOut, &lastSync, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.LastSync = timePtr(lastSync)
	return &a, nil
}
