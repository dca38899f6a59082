package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/martinsuchenak/routersync/internal/model"
)

const leaseColumns = `id, pool_ref, router_id, address, client_id, account_ref, subscription_id,
	status, assigned_at, updated_at`

// GetLease returns the lease row for an address on a router
func (r *repo) GetLease(ctx context.Context, routerID, address string) (*model.Lease, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+leaseColumns+` FROM leases WHERE router_id = ? AND address = ?
	`, routerID, address)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLeaseNotFound
	}
	return l, err
}

// ListPoolLeases returns every lease row of a pool. When status is empty all
// rows are returned.
func (r *repo) ListPoolLeases(ctx context.Context, poolRef string, status model.LeaseStatus) ([]model.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM leases WHERE pool_ref = ?`
	args := []any{poolRef}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY address"
	return r.queryLeases(ctx, query, args...)
}

// ListRouterLeases returns all non-available leases on a router
func (r *repo) ListRouterLeases(ctx context.Context, routerID string) ([]model.Lease, error) {
	return r.queryLeases(ctx, `
		SELECT `+leaseColumns+` FROM leases WHERE router_id = ? AND status != ? ORDER BY address
	`, routerID, model.LeaseAvailable)
}

// UpsertLease writes the state of an address, keyed by (router, address)
func (r *repo) UpsertLease(ctx context.Context, l *model.Lease) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.UpdatedAt = r.now()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO leases (`+leaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (router_id, address) DO UPDATE SET
			pool_ref = excluded.pool_ref,
			client_id = excluded.client_id,
			account_ref = excluded.account_ref,
			subscription_id = excluded.subscription_id,
			status = excluded.status,
			assigned_at = excluded.assigned_at,
			updated_at = excluded.updated_at
	`, l.ID, l.PoolRef, l.RouterID, l.Address, l.ClientID, l.AccountRef, l.SubscriptionID,
		l.Status, nullTime(l.AssignedAt), l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting lease: %w", err)
	}
	return nil
}

// ReleaseLease marks an address available and clears its references
func (r *repo) ReleaseLease(ctx context.Context, routerID, address string) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE leases
		SET status = ?, client_id = '', account_ref = '', subscription_id = '',
		    assigned_at = NULL, updated_at = ?
		WHERE router_id = ? AND address = ?
	`, model.LeaseAvailable, r.now(), routerID, address)
	if err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return affected(result, ErrLeaseNotFound)
}

func (r *repo) queryLeases(ctx context.Context, query string, args ...any) ([]model.Lease, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying leases: %w", err)
	}
	defer rows.Close()

	var leases []model.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, *l)
	}
	return leases, rows.Err()
}

func scanLease(row rowScanner) (*model.Lease, error) {
	var (
		l          model.Lease
		assignedAt sql.NullTime
	)
	err := row.Scan(&l.ID, &l.PoolRef, &l.RouterID, &l.Address, &l.ClientID, &l.AccountRef,
		&l.SubscriptionID, &l.Status, &assignedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.AssignedAt = timePtr(assignedAt)
	return &l, nil
}
