package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/martinsuchenak/routersync/internal/model"
)

const pendingColumns = `subscription_id, operation, stage, target_pool_id, address, plan,
	attempts, last_error, created_at, updated_at`

// SavePending creates or advances the pending marker of a subscription
func (r *repo) SavePending(ctx context.Context, p *model.PendingRehome) error {
	now := r.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO pending_rehomes (`+pendingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id) DO UPDATE SET
			operation = excluded.operation,
			stage = excluded.stage,
			target_pool_id = excluded.target_pool_id,
			address = excluded.address,
			plan = excluded.plan,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, p.SubscriptionID, p.Operation, p.Stage, p.TargetPoolID, p.Address, p.Plan,
		p.Attempts, p.LastError, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving pending rehome: %w", err)
	}
	return nil
}

// GetPending returns the pending marker of a subscription
func (r *repo) GetPending(ctx context.Context, subscriptionID string) (*model.PendingRehome, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+pendingColumns+` FROM pending_rehomes WHERE subscription_id = ?
	`, subscriptionID)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPendingNotFound
	}
	return p, err
}

// DeletePending clears the marker once the network matches billing state
func (r *repo) DeletePending(ctx context.Context, subscriptionID string) error {
	result, err := r.q.ExecContext(ctx, `DELETE FROM pending_rehomes WHERE subscription_id = ?`, subscriptionID)
	if err != nil {
		return fmt.Errorf("deleting pending rehome: %w", err)
	}
	return affected(result, ErrPendingNotFound)
}

// ListPending returns all markers, oldest first. An empty routerID lists every router.
func (r *repo) ListPending(ctx context.Context, routerID string) ([]model.PendingRehome, error) {
	query := `SELECT p.subscription_id, p.operation, p.stage, p.target_pool_id, p.address, p.plan,
		p.attempts, p.last_error, p.created_at, p.updated_at
		FROM pending_rehomes p JOIN subscriptions s ON s.id = p.subscription_id`
	var args []any
	if routerID != "" {
		query += " WHERE s.router_id = ?"
		args = append(args, routerID)
	}
	query += " ORDER BY p.created_at, p.subscription_id"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pending rehomes: %w", err)
	}
	defer rows.Close()

	var pending []model.PendingRehome
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, *p)
	}
	return pending, rows.Err()
}

func scanPending(row rowScanner) (*model.PendingRehome, error) {
	var p model.PendingRehome
	err := row.Scan(&p.SubscriptionID, &p.Operation, &p.Stage, &p.TargetPoolID, &p.Address,
		&p.Plan, &p.Attempts, &p.LastError, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
