package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/martinsuchenak/routersync/internal/model"
)

const subscriptionColumns = `id, client_id, service_package_id, router_id, zone_id, username,
	password, current_ip_pool_id, current_profile_id, billing_day, status, auto_management,
	last_status_change, created_at, updated_at`

// SubscriptionFilter holds filter criteria for listing subscriptions
type SubscriptionFilter struct {
	RouterID string
	Status   model.SubscriptionStatus
}

// CreateSubscription adds a subscription. A client may hold at most one
// non-cancelled subscription per service package.
func (r *repo) CreateSubscription(ctx context.Context, s *model.Subscription) error {
	if !s.Status.Valid() {
		return fmt.Errorf("subscription status %q: %w", s.Status, ErrInvalidID)
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.BillingDay == 0 {
		s.BillingDay = 1
	}
	now := r.now()
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.LastStatusChange.IsZero() {
		s.LastStatusChange = now
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.ClientID, s.ServicePackageID, s.RouterID, s.ZoneID, s.Username, s.Password,
		s.CurrentIPPoolID, s.CurrentProfileID, s.BillingDay, s.Status, boolInt(s.AutoManagement),
		s.LastStatusChange, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("client %s already subscribed to %s: %w", s.ClientID, s.ServicePackageID, ErrDuplicate)
		}
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves a subscription by ID
func (r *repo) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	s, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return s, err
}

// ListSubscriptions returns subscriptions matching the filter
func (r *repo) ListSubscriptions(ctx context.Context, filter *SubscriptionFilter) ([]model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE 1=1`
	var args []any
	if filter != nil {
		if filter.RouterID != "" {
			query += " AND router_id = ?"
			args = append(args, filter.RouterID)
		}
		if filter.Status != "" {
			query += " AND status = ?"
			args = append(args, filter.Status)
		}
	}
	query += " ORDER BY created_at, id"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *s)
	}
	return subs, rows.Err()
}

// UpdateSubscription rewrites the mutable fields of a subscription
func (r *repo) UpdateSubscription(ctx context.Context, s *model.Subscription) error {
	if !s.Status.Valid() {
		return fmt.Errorf("subscription status %q: %w", s.Status, ErrInvalidID)
	}
	s.UpdatedAt = r.now()
	result, err := r.q.ExecContext(ctx, `
		UPDATE subscriptions
		SET service_package_id = ?, zone_id = ?, password = ?, current_ip_pool_id = ?,
		    current_profile_id = ?, billing_day = ?, status = ?, auto_management = ?,
		    last_status_change = ?, updated_at = ?
		WHERE id = ?
	`, s.ServicePackageID, s.ZoneID, s.Password, s.CurrentIPPoolID, s.CurrentProfileID,
		s.BillingDay, s.Status, boolInt(s.AutoManagement), s.LastStatusChange, s.UpdatedAt, s.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("subscription %s: %w", s.ID, ErrDuplicate)
		}
		return fmt.Errorf("updating subscription: %w", err)
	}
	return affected(result, ErrSubscriptionNotFound)
}

func scanSubscription(row rowScanner) (*model.Subscription, error) {
	var (
		s    model.Subscription
		auto int
	)
	err := row.Scan(&s.ID, &s.ClientID, &s.ServicePackageID, &s.RouterID, &s.ZoneID, &s.Username,
		&s.Password, &s.CurrentIPPoolID, &s.CurrentProfileID, &s.BillingDay, &s.Status, &auto,
		&s.LastStatusChange, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.AutoManagement = auto != 0
	return &s, nil
}
