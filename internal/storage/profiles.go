package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/martinsuchenak/routersync/internal/model"
)

const profileColumns = `id, router_id, service_package_id, profile_id, profile_name, rate_limit,
	last_sync, created_at, updated_at`

// CreateProfile adds a profile record
func (r *repo) CreateProfile(ctx context.Context, p *model.Profile) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := r.now()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.RouterID, p.ServicePackageID, p.ProfileID, p.ProfileName, p.RateLimit,
		nullTime(p.LastSync), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("profile %s on router %s: %w", p.ProfileID, p.RouterID, ErrDuplicate)
		}
		return fmt.Errorf("inserting profile: %w", err)
	}
	return nil
}

// GetProfile retrieves a profile by local ID
func (r *repo) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	return p, err
}

// GetProfileByPackage finds the profile mapped to a service package on a router
func (r *repo) GetProfileByPackage(ctx context.Context, routerID, packageID string) (*model.Profile, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+profileColumns+` FROM profiles
		WHERE router_id = ? AND service_package_id = ?
	`, routerID, packageID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	return p, err
}

// ListProfiles returns the profiles of a router
func (r *repo) ListProfiles(ctx context.Context, routerID string) ([]model.Profile, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+profileColumns+` FROM profiles WHERE router_id = ? ORDER BY created_at, id
	`, routerID)
	if err != nil {
		return nil, fmt.Errorf("querying profiles: %w", err)
	}
	defer rows.Close()

	var profiles []model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

// UpdateProfileRateLimit stores new QoS parameters and stamps last_sync
func (r *repo) UpdateProfileRateLimit(ctx context.Context, id, rateLimit string) error {
	now := r.now()
	result, err := r.q.ExecContext(ctx, `
		UPDATE profiles SET rate_limit = ?, last_sync = ?, updated_at = ? WHERE id = ?
	`, rateLimit, now, now, id)
	if err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	return affected(result, ErrProfileNotFound)
}

// CountActiveAccountsForProfile counts non-cancelled accounts referencing a profile
func (r *repo) CountActiveAccountsForProfile(ctx context.Context, profileRef string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pppoe_accounts WHERE profile_ref = ? AND status != ?
	`, profileRef, model.AccountCancelled).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting profile references: %w", err)
	}
	return n, nil
}

// DeleteProfile removes a profile record
func (r *repo) DeleteProfile(ctx context.Context, id string) error {
	result, err := r.q.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	return affected(result, ErrProfileNotFound)
}

func scanProfile(row rowScanner) (*model.Profile, error) {
	var (
		p        model.Profile
		lastSync sql.NullTime
	)
	err := row.Scan(&p.ID, &p.RouterID, &p.ServicePackageID, &p.ProfileID, &p.ProfileName,
		&p.RateLimit, &lastSync, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.LastSync = timePtr(lastSync)
	return &p, nil
}
