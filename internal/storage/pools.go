package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/martinsuchenak/routersync/internal/model"
)

const poolColumns = `id, zone_id, router_id, pool_id, pool_name, range_spec, pool_type,
	last_sync, created_at, updated_at`

// CreatePool adds a pool. PoolID may be empty until the router assigns one.
func (r *repo) CreatePool(ctx context.Context, pool *model.IPPool) error {
	if pool.ID == "" {
		pool.ID = uuid.New().String()
	}
	if !pool.PoolType.Valid() {
		return fmt.Errorf("invalid pool type %q", pool.PoolType)
	}
	now := r.now()
	pool.CreatedAt = now
	pool.UpdatedAt = now

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO ip_pools (`+poolColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, pool.ID, pool.ZoneID, pool.RouterID, pool.PoolID, pool.PoolName, pool.Range,
		pool.PoolType, nullTime(pool.LastSync), pool.CreatedAt, pool.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("pool %q (zone %s, %s) on router %s: %w", pool.PoolName, pool.ZoneID, pool.PoolType, pool.RouterID, ErrDuplicate)
		}
		return fmt.Errorf("inserting pool: %w", err)
	}
	return nil
}

// DeletePool removes a pool that has no leases
func (r *repo) DeletePool(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM ip_pools WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting pool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPoolNotFound
	}
	return nil
}

// GetPool retrieves a pool by local ID
func (r *repo) GetPool(ctx context.Context, id string) (*model.IPPool, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM ip_pools WHERE id = ?`, id)
	pool, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPoolNotFound
	}
	return pool, err
}

// ListPools returns pools matching filter, oldest first
func (r *repo) ListPools(ctx context.Context, filter *model.IPPoolFilter) ([]model.IPPool, error) {
	query := `SELECT ` + poolColumns + ` FROM ip_pools WHERE 1 = 1`
	var args []any
	if filter != nil {
		if filter.RouterID != "" {
			query += " AND router_id = ?"
			args = append(args, filter.RouterID)
		}
		if filter.ZoneID != "" {
			query += " AND zone_id = ?"
			args = append(args, filter.ZoneID)
		}
		if filter.PoolType != "" {
			query += " AND pool_type = ?"
			args = append(args, filter.PoolType)
		}
	}
	query += " ORDER BY created_at, id"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pools: %w", err)
	}
	defer rows.Close()

	var pools []model.IPPool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *pool)
	}
	return pools, rows.Err()
}

// FindPoolForZone returns the pool of poolType serving zoneID on a router.
// A router has at most one pool per zone and type; a zone grows by widening
// its pool's range.
func (r *repo) FindPoolForZone(ctx context.Context, routerID, zoneID string, poolType model.PoolType) (*model.IPPool, error) {
	pools, err := r.ListPools(ctx, &model.IPPoolFilter{RouterID: routerID, ZoneID: zoneID, PoolType: poolType})
	if err != nil {
		return nil, err
	}
	if len(pools) == 0 {
		return nil, ErrPoolNotFound
	}
	return &pools[0], nil
}

func scanPool(row rowScanner) (*model.IPPool, error) {
	var (
		pool     model.IPPool
		lastSync sql.NullTime
	)
	err := row.Scan(&pool.ID, &pool.ZoneID, &pool.RouterID, &pool.PoolID, &pool.PoolName,
		&pool.Range, &pool.PoolType, &lastSync, &pool.CreatedAt, &pool.UpdatedAt)
	if err != nil {
		return nil, err
	}
	pool.LastSync = timePtr(lastSync)
	return &pool, nil
}
