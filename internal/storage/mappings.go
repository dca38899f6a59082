package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/martinsuchenak/routersync/internal/model"
)

var (
	ErrMappingNotFound = errors.New("mapping not found")
	ErrRemoteIDSet     = errors.New("router object ID already set")
	ErrUnknownKind     = errors.New("unknown object kind")
)

// Mapping pairs a local entity with its router-side identity
type Mapping struct {
	Kind     model.ObjectKind `json:"kind"`
	LocalID  string           `json:"local_id"`
	RouterID string           `json:"router_id"`
	RemoteID string           `json:"remote_id"`
	Name     string           `json:"name"`
	LastSync *time.Time       `json:"last_sync,omitempty"`
}

type mappingTable struct {
	table    string
	idColumn string
	name     string
	filter   string
}

var mappingTables = map[model.ObjectKind]mappingTable{
	model.ObjectPool:    {table: "ip_pools", idColumn: "pool_id", name: "pool_name"},
	model.ObjectProfile: {table: "profiles", idColumn: "profile_id", name: "profile_name"},
	model.ObjectAccount: {table: "pppoe_accounts", idColumn: "mikrotik_user_id", name: "username",
		filter: " AND status != 'cancelled'"},
}

func tableFor(kind model.ObjectKind) (mappingTable, error) {
	t, ok := mappingTables[kind]
	if !ok {
		return mappingTable{}, fmt.Errorf("%q: %w", kind, ErrUnknownKind)
	}
	return t, nil
}

func (t mappingTable) selectColumns() string {
	return fmt.Sprintf("id, router_id, %s, %s, last_sync", t.idColumn, t.name)
}

// GetMapping returns the identity of a local entity
func (r *repo) GetMapping(ctx context.Context, kind model.ObjectKind, localID string) (*Mapping, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	row := r.q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", t.selectColumns(), t.table), localID)
	m, err := scanMapping(row, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMappingNotFound
	}
	return m, err
}

// FindMappingByRemoteID looks up the local entity holding a router object ID
func (r *repo) FindMappingByRemoteID(ctx context.Context, routerID string, kind model.ObjectKind, remoteID string) (*Mapping, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	row := r.q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE router_id = ? AND %s = ?", t.selectColumns(), t.table, t.idColumn),
		routerID, remoteID)
	m, err := scanMapping(row, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMappingNotFound
	}
	return m, err
}

// ListMappings returns the mapped and unmapped entities of a kind on a router
func (r *repo) ListMappings(ctx context.Context, routerID string, kind model.ObjectKind) ([]Mapping, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := r.q.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE router_id = ?%s ORDER BY id", t.selectColumns(), t.table, t.filter),
		routerID)
	if err != nil {
		return nil, fmt.Errorf("querying %s mappings: %w", kind, err)
	}
	defer rows.Close()

	var mappings []Mapping
	for rows.Next() {
		m, err := scanMapping(rows, kind)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, *m)
	}
	return mappings, rows.Err()
}

// SetMappingRemoteID records the router object ID of an entity. It only
// succeeds while the ID is unset.
func (r *repo) SetMappingRemoteID(ctx context.Context, kind model.ObjectKind, localID, remoteID, name string) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	now := r.now()
	result, err := r.q.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s = ?, %s = ?, last_sync = ?, updated_at = ? WHERE id = ? AND %s = ''",
			t.table, t.idColumn, t.name, t.idColumn),
		remoteID, name, now, now, localID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %s: %w", kind, remoteID, ErrDuplicate)
		}
		return fmt.Errorf("setting %s remote ID: %w", kind, err)
	}
	if err := affected(result, ErrRemoteIDSet); err != nil {
		if _, getErr := r.GetMapping(ctx, kind, localID); errors.Is(getErr, ErrMappingNotFound) {
			return ErrMappingNotFound
		}
		return err
	}
	return nil
}

// UpdateMappingName rewrites the mutable name of an entity. The router
// object ID is never touched.
func (r *repo) UpdateMappingName(ctx context.Context, kind model.ObjectKind, localID, name string) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	now := r.now()
	result, err := r.q.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s = ?, last_sync = ?, updated_at = ? WHERE id = ?", t.table, t.name),
		name, now, now, localID)
	if err != nil {
		return fmt.Errorf("updating %s name: %w", kind, err)
	}
	return affected(result, ErrMappingNotFound)
}

// TouchMappings stamps last_sync on every mapped entity of a kind on a router
func (r *repo) TouchMappings(ctx context.Context, routerID string, kind model.ObjectKind, localIDs []string) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	now := r.now()
	for _, id := range localIDs {
		if _, err := r.q.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET last_sync = ? WHERE id = ? AND router_id = ?", t.table),
			now, id, routerID); err != nil {
			return fmt.Errorf("stamping %s sync: %w", kind, err)
		}
	}
	return nil
}

func scanMapping(row rowScanner, kind model.ObjectKind) (*Mapping, error) {
	var (
		m        = Mapping{Kind: kind}
		lastSync sql.NullTime
	)
	if err := row.Scan(&m.LocalID, &m.RouterID, &m.RemoteID, &m.Name, &lastSync); err != nil {
		return nil, err
	}
	m.LastSync = timePtr(lastSync)
	return &m, nil
}
