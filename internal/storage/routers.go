package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/martinsuchenak/routersync/internal/model"
)

const routerColumns = `id, name, host, port, username, password, use_tls, snmp_community,
	status, last_seen, created_at, updated_at`

// CreateRouter adds a router. An empty ID is generated.
func (r *repo) CreateRouter(ctx context.Context, router *model.Router) error {
	if router.ID == "" {
		router.ID = uuid.New().String()
	}
	if router.Status == "" {
		router.Status = model.RouterStatusUnknown
	}
	now := r.now()
	router.CreatedAt = now
	router.UpdatedAt = now

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO routers (`+routerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, router.ID, router.Name, router.Host, router.Port, router.Username, router.Password,
		boolInt(router.UseTLS), router.SNMPCommunity, router.Status, nullTime(router.LastSeen),
		router.CreatedAt, router.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("router %q: %w", router.Name, ErrDuplicate)
		}
		return fmt.Errorf("inserting router: %w", err)
	}
	return nil
}

// GetRouter retrieves a router by ID
func (r *repo) GetRouter(ctx context.Context, id string) (*model.Router, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+routerColumns+` FROM routers WHERE id = ?`, id)
	router, err := scanRouter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRouterNotFound
	}
	return router, err
}

// ListRouters returns every router ordered by name
func (r *repo) ListRouters(ctx context.Context) ([]model.Router, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+routerColumns+` FROM routers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying routers: %w", err)
	}
	defer rows.Close()

	var routers []model.Router
	for rows.Next() {
		router, err := scanRouter(rows)
		if err != nil {
			return nil, err
		}
		routers = append(routers, *router)
	}
	return routers, rows.Err()
}

// UpdateRouter rewrites the connection details of a router
func (r *repo) UpdateRouter(ctx context.Context, router *model.Router) error {
	router.UpdatedAt = r.now()
	result, err := r.q.ExecContext(ctx, `
		UPDATE routers
		SET name = ?, host = ?, port = ?, username = ?, password = ?, use_tls = ?,
		    snmp_community = ?, updated_at = ?
		WHERE id = ?
	`, router.Name, router.Host, router.Port, router.Username, router.Password,
		boolInt(router.UseTLS), router.SNMPCommunity, router.UpdatedAt, router.ID)
	if err != nil {
		return fmt.Errorf("updating router: %w", err)
	}
	return affected(result, ErrRouterNotFound)
}

// UpdateRouterStatus records reachability. lastSeen is only written when non-nil.
func (r *repo) UpdateRouterStatus(ctx context.Context, id string, status model.RouterStatus, lastSeen *time.Time) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE routers
		SET status = ?, last_seen = COALESCE(?, last_seen), updated_at = ?
		WHERE id = ?
	`, status, nullTime(lastSeen), r.now(), id)
	if err != nil {
		return fmt.Errorf("updating router status: %w", err)
	}
	return affected(result, ErrRouterNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRouter(row rowScanner) (*model.Router, error) {
	var (
		router   model.Router
		useTLS   int
		lastSeen sql.NullTime
	)
	err := row.Scan(&router.ID, &router.Name, &router.Host, &router.Port, &router.Username,
		&router.Password, &useTLS, &router.SNMPCommunity, &router.Status, &lastSeen,
		&router.CreatedAt, &router.UpdatedAt)
	if err != nil {
		return nil, err
	}
	router.UseTLS = useTLS == 1
	router.LastSeen = timePtr(lastSeen)
	return &router, nil
}
