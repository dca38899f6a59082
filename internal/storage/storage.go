package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrRouterNotFound       = errors.New("router not found")
	ErrPackageNotFound      = errors.New("service package not found")
	ErrPoolNotFound         = errors.New("pool not found")
	ErrProfileNotFound      = errors.New("profile not found")
	ErrAccountNotFound      = errors.New("account not found")
	ErrLeaseNotFound        = errors.New("lease not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrPendingNotFound      = errors.New("pending rehome not found")
	ErrFindingNotFound      = errors.New("finding not found")
	ErrInvalidID            = errors.New("invalid ID")
	ErrDuplicate            = errors.New("duplicate record")
	ErrCrossRouterRef       = errors.New("reference points to an entity on another router")
)

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// repo holds every entity operation. It runs against the database directly
// (Store) or inside a transaction (Tx).
type repo struct {
	q   queryer
	now func() time.Time
}

// Tx is a repo bound to a single database transaction
type Tx struct {
	repo
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
// fn must only use tx; calling back into the Store while a transaction is
// open blocks because the pool holds a single connection.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &Tx{repo: repo{q: sqlTx, now: s.now}}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation checks if err is a SQLite UNIQUE constraint failure
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// affected returns notFound when the statement touched no rows
func affected(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
