package storage

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

// migrations run in order; schema.sql always describes the latest layout so
// on a fresh database every step only records its version.
var migrations = []migration{
	{version: 1, name: "baseline", apply: func(context.Context, *sql.Tx) error { return nil }},
	{version: 2, name: "router snmp community", apply: addColumnIfMissing("routers", "snmp_community", "TEXT NOT NULL DEFAULT ''")},
	{version: 3, name: "account traffic counters", apply: func(ctx context.Context, tx *sql.Tx) error {
		if err := addColumnIfMissing("pppoe_accounts", "bytes_in", "INTEGER NOT NULL DEFAULT 0")(ctx, tx); err != nil {
			return err
		}
		return addColumnIfMissing("pppoe_accounts", "bytes_out", "INTEGER NOT NULL DEFAULT 0")(ctx, tx)
	}},
	{version: 4, name: "one pool per zone and type", apply: func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS idx_ip_pools_zone_type`)
		return err
	}},
}

// migrate applies every migration newer than the recorded version
func (s *Store) migrate(ctx context.Context) error {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("checking migration version: %w", err)
	}

	for _, m := range migrations {
		if version.Valid && int64(m.version) <= version.Int64 {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		if err := m.apply(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("setting migration version: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func addColumnIfMissing(table, column, decl string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		var name string
		err := tx.QueryRowContext(ctx,
			`SELECT name FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&name)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
		return err
	}
}
