package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/martinsuchenak/routersync/internal/model"
)

const findingColumns = `id, router_id, kind, object_kind, object_ref, detail, first_seen,
	last_seen, resolved_at`

// RaiseFinding records a finding. An open finding with the same router,
// kind and object is refreshed instead of duplicated. created reports
// whether a new row was written.
func (r *repo) RaiseFinding(ctx context.Context, f *model.Finding) (created bool, err error) {
	now := r.now()
	result, err := r.q.ExecContext(ctx, `
		UPDATE findings SET detail = ?, last_seen = ?
		WHERE router_id = ? AND kind = ? AND object_kind = ? AND object_ref = ? AND resolved_at IS NULL
	`, f.Detail, now, f.RouterID, f.Kind, f.ObjectKind, f.ObjectRef)
	if err != nil {
		return false, fmt.Errorf("refreshing finding: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return false, nil
	}

	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	f.FirstSeen = now
	f.LastSeen = now
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO findings (`+findingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, f.ID, f.RouterID, f.Kind, f.ObjectKind, f.ObjectRef, f.Detail, f.FirstSeen, f.LastSeen)
	if err != nil {
		return false, fmt.Errorf("inserting finding: %w", err)
	}
	return true, nil
}

// GetFinding retrieves a finding by ID
func (r *repo) GetFinding(ctx context.Context, id string) (*model.Finding, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+findingColumns+` FROM findings WHERE id = ?`, id)
	f, err := scanFinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFindingNotFound
	}
	return f, err
}

// ResolveFinding closes an open finding
func (r *repo) ResolveFinding(ctx context.Context, id string) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE findings SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL
	`, r.now(), id)
	if err != nil {
		return fmt.Errorf("resolving finding: %w", err)
	}
	return affected(result, ErrFindingNotFound)
}

// ListFindings returns findings matching the filter, newest first
func (r *repo) ListFindings(ctx context.Context, filter *model.FindingFilter) ([]model.Finding, error) {
	query := `SELECT ` + findingColumns + ` FROM findings WHERE 1=1`
	var args []any
	if filter != nil {
		if filter.RouterID != "" {
			query += " AND router_id = ?"
			args = append(args, filter.RouterID)
		}
		if filter.Kind != "" {
			query += " AND kind = ?"
			args = append(args, filter.Kind)
		}
		if filter.OpenOnly {
			query += " AND resolved_at IS NULL"
		}
	}
	query += " ORDER BY last_seen DESC, id"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying findings: %w", err)
	}
	defer rows.Close()

	var findings []model.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		findings = append(findings, *f)
	}
	return findings, rows.Err()
}

func scanFinding(row rowScanner) (*model.Finding, error) {
	var (
		f          model.Finding
		resolvedAt sql.NullTime
	)
	err := row.Scan(&f.ID, &f.RouterID, &f.Kind, &f.ObjectKind, &f.ObjectRef, &f.Detail,
		&f.FirstSeen, &f.LastSeen, &resolvedAt)
	if err != nil {
		return nil, err
	}
	f.ResolvedAt = timePtr(resolvedAt)
	return &f, nil
}
