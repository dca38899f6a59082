package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/martinsuchenak/routersync/internal/model"
)

// SavePackage inserts or replaces a service package definition
func (r *repo) SavePackage(ctx context.Context, p *model.ServicePackage) error {
	if p.ID == "" {
		return ErrInvalidID
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO service_packages (id, name, download_kbps, upload_kbps, burst_download_kbps,
			burst_upload_kbps, burst_threshold_kbps, burst_time_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			download_kbps = excluded.download_kbps,
			upload_kbps = excluded.upload_kbps,
			burst_download_kbps = excluded.burst_download_kbps,
			burst_upload_kbps = excluded.burst_upload_kbps,
			burst_threshold_kbps = excluded.burst_threshold_kbps,
			burst_time_seconds = excluded.burst_time_seconds
	`, p.ID, p.Name, p.DownloadKbps, p.UploadKbps, p.BurstDownloadKbps, p.BurstUploadKbps,
		p.BurstThresholdKbps, p.BurstTimeSeconds)
	if err != nil {
		return fmt.Errorf("saving service package: %w", err)
	}
	return nil
}

// GetPackage retrieves a service package by ID
func (r *repo) GetPackage(ctx context.Context, id string) (*model.ServicePackage, error) {
	var p model.ServicePackage
	err := r.q.QueryRowContext(ctx, `
		SELECT id, name, download_kbps, upload_kbps, burst_download_kbps, burst_upload_kbps,
		       burst_threshold_kbps, burst_time_seconds
		FROM service_packages WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.DownloadKbps, &p.UploadKbps, &p.BurstDownloadKbps,
		&p.BurstUploadKbps, &p.BurstThresholdKbps, &p.BurstTimeSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPackageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying service package: %w", err)
	}
	return &p, nil
}
