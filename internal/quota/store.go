package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/shared/database"
	"github.com/jmoiron/sqlx"
)

// Schema creates the integration settings table. owner_id '' is the global
// record.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS integration_settings (
		service_id     TEXT NOT NULL,
		owner_id       TEXT NOT NULL DEFAULT '',
		api_key        TEXT NOT NULL DEFAULT '',
		api_base_url   TEXT NOT NULL DEFAULT '',
		quota_limit    BIGINT NOT NULL DEFAULT 0,
		quota_used     BIGINT NOT NULL DEFAULT 0,
		quota_reset_at BIGINT,
		reset_interval TEXT NOT NULL DEFAULT 'monthly',
		is_active      BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at     BIGINT NOT NULL,
		PRIMARY KEY (service_id, owner_id)
	)`,
}

const settingsColumns = `service_id, owner_id, api_key, api_base_url, quota_limit, quota_used,
	quota_reset_at, reset_interval, is_active, updated_at`

type settingsRow struct {
	ServiceID     string        `db:"service_id"`
	OwnerID       string        `db:"owner_id"`
	APIKey        string        `db:"api_key"`
	APIBaseURL    string        `db:"api_base_url"`
	QuotaLimit    int64         `db:"quota_limit"`
	QuotaUsed     int64         `db:"quota_used"`
	QuotaResetAt  sql.NullInt64 `db:"quota_reset_at"`
	ResetInterval string        `db:"reset_interval"`
	IsActive      bool          `db:"is_active"`
	UpdatedAt     int64         `db:"updated_at"`
}

func (r *settingsRow) toRecord() *domain.QuotaRecord {
	return &domain.QuotaRecord{
		ServiceID:     r.ServiceID,
		OwnerID:       r.OwnerID,
		APIKey:        r.APIKey,
		APIBaseURL:    r.APIBaseURL,
		QuotaLimit:    r.QuotaLimit,
		QuotaUsed:     r.QuotaUsed,
		QuotaResetAt:  database.FromNullMillis(r.QuotaResetAt),
		ResetInterval: domain.ResetInterval(r.ResetInterval),
		IsActive:      r.IsActive,
		UpdatedAt:     database.FromMillis(r.UpdatedAt),
	}
}

// settingsStore reads and writes integration_settings rows.
type settingsStore struct {
	db *sqlx.DB
}

// find returns nil when no row exists.
func (s *settingsStore) find(ctx context.Context, serviceID, ownerID string) (*domain.QuotaRecord, error) {
	var row settingsRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT `+settingsColumns+` FROM integration_settings WHERE service_id = ? AND owner_id = ?`),
		serviceID, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get integration settings: %w", err)
	}
	return row.toRecord(), nil
}

func (s *settingsStore) save(ctx context.Context, rec *domain.QuotaRecord) error {
	query := s.db.Rebind(`INSERT INTO integration_settings (` + settingsColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service_id, owner_id) DO UPDATE SET
			api_key = excluded.api_key,
			api_base_url = excluded.api_base_url,
			quota_limit = excluded.quota_limit,
			quota_used = excluded.quota_used,
			quota_reset_at = excluded.quota_reset_at,
			reset_interval = excluded.reset_interval,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`)

	_, err := s.db.ExecContext(ctx, query,
		rec.ServiceID,
		rec.OwnerID,
		rec.APIKey,
		rec.APIBaseURL,
		rec.QuotaLimit,
		rec.QuotaUsed,
		database.NullMillis(rec.QuotaResetAt),
		string(rec.ResetInterval),
		rec.IsActive,
		database.Millis(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save integration settings: %w", err)
	}
	return nil
}

// setUsage writes the counter and reset date of an existing row.
func (s *settingsStore) setUsage(ctx context.Context, rec *domain.QuotaRecord) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE integration_settings SET quota_used = ?, quota_reset_at = ?, updated_at = ?
			WHERE service_id = ? AND owner_id = ?`),
		rec.QuotaUsed,
		database.NullMillis(rec.QuotaResetAt),
		database.Millis(rec.UpdatedAt),
		rec.ServiceID,
		rec.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update quota usage: %w", err)
	}
	return nil
}
