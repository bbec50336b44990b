// Package keywords reads user keyword records that still need intelligence
// and writes the cache linkage back to them.
package keywords

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/shared/database"
	"github.com/jmoiron/sqlx"
)

// Schema creates the keyword record table. In production the table belongs to
// the keyword-management service; the pipeline only needs these columns.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS keywords (
		id                      TEXT PRIMARY KEY,
		owner_id                TEXT NOT NULL,
		keyword                 TEXT NOT NULL,
		country_code            TEXT NOT NULL,
		cache_entry_ref         TEXT,
		intelligence_updated_at BIGINT,
		is_active               BOOLEAN NOT NULL DEFAULT TRUE,
		created_at              BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_keywords_unenriched ON keywords (is_active, cache_entry_ref)`,
}

type recordRow struct {
	ID                    string         `db:"id"`
	OwnerID               string         `db:"owner_id"`
	Keyword               string         `db:"keyword"`
	CountryCode           string         `db:"country_code"`
	CacheEntryRef         sql.NullString `db:"cache_entry_ref"`
	IntelligenceUpdatedAt sql.NullInt64  `db:"intelligence_updated_at"`
	IsActive              bool           `db:"is_active"`
	CreatedAt             int64          `db:"created_at"`
}

func (r *recordRow) toRecord() *domain.KeywordRecord {
	return &domain.KeywordRecord{
		ID:                    r.ID,
		OwnerID:               r.OwnerID,
		Keyword:               r.Keyword,
		CountryCode:           r.CountryCode,
		CacheEntryRef:         database.FromNullString(r.CacheEntryRef),
		IntelligenceUpdatedAt: database.FromNullMillis(r.IntelligenceUpdatedAt),
		IsActive:              r.IsActive,
		CreatedAt:             database.FromMillis(r.CreatedAt),
	}
}

const recordColumns = `id, owner_id, keyword, country_code, cache_entry_ref, intelligence_updated_at, is_active, created_at`

// Store is the keyword record source.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With("component", "keyword_records"),
		now:    time.Now,
	}
}

// Cursor is the position after the last record of a page. The zero value
// starts from the oldest record.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// After returns the cursor positioned after rec.
func After(rec *domain.KeywordRecord) Cursor {
	return Cursor{CreatedAt: rec.CreatedAt, ID: rec.ID}
}

// ListUnenriched returns active records without a cache linkage that sort
// after the cursor, oldest first.
func (s *Store) ListUnenriched(ctx context.Context, after Cursor, limit int) ([]*domain.KeywordRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + recordColumns + ` FROM keywords
		WHERE cache_entry_ref IS NULL AND is_active = ?`
	args := []any{true}
	if after.ID != "" {
		ms := database.Millis(after.CreatedAt)
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, ms, ms, after.ID)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list unenriched keywords: %w", err)
	}

	records := make([]*domain.KeywordRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toRecord())
	}
	return records, nil
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, id string) (*domain.KeywordRecord, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+recordColumns+` FROM keywords WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrKeywordNotFound
		}
		return nil, fmt.Errorf("failed to get keyword: %w", err)
	}
	return row.toRecord(), nil
}

// SetIntelligence links a record to its cache entry.
func (s *Store) SetIntelligence(ctx context.Context, id, cacheEntryID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE keywords SET cache_entry_ref = ?, intelligence_updated_at = ? WHERE id = ?
	`), cacheEntryID, database.Millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to link keyword intelligence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrKeywordNotFound
	}

	s.logger.Debug("Keyword linked to intelligence",
		slog.String("keyword_id", id),
		slog.String("cache_entry_id", cacheEntryID),
	)
	return nil
}

// Insert stores a record. Used by seeding tools and tests.
func (s *Store) Insert(ctx context.Context, rec *domain.KeywordRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO keywords (id, owner_id, keyword, country_code, cache_entry_ref, intelligence_updated_at, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`),
		rec.ID,
		rec.OwnerID,
		rec.Keyword,
		rec.CountryCode,
		database.NullString(rec.CacheEntryRef),
		database.NullMillis(rec.IntelligenceUpdatedAt),
		rec.IsActive,
		database.Millis(created),
	)
	if err != nil {
		return fmt.Errorf("failed to insert keyword: %w", err)
	}
	return nil
}
