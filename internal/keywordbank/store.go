package keywordbank

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/shared/database"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// DefaultFreshnessWindow is how long a cached result is served without a refetch.
const DefaultFreshnessWindow = 7 * 24 * time.Hour

// DefaultRetentionDays is the age after which CleanupStale evicts entries.
const DefaultRetentionDays = 30

// Schema creates the keyword bank table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS keyword_bank (
		id              TEXT PRIMARY KEY,
		keyword         TEXT NOT NULL,
		country_code    TEXT NOT NULL,
		language_code   TEXT NOT NULL,
		is_data_found   BOOLEAN NOT NULL DEFAULT FALSE,
		volume          BIGINT,
		cpc             DOUBLE PRECISION,
		competition     DOUBLE PRECISION,
		difficulty      DOUBLE PRECISION,
		history_trend   TEXT,
		intent          TEXT,
		data_updated_at BIGINT NOT NULL,
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL,
		UNIQUE (keyword, country_code, language_code)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_keyword_bank_data_updated_at ON keyword_bank (data_updated_at)`,
}

const entryColumns = `id, keyword, country_code, language_code, is_data_found, volume, cpc,
	competition, difficulty, history_trend, intent, data_updated_at, created_at, updated_at`

type entryRow struct {
	ID            string          `db:"id"`
	Keyword       string          `db:"keyword"`
	CountryCode   string          `db:"country_code"`
	LanguageCode  string          `db:"language_code"`
	IsDataFound   bool            `db:"is_data_found"`
	Volume        sql.NullInt64   `db:"volume"`
	CPC           sql.NullFloat64 `db:"cpc"`
	Competition   sql.NullFloat64 `db:"competition"`
	Difficulty    sql.NullFloat64 `db:"difficulty"`
	HistoryTrend  sql.NullString  `db:"history_trend"`
	Intent        sql.NullString  `db:"intent"`
	DataUpdatedAt int64           `db:"data_updated_at"`
	CreatedAt     int64           `db:"created_at"`
	UpdatedAt     int64           `db:"updated_at"`
}

func (r *entryRow) toEntry() (*domain.CacheEntry, error) {
	e := &domain.CacheEntry{
		ID:            r.ID,
		Keyword:       r.Keyword,
		CountryCode:   r.CountryCode,
		LanguageCode:  r.LanguageCode,
		IsDataFound:   r.IsDataFound,
		DataUpdatedAt: database.FromMillis(r.DataUpdatedAt),
		CreatedAt:     database.FromMillis(r.CreatedAt),
		UpdatedAt:     database.FromMillis(r.UpdatedAt),
	}
	if r.Volume.Valid {
		e.Volume = &r.Volume.Int64
	}
	if r.CPC.Valid {
		e.CPC = &r.CPC.Float64
	}
	if r.Competition.Valid {
		e.Competition = &r.Competition.Float64
	}
	if r.Difficulty.Valid {
		e.Difficulty = &r.Difficulty.Float64
	}
	if r.Intent.Valid {
		intent := domain.Intent(r.Intent.String)
		e.Intent = &intent
	}
	if r.HistoryTrend.Valid && r.HistoryTrend.String != "" {
		if err := json.Unmarshal([]byte(r.HistoryTrend.String), &e.HistoryTrend); err != nil {
			return nil, fmt.Errorf("failed to decode history trend for %s: %w", r.ID, err)
		}
	}
	return e, nil
}

// Freshness partitions keywords by cache state. Missing and Stale hold
// normalized keywords; both need a provider call.
type Freshness struct {
	Missing []string
	Stale   []string
	Fresh   []*domain.CacheEntry
}

// Store is the Keyword Bank: provider results keyed by normalized
// (keyword, country, language).
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a new Store
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With("component", "keyword_bank"),
		now:    time.Now,
	}
}

// Get returns the entry for a tuple, or nil if none is cached.
func (s *Store) Get(ctx context.Context, keyword, country, language string) (*domain.CacheEntry, error) {
	query := s.db.Rebind(`SELECT ` + entryColumns + ` FROM keyword_bank
		WHERE keyword = ? AND country_code = ? AND language_code = ?`)

	var row entryRow
	err := s.db.GetContext(ctx, &row, query,
		NormalizeKeyword(keyword), NormalizeCountry(country), NormalizeLanguage(language))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return row.toEntry()
}

// GetByID returns the entry with the given id.
func (s *Store) GetByID(ctx context.Context, id string) (*domain.CacheEntry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+entryColumns+` FROM keyword_bank WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrCacheEntryNotFound
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return row.toEntry()
}

// GetBatch returns the cached entries among keywords for one locale in a
// single round trip. Keywords without an entry are simply absent.
func (s *Store) GetBatch(ctx context.Context, keywords []string, country, language string) ([]*domain.CacheEntry, error) {
	normalized := NormalizeKeywords(keywords)
	if len(normalized) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`SELECT `+entryColumns+` FROM keyword_bank
		WHERE country_code = ? AND language_code = ? AND keyword IN (?)`,
		NormalizeCountry(country), NormalizeLanguage(language), normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to build batch query: %w", err)
	}

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get cache entries: %w", err)
	}

	entries := make([]*domain.CacheEntry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Upsert writes an entry keyed on its tuple. On conflict the existing row
// keeps its id and created_at and takes every other field from entry.
func (s *Store) Upsert(ctx context.Context, entry *domain.CacheEntry) (*domain.CacheEntry, error) {
	keyword := NormalizeKeyword(entry.Keyword)
	if keyword == "" {
		return nil, fmt.Errorf("cache entry keyword must not be empty")
	}

	now := s.now()
	dataUpdatedAt := entry.DataUpdatedAt
	if dataUpdatedAt.IsZero() {
		dataUpdatedAt = now
	}
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}

	var trend sql.NullString
	if len(entry.HistoryTrend) > 0 {
		b, err := json.Marshal(entry.HistoryTrend)
		if err != nil {
			return nil, fmt.Errorf("failed to encode history trend: %w", err)
		}
		trend = sql.NullString{String: string(b), Valid: true}
	}
	var intent sql.NullString
	if entry.Intent != nil {
		intent = sql.NullString{String: string(*entry.Intent), Valid: true}
	}

	query := s.db.Rebind(`INSERT INTO keyword_bank (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (keyword, country_code, language_code) DO UPDATE SET
			is_data_found = excluded.is_data_found,
			volume = excluded.volume,
			cpc = excluded.cpc,
			competition = excluded.competition,
			difficulty = excluded.difficulty,
			history_trend = excluded.history_trend,
			intent = excluded.intent,
			data_updated_at = excluded.data_updated_at,
			updated_at = excluded.updated_at
		RETURNING ` + entryColumns)

	var row entryRow
	err := s.db.GetContext(ctx, &row, query,
		id,
		keyword,
		NormalizeCountry(entry.CountryCode),
		NormalizeLanguage(entry.LanguageCode),
		entry.IsDataFound,
		nullInt(entry.Volume),
		nullFloat(entry.CPC),
		nullFloat(entry.Competition),
		nullFloat(entry.Difficulty),
		trend,
		intent,
		database.Millis(dataUpdatedAt),
		database.Millis(now),
		database.Millis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert cache entry: %w", err)
	}

	s.logger.Debug("Cache entry stored",
		slog.String("id", row.ID),
		slog.String("keyword", row.Keyword),
		slog.String("country_code", row.CountryCode),
		slog.Bool("is_data_found", row.IsDataFound),
	)

	return row.toEntry()
}

// CheckFreshness classifies keywords as missing, stale or fresh against the
// window. A non-positive window uses DefaultFreshnessWindow.
func (s *Store) CheckFreshness(ctx context.Context, keywords []string, country, language string, window time.Duration) (*Freshness, error) {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}

	normalized := NormalizeKeywords(keywords)
	entries, err := s.GetBatch(ctx, normalized, country, language)
	if err != nil {
		return nil, err
	}

	byKeyword := make(map[string]*domain.CacheEntry, len(entries))
	for _, e := range entries {
		byKeyword[e.Keyword] = e
	}

	cutoff := s.now().Add(-window)
	result := &Freshness{}
	for _, kw := range normalized {
		e, ok := byKeyword[kw]
		switch {
		case !ok:
			result.Missing = append(result.Missing, kw)
		case e.DataUpdatedAt.Before(cutoff):
			result.Stale = append(result.Stale, kw)
		default:
			result.Fresh = append(result.Fresh, e)
		}
	}
	return result, nil
}

// ListStale returns entries whose data is older than olderThan, oldest first.
// An empty country matches every country.
func (s *Store) ListStale(ctx context.Context, olderThan time.Duration, country string, limit int) ([]*domain.CacheEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := database.Millis(s.now().Add(-olderThan))

	query := `SELECT ` + entryColumns + ` FROM keyword_bank WHERE data_updated_at < ?`
	args := []any{cutoff}
	if country != "" {
		query += ` AND country_code = ?`
		args = append(args, NormalizeCountry(country))
	}
	query += ` ORDER BY data_updated_at, id LIMIT ?`
	args = append(args, limit)

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list stale cache entries: %w", err)
	}

	entries := make([]*domain.CacheEntry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// CleanupStale deletes entries whose data is older than olderThanDays and
// returns how many were removed.
func (s *Store) CleanupStale(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = DefaultRetentionDays
	}
	cutoff := s.now().AddDate(0, 0, -olderThanDays)

	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM keyword_bank WHERE data_updated_at < ?`),
		database.Millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up cache entries: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info("Cache cleanup finished",
		slog.Int("older_than_days", olderThanDays),
		slog.Int64("deleted", deleted),
	)
	return deleted, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
