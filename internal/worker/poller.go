package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/internal/enrichment"
	"github.com/cuongbtq/keyword-intel/internal/keywords"
	"golang.org/x/time/rate"
)

// KeywordSource lists records without intelligence and links them.
type KeywordSource interface {
	ListUnenriched(ctx context.Context, after keywords.Cursor, limit int) ([]*domain.KeywordRecord, error)
	SetIntelligence(ctx context.Context, id, cacheEntryID string) error
}

// PollerConfig configures the direct polling path.
type PollerConfig struct {
	BatchSize int
	// Interval paces provider-bound lookups; zero disables pacing.
	Interval time.Duration
}

// PollStats summarizes one poller run.
type PollStats struct {
	Seen    int `json:"seen"`
	Linked  int `json:"linked"`
	Skipped int `json:"skipped"`
}

// Poller enriches keyword records directly, bypassing the job queue.
type Poller struct {
	// mu keeps runs from overlapping when a manual run meets a scheduled one.
	mu        sync.Mutex
	source    KeywordSource
	enricher  Enricher
	limiter   *rate.Limiter
	batchSize int
	logger    *slog.Logger
}

func NewPoller(cfg PollerConfig, source KeywordSource, enricher Enricher, logger *slog.Logger) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	return &Poller{
		source:    source,
		enricher:  enricher,
		limiter:   rate.NewLimiter(limit, 1),
		batchSize: cfg.BatchSize,
		logger:    logger.With("component", "keyword_poller"),
	}
}

// Run walks every unenriched record once, in creation order, one batch at a
// time. A record is linked whenever enrichment succeeds, including when the
// provider has no data for it. Failures are logged and skipped; the run moves
// past them so they cannot hold back later records.
func (p *Poller) Run(ctx context.Context) (PollStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stats PollStats
	cursor := keywords.Cursor{}
	for {
		records, err := p.source.ListUnenriched(ctx, cursor, p.batchSize)
		if err != nil {
			return stats, err
		}
		if len(records) > 0 {
			cursor = keywords.After(records[len(records)-1])
		}

		linked := 0
		for _, rec := range records {
			if err := p.limiter.Wait(ctx); err != nil {
				return stats, err
			}
			stats.Seen++
			if p.enrichRecord(ctx, rec) {
				linked++
			} else {
				stats.Skipped++
			}
		}
		stats.Linked += linked

		if len(records) < p.batchSize {
			break
		}
	}

	p.logger.Info("Keyword poll finished",
		slog.Int("seen", stats.Seen),
		slog.Int("linked", stats.Linked),
		slog.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

func (p *Poller) enrichRecord(ctx context.Context, rec *domain.KeywordRecord) bool {
	locale, err := keywords.ResolveLocale(rec.CountryCode)
	if err != nil {
		p.logger.Warn("Skipping keyword with invalid country",
			slog.String("keyword_id", rec.ID),
			slog.String("country_code", rec.CountryCode),
		)
		return false
	}

	res := p.enricher.EnrichKeyword(ctx, enrichment.Request{
		Keyword:      rec.Keyword,
		CountryCode:  locale.CountryCode,
		LanguageCode: locale.LanguageCode,
	})
	if !res.Success {
		p.logger.Warn("Keyword enrichment failed, skipping",
			slog.String("keyword_id", rec.ID),
			slog.String("keyword", rec.Keyword),
			slog.Bool("retryable", res.Retryable()),
			slog.String("error", res.Error.Message),
		)
		return false
	}

	if err := p.source.SetIntelligence(ctx, rec.ID, res.Data.ID); err != nil {
		p.logger.Error("Failed to link keyword intelligence",
			slog.String("keyword_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}
