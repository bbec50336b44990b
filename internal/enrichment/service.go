// Package enrichment decides between the keyword bank and the provider and
// returns a uniform result per keyword.
package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/internal/keywordbank"
	"github.com/cuongbtq/keyword-intel/internal/quota"
)

// CacheStore is the keyword bank as seen by the service.
type CacheStore interface {
	Get(ctx context.Context, keyword, country, language string) (*domain.CacheEntry, error)
	CheckFreshness(ctx context.Context, keywords []string, country, language string, window time.Duration) (*keywordbank.Freshness, error)
	Upsert(ctx context.Context, entry *domain.CacheEntry) (*domain.CacheEntry, error)
}

// Provider fetches metrics for one batch.
type Provider interface {
	FetchKeywordData(ctx context.Context, keywords []string, country, language string) ([]domain.KeywordMetrics, error)
	BatchSize() int
}

// QuotaTracker guards and records provider spend.
type QuotaTracker interface {
	CheckQuotaAvailable(ctx context.Context, count int64) (*quota.Availability, error)
	RecordUsage(ctx context.Context, count int64, metadata map[string]any) (*domain.QuotaStatus, error)
}

// RateLimiter admits provider calls.
type RateLimiter interface {
	Acquire(ctx context.Context, n int) error
}

// Request enriches one keyword.
type Request struct {
	Keyword      string
	CountryCode  string
	LanguageCode string
	ForceRefresh bool
}

// BulkRequest enriches many keywords of one locale. Progress, if set, is
// called with each group of finished results.
type BulkRequest struct {
	Keywords     []string
	CountryCode  string
	LanguageCode string
	ForceRefresh bool
	Progress     func(results []*Result)
}

// Service orchestrates cache, quota, rate limiter and provider.
type Service struct {
	cache           CacheStore
	provider        Provider
	quota           QuotaTracker
	limiter         RateLimiter
	freshnessWindow time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// NewService creates a Service. A non-positive window uses the keyword
// bank default.
func NewService(cache CacheStore, provider Provider, tracker QuotaTracker, limiter RateLimiter, freshnessWindow time.Duration, logger *slog.Logger) *Service {
	if freshnessWindow <= 0 {
		freshnessWindow = keywordbank.DefaultFreshnessWindow
	}
	return &Service{
		cache:           cache,
		provider:        provider,
		quota:           tracker,
		limiter:         limiter,
		freshnessWindow: freshnessWindow,
		logger:          logger.With("component", "enrichment_service"),
		now:             time.Now,
	}
}

func (s *Service) isFresh(entry *domain.CacheEntry) bool {
	return s.now().Sub(entry.DataUpdatedAt) < s.freshnessWindow
}

// EnrichKeyword serves a fresh cached entry or fetches one from the
// provider. It never returns an error; failures are carried in the Result.
func (s *Service) EnrichKeyword(ctx context.Context, req Request) *Result {
	keyword := keywordbank.NormalizeKeyword(req.Keyword)
	country := keywordbank.NormalizeCountry(req.CountryCode)
	language := keywordbank.NormalizeLanguage(req.LanguageCode)

	if keyword == "" || country == "" {
		return failure(keyword, domain.NewError(domain.KindInvalidRequest, "keyword and country code are required"))
	}

	if !req.ForceRefresh {
		entry, err := s.cache.Get(ctx, keyword, country, language)
		if err != nil {
			s.logger.Warn("Cache lookup failed, treating as miss",
				slog.String("keyword", keyword),
				slog.Any("error", err),
			)
		} else if entry != nil && s.isFresh(entry) {
			return success(entry, SourceCache)
		}
	}

	results := s.fetch(ctx, []string{keyword}, country, language)
	return results[0]
}

// EnrichBulk checks the cache in one round trip and sends only missing and
// stale keywords to the provider, in batches of at most the provider's
// batch size. A failing batch does not affect the others.
func (s *Service) EnrichBulk(ctx context.Context, req BulkRequest) *BulkResult {
	keywords := keywordbank.NormalizeKeywords(req.Keywords)
	country := keywordbank.NormalizeCountry(req.CountryCode)
	language := keywordbank.NormalizeLanguage(req.LanguageCode)

	byKeyword := make(map[string]*Result, len(keywords))
	out := &BulkResult{}
	report := func(results []*Result) {
		for _, r := range results {
			byKeyword[r.Keyword] = r
		}
		if req.Progress != nil && len(results) > 0 {
			req.Progress(results)
		}
	}

	if country == "" {
		var failed []*Result
		for _, kw := range keywords {
			failed = append(failed, failure(kw, domain.NewError(domain.KindInvalidRequest, "country code is required")))
		}
		report(failed)
		return s.collect(out, keywords, byKeyword)
	}

	toFetch := keywords
	if !req.ForceRefresh && len(keywords) > 0 {
		freshness, err := s.cache.CheckFreshness(ctx, keywords, country, language, s.freshnessWindow)
		if err != nil {
			s.logger.Warn("Cache freshness check failed, fetching everything",
				slog.Int("keywords", len(keywords)),
				slog.Any("error", err),
			)
		} else {
			cached := make([]*Result, 0, len(freshness.Fresh))
			for _, e := range freshness.Fresh {
				cached = append(cached, success(e, SourceCache))
			}
			report(cached)

			need := make(map[string]bool, len(freshness.Missing)+len(freshness.Stale))
			for _, kw := range freshness.Missing {
				need[kw] = true
			}
			for _, kw := range freshness.Stale {
				need[kw] = true
			}
			toFetch = make([]string, 0, len(need))
			for _, kw := range keywords {
				if need[kw] {
					toFetch = append(toFetch, kw)
				}
			}
		}
	}

	size := s.provider.BatchSize()
	for start := 0; start < len(toFetch); start += size {
		end := min(start+size, len(toFetch))
		if ctx.Err() != nil {
			var cancelled []*Result
			for _, kw := range toFetch[start:] {
				cancelled = append(cancelled, failure(kw, domain.WrapError(domain.KindNetwork, ctx.Err(), "enrichment interrupted")))
			}
			report(cancelled)
			break
		}
		out.ProviderCalls++
		report(s.fetch(ctx, toFetch[start:end], country, language))
	}

	return s.collect(out, keywords, byKeyword)
}

func (s *Service) collect(out *BulkResult, keywords []string, byKeyword map[string]*Result) *BulkResult {
	out.Results = make([]*Result, 0, len(keywords))
	for _, kw := range keywords {
		r := byKeyword[kw]
		if r == nil {
			r = failure(kw, domain.NewError(domain.KindUnknown, "keyword was not processed"))
		}
		switch {
		case !r.Success:
			out.Failed++
		case r.Metadata.Source == SourceCache:
			out.CacheHits++
		default:
			out.Fetched++
		}
		out.Results = append(out.Results, r)
	}
	return out
}

// fetch runs one provider batch: quota check, rate limiter, call, record
// usage, store. It returns one result per keyword.
func (s *Service) fetch(ctx context.Context, keywords []string, country, language string) []*Result {
	failAll := func(err error) []*Result {
		results := make([]*Result, len(keywords))
		for i, kw := range keywords {
			results[i] = failure(kw, err)
		}
		return results
	}

	count := int64(len(keywords))
	avail, err := s.quota.CheckQuotaAvailable(ctx, count)
	switch {
	case err != nil:
		s.logger.Warn("Quota check failed, proceeding",
			slog.Int64("count", count),
			slog.Any("error", err),
		)
	case !avail.Allowed && avail.Reason == quota.ReasonInactive:
		return failAll(domain.NewError(domain.KindAuthentication, "provider integration is not active"))
	case !avail.Allowed:
		return failAll(domain.NewError(domain.KindQuotaExceeded,
			"provider quota exhausted (%d of %d used)", avail.Status.Used, avail.Status.Limit))
	}

	if err := s.limiter.Acquire(ctx, 1); err != nil {
		if domain.KindOf(err) == domain.KindUnknown {
			err = domain.WrapError(domain.KindNetwork, err, "rate limiter wait interrupted")
		}
		return failAll(err)
	}

	metrics, err := s.provider.FetchKeywordData(ctx, keywords, country, language)
	if err != nil {
		s.logger.Warn("Provider fetch failed",
			slog.Int("keywords", len(keywords)),
			slog.String("country_code", country),
			slog.Bool("retryable", domain.IsRetryable(err)),
			slog.Any("error", err),
		)
		return failAll(err)
	}

	if _, err := s.quota.RecordUsage(ctx, count, map[string]any{
		"country_code": country,
		"keywords":     len(keywords),
	}); err != nil {
		s.logger.Warn("Failed to record quota usage",
			slog.Int64("count", count),
			slog.Any("error", err),
		)
	}

	byKeyword := make(map[string]domain.KeywordMetrics, len(metrics))
	for _, m := range metrics {
		byKeyword[keywordbank.NormalizeKeyword(m.Keyword)] = m
	}

	now := s.now()
	results := make([]*Result, len(keywords))
	for i, kw := range keywords {
		m, ok := byKeyword[kw]
		if !ok {
			m = domain.KeywordMetrics{Keyword: kw}
		}
		intent := ClassifyIntent(kw)
		entry, err := s.cache.Upsert(ctx, &domain.CacheEntry{
			Keyword:       kw,
			CountryCode:   country,
			LanguageCode:  language,
			IsDataFound:   m.IsDataFound,
			Volume:        m.Volume,
			CPC:           m.CPC,
			Competition:   m.Competition,
			Difficulty:    m.Difficulty,
			HistoryTrend:  m.HistoryTrend,
			Intent:        &intent,
			DataUpdatedAt: now,
		})
		if err != nil {
			results[i] = failure(kw, domain.WrapError(domain.KindStorage, err, fmt.Sprintf("failed to store %q", kw)))
			continue
		}
		results[i] = success(entry, SourceAPI)
	}
	return results
}
