package enrichment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/internal/keywordbank"
	"github.com/cuongbtq/keyword-intel/internal/quota"
	"github.com/cuongbtq/keyword-intel/internal/ratelimit"
	"github.com/cuongbtq/keyword-intel/shared/database/databasetest"
	"github.com/cuongbtq/keyword-intel/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu        sync.Mutex
	batchSize int
	calls     [][]string
	metrics   map[string]domain.KeywordMetrics
	failCall  map[int]error
}

func (p *fakeProvider) BatchSize() int {
	if p.batchSize == 0 {
		return 100
	}
	return p.batchSize
}

func (p *fakeProvider) FetchKeywordData(_ context.Context, keywords []string, _, _ string) ([]domain.KeywordMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, append([]string(nil), keywords...))
	if err := p.failCall[len(p.calls)]; err != nil {
		return nil, err
	}
	out := make([]domain.KeywordMetrics, 0, len(keywords))
	for _, kw := range keywords {
		m, ok := p.metrics[kw]
		if !ok {
			m = domain.KeywordMetrics{Keyword: kw, IsDataFound: true, Volume: ptr(int64(10))}
		}
		out = append(out, m)
	}
	return out, nil
}

type failingGetStore struct {
	*keywordbank.Store
}

func (failingGetStore) Get(context.Context, string, string, string) (*domain.CacheEntry, error) {
	return nil, errors.New("connection refused")
}

func ptr[T any](v T) *T { return &v }

type fixture struct {
	bank     *keywordbank.Store
	tracker  *quota.Tracker
	provider *fakeProvider
	service  *Service
	now      time.Time
}

func newFixture(t *testing.T, quotaLimit int64) *fixture {
	t.Helper()
	db := databasetest.Open(t, keywordbank.Schema, quota.Schema)
	log := logger.NewDiscard().Logger

	f := &fixture{
		bank:     keywordbank.NewStore(db, log),
		tracker:  quota.NewTracker(db, quota.Config{ServiceID: "kw"}, nil, log),
		provider: &fakeProvider{},
		now:      time.Now().UTC(),
	}
	require.NoError(t, f.tracker.SaveSettings(context.Background(), &domain.QuotaRecord{
		APIKey: "secret", QuotaLimit: quotaLimit, IsActive: true,
	}))
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 1000}, nil, log)
	f.service = NewService(f.bank, f.provider, f.tracker, limiter, 0, log)
	return f
}

func (f *fixture) used(t *testing.T) int64 {
	t.Helper()
	status, err := f.tracker.QuotaStatus(context.Background())
	require.NoError(t, err)
	return status.Used
}

func (f *fixture) seed(t *testing.T, keyword string, age time.Duration) {
	t.Helper()
	_, err := f.bank.Upsert(context.Background(), &domain.CacheEntry{
		Keyword: keyword, CountryCode: "US", IsDataFound: true, Volume: ptr(int64(5)),
		DataUpdatedAt: f.now.Add(-age),
	})
	require.NoError(t, err)
}

func TestEnrichKeyword_CacheMissThenHit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.provider.metrics = map[string]domain.KeywordMetrics{
		"buy shoes online": {
			Keyword: "buy shoes online", IsDataFound: true,
			Volume: ptr(int64(1200)), CPC: ptr(0.85), Competition: ptr(0.6), Difficulty: ptr(45.0),
		},
	}

	result := f.service.EnrichKeyword(ctx, Request{Keyword: "Buy Shoes Online", CountryCode: "us"})
	require.True(t, result.Success, "error: %v", result.Err())
	assert.Equal(t, SourceAPI, result.Metadata.Source)
	assert.Equal(t, [][]string{{"buy shoes online"}}, f.provider.calls)

	entry := result.Data
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "US", entry.CountryCode)
	assert.Equal(t, int64(1200), *entry.Volume)
	assert.InDelta(t, 0.85, *entry.CPC, 1e-9)
	assert.InDelta(t, 0.6, *entry.Competition, 1e-9)
	assert.InDelta(t, 45, *entry.Difficulty, 1e-9)
	require.NotNil(t, entry.Intent)
	assert.Equal(t, domain.IntentCommercial, *entry.Intent)
	assert.Equal(t, int64(1), f.used(t))

	again := f.service.EnrichKeyword(ctx, Request{Keyword: "buy shoes online", CountryCode: "US"})
	require.True(t, again.Success)
	assert.Equal(t, SourceCache, again.Metadata.Source)
	assert.Equal(t, entry.ID, again.Data.ID)
	assert.Len(t, f.provider.calls, 1)
	assert.Equal(t, int64(1), f.used(t))
}

func TestEnrichKeyword_NegativeResultIsCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.provider.metrics = map[string]domain.KeywordMetrics{"zzqx": {Keyword: "zzqx"}}

	first := f.service.EnrichKeyword(ctx, Request{Keyword: "zzqx", CountryCode: "US"})
	require.True(t, first.Success)
	assert.False(t, first.Data.IsDataFound)

	second := f.service.EnrichKeyword(ctx, Request{Keyword: "zzqx", CountryCode: "US"})
	require.True(t, second.Success)
	assert.Equal(t, SourceCache, second.Metadata.Source)
	assert.False(t, second.Data.IsDataFound)
	assert.Len(t, f.provider.calls, 1)
}

func TestEnrichKeyword_StaleAndForceRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.seed(t, "fresh one", 6*24*time.Hour)
	f.seed(t, "stale one", 8*24*time.Hour)

	r := f.service.EnrichKeyword(ctx, Request{Keyword: "fresh one", CountryCode: "US"})
	assert.Equal(t, SourceCache, r.Metadata.Source)
	assert.Empty(t, f.provider.calls)

	r = f.service.EnrichKeyword(ctx, Request{Keyword: "stale one", CountryCode: "US"})
	assert.Equal(t, SourceAPI, r.Metadata.Source)
	assert.Len(t, f.provider.calls, 1)

	r = f.service.EnrichKeyword(ctx, Request{Keyword: "fresh one", CountryCode: "US", ForceRefresh: true})
	assert.Equal(t, SourceAPI, r.Metadata.Source)
	assert.Len(t, f.provider.calls, 2)
}

func TestEnrichKeyword_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("quota exhausted", func(t *testing.T) {
		f := newFixture(t, 1)
		require.True(t, f.service.EnrichKeyword(ctx, Request{Keyword: "one", CountryCode: "US"}).Success)

		r := f.service.EnrichKeyword(ctx, Request{Keyword: "two", CountryCode: "US"})
		assert.False(t, r.Success)
		assert.Equal(t, domain.KindQuotaExceeded, r.Error.Kind)
		assert.False(t, r.Retryable())
		assert.Len(t, f.provider.calls, 1)
	})

	t.Run("integration inactive", func(t *testing.T) {
		f := newFixture(t, 100)
		require.NoError(t, f.tracker.SaveSettings(ctx, &domain.QuotaRecord{QuotaLimit: 100, IsActive: false}))

		r := f.service.EnrichKeyword(ctx, Request{Keyword: "one", CountryCode: "US"})
		assert.Equal(t, domain.KindAuthentication, r.Error.Kind)
		assert.Empty(t, f.provider.calls)
	})

	t.Run("retryable provider error", func(t *testing.T) {
		f := newFixture(t, 100)
		f.provider.failCall = map[int]error{1: &domain.Error{Kind: domain.KindUnknown, StatusCode: 503}}

		r := f.service.EnrichKeyword(ctx, Request{Keyword: "one", CountryCode: "US"})
		assert.False(t, r.Success)
		assert.True(t, r.Retryable())
		assert.Zero(t, f.used(t))

		var de *domain.Error
		require.True(t, errors.As(r.Err(), &de))
		assert.Equal(t, 503, de.StatusCode)
	})

	t.Run("invalid request", func(t *testing.T) {
		f := newFixture(t, 100)
		r := f.service.EnrichKeyword(ctx, Request{Keyword: "   ", CountryCode: "US"})
		assert.Equal(t, domain.KindInvalidRequest, r.Error.Kind)
		assert.Empty(t, f.provider.calls)
	})

	t.Run("cache unavailable degrades to provider", func(t *testing.T) {
		f := newFixture(t, 100)
		f.seed(t, "one", time.Hour)
		limiter := ratelimit.New(ratelimit.Config{}, nil, logger.NewDiscard().Logger)
		svc := NewService(failingGetStore{f.bank}, f.provider, f.tracker, limiter, 0, logger.NewDiscard().Logger)

		r := svc.EnrichKeyword(ctx, Request{Keyword: "one", CountryCode: "US"})
		require.True(t, r.Success)
		assert.Equal(t, SourceAPI, r.Metadata.Source)
		assert.Len(t, f.provider.calls, 1)
	})
}

func TestEnrichBulk_OnlyMissingAndStaleAreFetched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.seed(t, "a", time.Hour)
	f.seed(t, "b", 10*24*time.Hour)

	var progressed int
	result := f.service.EnrichBulk(ctx, BulkRequest{
		Keywords:    []string{"a", "b", "c"},
		CountryCode: "us",
		Progress:    func(rs []*Result) { progressed += len(rs) },
	})

	assert.Equal(t, [][]string{{"b", "c"}}, f.provider.calls)
	require.Len(t, result.Results, 3)
	assert.Equal(t, SourceCache, result.Results[0].Metadata.Source)
	assert.Equal(t, SourceAPI, result.Results[1].Metadata.Source)
	assert.Equal(t, SourceAPI, result.Results[2].Metadata.Source)
	assert.Equal(t, 1, result.CacheHits)
	assert.Equal(t, 2, result.Fetched)
	assert.Equal(t, 1, result.ProviderCalls)
	assert.Equal(t, 3, progressed)
	assert.Equal(t, int64(2), f.used(t))
}

func TestEnrichBulk_ChunkFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.provider.batchSize = 2
	f.provider.failCall = map[int]error{2: &domain.Error{Kind: domain.KindNetwork, Message: "reset"}}

	result := f.service.EnrichBulk(ctx, BulkRequest{
		Keywords:    []string{"k1", "k2", "k3", "k4", "k5", "K1"},
		CountryCode: "US",
	})

	assert.Equal(t, [][]string{{"k1", "k2"}, {"k3", "k4"}, {"k5"}}, f.provider.calls)
	require.Len(t, result.Results, 5)
	assert.True(t, result.Results[0].Success)
	assert.True(t, result.Results[1].Success)
	assert.False(t, result.Results[2].Success)
	assert.True(t, result.Results[2].Retryable())
	assert.False(t, result.Results[3].Success)
	assert.True(t, result.Results[4].Success)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 3, result.ProviderCalls)
	assert.Equal(t, int64(3), f.used(t))
}

func TestEnrichBulk_QuotaExhaustedMidway(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	f.provider.batchSize = 2

	result := f.service.EnrichBulk(ctx, BulkRequest{Keywords: []string{"a", "b", "c"}, CountryCode: "US"})
	assert.Len(t, f.provider.calls, 1)
	assert.Equal(t, 2, result.Fetched)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, domain.KindQuotaExceeded, result.Results[2].Error.Kind)
}

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		keyword string
		want    domain.Intent
	}{
		{"buy shoes online", domain.IntentCommercial},
		{"best running shoes 2024", domain.IntentCommercial},
		{"iphone vs pixel", domain.IntentCommercial},
		{"download vlc", domain.IntentTransactional},
		{"plumber near me", domain.IntentTransactional},
		{"facebook login", domain.IntentNavigational},
		{"example.com", domain.IntentNavigational},
		{"how to tie a tie", domain.IntentInformational},
		{"photosynthesis", domain.IntentInformational},
		{"topology", domain.IntentInformational},
	}
	for _, tt := range tests {
		t.Run(tt.keyword, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyIntent(tt.keyword))
		})
	}
}
