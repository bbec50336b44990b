package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/internal/enrichment"
	"github.com/cuongbtq/keyword-intel/internal/keywords"
	"github.com/cuongbtq/keyword-intel/shared/database/databasetest"
	"github.com/cuongbtq/keyword-intel/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoller_Run(t *testing.T) {
	ctx := context.Background()
	log := logger.NewDiscard().Logger
	store := keywords.NewStore(databasetest.Open(t, keywords.Schema), log)

	for _, rec := range []*domain.KeywordRecord{
		{ID: "k1", Keyword: "running shoes", CountryCode: "us"},
		{ID: "k2", Keyword: "unknown", CountryCode: "DE"},
		{ID: "k3", Keyword: "broken", CountryCode: "US"},
		{ID: "k4", Keyword: "nowhere", CountryCode: "XYZ"},
	} {
		rec.OwnerID = "o1"
		rec.IsActive = true
		require.NoError(t, store.Insert(ctx, rec))
	}

	enricher := &fakeEnricher{failures: map[string]*enrichment.ResultError{
		"broken": {Kind: domain.KindNetwork, Message: "timeout", Retryable: true},
	}}
	poller := NewPoller(PollerConfig{BatchSize: 10}, store, enricher, log)

	stats, err := poller.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollStats{Seen: 4, Linked: 2, Skipped: 2}, stats)

	// linked even though the provider had no data for it
	rec, err := store.Get(ctx, "k2")
	require.NoError(t, err)
	require.NotNil(t, rec.CacheEntryRef)
	assert.Equal(t, "entry-unknown", *rec.CacheEntryRef)

	left, err := store.ListUnenriched(ctx, keywords.Cursor{}, 10)
	require.NoError(t, err)
	var ids []string
	for _, r := range left {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"k3", "k4"}, ids)
}

func TestPoller_ContinuesAcrossBatches(t *testing.T) {
	ctx := context.Background()
	log := logger.NewDiscard().Logger
	store := keywords.NewStore(databasetest.Open(t, keywords.Schema), log)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Insert(ctx, &domain.KeywordRecord{
			ID: fmt.Sprintf("k%d", i), OwnerID: "o1", Keyword: fmt.Sprintf("kw %d", i), CountryCode: "US", IsActive: true,
		}))
	}

	poller := NewPoller(PollerConfig{BatchSize: 2}, store, &fakeEnricher{}, log)
	stats, err := poller.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Linked)

	left, err := store.ListUnenriched(ctx, keywords.Cursor{}, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestPoller_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	log := logger.NewDiscard().Logger
	store := keywords.NewStore(databasetest.Open(t, keywords.Schema), log)
	require.NoError(t, store.Insert(ctx, &domain.KeywordRecord{ID: "k1", OwnerID: "o1", Keyword: "a", CountryCode: "US", IsActive: true}))
	require.NoError(t, store.Insert(ctx, &domain.KeywordRecord{ID: "k2", OwnerID: "o1", Keyword: "b", CountryCode: "US", IsActive: true}))

	enricher := &fakeEnricher{onEnrich: cancel}
	poller := NewPoller(PollerConfig{BatchSize: 10, Interval: 60 * time.Second}, store, enricher, log)

	stats, err := poller.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stats.Seen)
}

func TestPoller_FailingRecordsDoNotStarveLaterOnes(t *testing.T) {
	ctx := context.Background()
	log := logger.NewDiscard().Logger
	store := keywords.NewStore(databasetest.Open(t, keywords.Schema), log)
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	for i, rec := range []*domain.KeywordRecord{
		{ID: "k1", Keyword: "nowhere one", CountryCode: "XYZ"},
		{ID: "k2", Keyword: "nowhere two", CountryCode: "XYZ"},
		{ID: "k3", Keyword: "running shoes", CountryCode: "US"},
	} {
		rec.OwnerID = "o1"
		rec.IsActive = true
		rec.CreatedAt = created.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Insert(ctx, rec))
	}

	poller := NewPoller(PollerConfig{BatchSize: 2}, store, &fakeEnricher{}, log)
	stats, err := poller.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollStats{Seen: 3, Linked: 1, Skipped: 2}, stats)

	rec, err := store.Get(ctx, "k3")
	require.NoError(t, err)
	require.NotNil(t, rec.CacheEntryRef)
	assert.Equal(t, "entry-running shoes", *rec.CacheEntryRef)
}

func TestPoller_RunsDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	log := logger.NewDiscard().Logger
	store := keywords.NewStore(databasetest.Open(t, keywords.Schema), log)

	for i := 0; i < 4; i++ {
		require.NoError(t, store.Insert(ctx, &domain.KeywordRecord{
			ID: fmt.Sprintf("k%d", i), OwnerID: "o1", Keyword: fmt.Sprintf("kw %d", i), CountryCode: "US", IsActive: true,
		}))
	}

	var calls atomic.Int32
	enricher := &fakeEnricher{onEnrich: func() {
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
	}}
	poller := NewPoller(PollerConfig{BatchSize: 10}, store, enricher, log)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := poller.Run(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// the second run only starts once the first has linked everything
	assert.Equal(t, int32(4), calls.Load())
}
