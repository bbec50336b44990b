package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/internal/enrichment"
	"github.com/cuongbtq/keyword-intel/internal/keywordbank"
	"github.com/cuongbtq/keyword-intel/internal/keywords"
	"github.com/cuongbtq/keyword-intel/internal/queue"
	"github.com/cuongbtq/keyword-intel/shared/database/databasetest"
	"github.com/cuongbtq/keyword-intel/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEnricher answers from a table of per-keyword outcomes. Keywords not in
// the table succeed with data found.
type fakeEnricher struct {
	mu       sync.Mutex
	failures map[string]*enrichment.ResultError
	bulkReqs []enrichment.BulkRequest
	onEnrich func()
}

func (f *fakeEnricher) result(keyword string) *enrichment.Result {
	if e, ok := f.failures[keyword]; ok {
		return &enrichment.Result{Keyword: keyword, Error: e}
	}
	return &enrichment.Result{
		Keyword:  keyword,
		Success:  true,
		Data:     &domain.CacheEntry{ID: "entry-" + keyword, Keyword: keyword, IsDataFound: keyword != "unknown"},
		Metadata: enrichment.Metadata{Source: enrichment.SourceAPI},
	}
}

func (f *fakeEnricher) EnrichKeyword(_ context.Context, req enrichment.Request) *enrichment.Result {
	if f.onEnrich != nil {
		f.onEnrich()
	}
	return f.result(keywordbank.NormalizeKeyword(req.Keyword))
}

func (f *fakeEnricher) EnrichBulk(_ context.Context, req enrichment.BulkRequest) *enrichment.BulkResult {
	f.mu.Lock()
	f.bulkReqs = append(f.bulkReqs, req)
	f.mu.Unlock()

	out := &enrichment.BulkResult{ProviderCalls: 1}
	for _, kw := range keywordbank.NormalizeKeywords(req.Keywords) {
		r := f.result(kw)
		if r.Success {
			out.Fetched++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, r)
	}
	if req.Progress != nil {
		req.Progress(out.Results)
	}
	return out
}

type workerEnv struct {
	queue    *queue.Queue
	records  *keywords.Store
	bank     *keywordbank.Store
	enricher *fakeEnricher
	worker   *Worker
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	log := logger.NewDiscard().Logger
	db := databasetest.Open(t, queue.Schema, keywords.Schema, keywordbank.Schema)

	env := &workerEnv{
		queue:    queue.New(db, queue.Config{MaxRetries: 2}, nil, log),
		records:  keywords.NewStore(db, log),
		bank:     keywordbank.NewStore(db, log),
		enricher: &fakeEnricher{failures: map[string]*enrichment.ResultError{}},
	}
	env.worker = NewWorker(Config{WorkerID: "test", Concurrency: 2, PollInterval: 20 * time.Millisecond},
		env.queue, env.enricher, env.bank, env.records, log)
	return env
}

// run dequeues the next job as workerName and processes it.
func (e *workerEnv) run(t *testing.T, jobID string) *domain.Job {
	t.Helper()
	ctx := context.Background()
	job, err := e.queue.Dequeue(ctx, "test-0")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, jobID, job.ID)

	e.worker.processJob(ctx, "test-0", job)

	job, err = e.queue.Get(ctx, jobID)
	require.NoError(t, err)
	return job
}

func TestProcessJob_SingleLinksRecord(t *testing.T) {
	ctx := context.Background()
	env := newWorkerEnv(t)
	require.NoError(t, env.records.Insert(ctx, &domain.KeywordRecord{
		ID: "kw-1", OwnerID: "o1", Keyword: "Buy Shoes", CountryCode: "US", IsActive: true,
	}))

	id, err := env.queue.Enqueue(ctx, "o1", domain.JobSpec{Payload: domain.SinglePayload{
		Keyword: "Buy Shoes", CountryCode: "US", KeywordRecordID: "kw-1",
	}}, nil)
	require.NoError(t, err)

	job := env.run(t, id)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Progress.Processed)
	assert.Equal(t, 1, job.Progress.Successful)

	var result JobResult
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 1, result.Fetched)

	rec, err := env.records.Get(ctx, "kw-1")
	require.NoError(t, err)
	require.NotNil(t, rec.CacheEntryRef)
	assert.Equal(t, "entry-buy shoes", *rec.CacheEntryRef)
}

func TestProcessJob_SingleFailure(t *testing.T) {
	tests := []struct {
		name       string
		err        *enrichment.ResultError
		wantStatus domain.JobStatus
	}{
		{
			name:       "retryable reschedules",
			err:        &enrichment.ResultError{Kind: domain.KindNetwork, Message: "connection reset", Retryable: true},
			wantStatus: domain.JobStatusRetrying,
		},
		{
			name:       "permanent fails",
			err:        &enrichment.ResultError{Kind: domain.KindAuthentication, Message: "bad key"},
			wantStatus: domain.JobStatusFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newWorkerEnv(t)
			env.enricher.failures["shoes"] = tt.err

			id, err := env.queue.Enqueue(ctx, "o1", domain.JobSpec{Payload: domain.SinglePayload{Keyword: "shoes", CountryCode: "US"}}, nil)
			require.NoError(t, err)

			job := env.run(t, id)
			assert.Equal(t, tt.wantStatus, job.Status)
			assert.Equal(t, 1, job.Progress.Failed)
			require.NotNil(t, job.ErrorMessage)
			assert.Equal(t, tt.err.Message, *job.ErrorMessage)
		})
	}
}

func TestProcessJob_BulkIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	env := newWorkerEnv(t)
	env.enricher.failures["b"] = &enrichment.ResultError{Kind: domain.KindParsing, Message: "bad item"}

	id, err := env.queue.Enqueue(ctx, "o1", domain.JobSpec{Payload: domain.BulkPayload{
		Keywords: []string{"a", "b", "c", "A", " "}, CountryCode: "US",
	}}, nil)
	require.NoError(t, err)

	job := env.run(t, id)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 5, job.Progress.Total)
	assert.Equal(t, 3, job.Progress.Processed)
	assert.Equal(t, 2, job.Progress.Successful)
	assert.Equal(t, 1, job.Progress.Failed)
	assert.Equal(t, 2, job.Progress.Skipped)

	var result JobResult
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, 3, result.Processed)
	assert.Len(t, result.Results, 3)
}

func TestProcessJob_BulkAllRetryableFailuresReschedule(t *testing.T) {
	ctx := context.Background()
	env := newWorkerEnv(t)
	for _, kw := range []string{"a", "b"} {
		env.enricher.failures[kw] = &enrichment.ResultError{Kind: domain.KindRateLimit, Message: "429", Retryable: true}
	}

	id, err := env.queue.Enqueue(ctx, "o1", domain.JobSpec{Payload: domain.BulkPayload{Keywords: []string{"a", "b"}, CountryCode: "US"}}, nil)
	require.NoError(t, err)

	job := env.run(t, id)
	assert.Equal(t, domain.JobStatusRetrying, job.Status)
	assert.Equal(t, 1, job.RetryCount)
}

func TestProcessJob_CancelledWhileRunning(t *testing.T) {
	ctx := context.Background()
	env := newWorkerEnv(t)

	id, err := env.queue.Enqueue(ctx, "o1", domain.JobSpec{Payload: domain.SinglePayload{Keyword: "shoes", CountryCode: "US"}}, nil)
	require.NoError(t, err)

	// cancellation lands while the provider call is in flight
	env.enricher.onEnrich = func() {
		_, err := env.queue.Cancel(ctx, id, "o1")
		require.NoError(t, err)
	}

	job := env.run(t, id)
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.Nil(t, job.Result)
}

func TestProcessJob_CacheRefreshGroupsByLocale(t *testing.T) {
	ctx := context.Background()
	env := newWorkerEnv(t)

	old := time.Now().Add(-40 * 24 * time.Hour)
	for _, e := range []*domain.CacheEntry{
		{Keyword: "shoes", CountryCode: "US", LanguageCode: "en", DataUpdatedAt: old},
		{Keyword: "boots", CountryCode: "US", LanguageCode: "en", DataUpdatedAt: old},
		{Keyword: "schuhe", CountryCode: "DE", LanguageCode: "de", DataUpdatedAt: old},
		{Keyword: "fresh", CountryCode: "US", LanguageCode: "en", DataUpdatedAt: time.Now()},
	} {
		_, err := env.bank.Upsert(ctx, e)
		require.NoError(t, err)
	}

	id, err := env.queue.Enqueue(ctx, "o1", domain.JobSpec{Payload: domain.CacheRefreshPayload{OlderThanDays: 30}}, nil)
	require.NoError(t, err)

	job := env.run(t, id)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)

	require.Len(t, env.enricher.bulkReqs, 2)
	byCountry := map[string][]string{}
	for _, req := range env.enricher.bulkReqs {
		assert.True(t, req.ForceRefresh)
		byCountry[req.CountryCode] = req.Keywords
	}
	assert.ElementsMatch(t, []string{"shoes", "boots"}, byCountry["US"])
	assert.Equal(t, []string{"schuhe"}, byCountry["DE"])

	var result JobResult
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, 3, result.Successful)
	assert.Empty(t, result.Results)
}

func TestExecuteJob_UnsupportedPayload(t *testing.T) {
	env := newWorkerEnv(t)
	_, err := env.worker.executeJob(context.Background(), "test-0", &domain.Job{
		ID:      "j1",
		Payload: &domain.SinglePayload{Keyword: "x", CountryCode: "US"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	assert.False(t, shouldRetry(err))
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, shouldRetry(context.DeadlineExceeded))
	assert.True(t, shouldRetry(domain.NewError(domain.KindTimeout, "slow")))
	assert.False(t, shouldRetry(domain.NewError(domain.KindQuotaExceeded, "spent")))
	assert.True(t, shouldRetry(&enrichment.ResultError{Retryable: true}))
	assert.False(t, shouldRetry(&enrichment.ResultError{Kind: domain.KindTimeout}))
}

func TestWorker_StartProcessesQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newWorkerEnv(t)

	var ids []string
	for _, kw := range []string{"a", "b", "c"} {
		id, err := env.queue.Enqueue(ctx, "o1", domain.JobSpec{Payload: domain.SinglePayload{Keyword: kw, CountryCode: "US"}}, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	done := make(chan error, 1)
	go func() { done <- env.worker.Start(ctx) }()
	env.worker.Wake()

	require.Eventually(t, func() bool {
		stats, err := env.queue.Stats(ctx)
		return err == nil && stats.Completed == len(ids)
	}, 5*time.Second, 20*time.Millisecond)

	env.worker.Stop()
	env.worker.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

// stepEnricher enriches bulk keywords one at a time and, like the real
// service, reports everything left as an interrupted failure once ctx ends.
type stepEnricher struct {
	afterEach func(ctx context.Context, done int)
}

func (s *stepEnricher) EnrichKeyword(ctx context.Context, req enrichment.Request) *enrichment.Result {
	return s.EnrichBulk(ctx, enrichment.BulkRequest{Keywords: []string{req.Keyword}}).Results[0]
}

func (s *stepEnricher) EnrichBulk(ctx context.Context, req enrichment.BulkRequest) *enrichment.BulkResult {
	out := &enrichment.BulkResult{}
	for i, kw := range req.Keywords {
		r := &enrichment.Result{
			Keyword:  kw,
			Success:  true,
			Data:     &domain.CacheEntry{ID: "entry-" + kw, Keyword: kw, IsDataFound: true},
			Metadata: enrichment.Metadata{Source: enrichment.SourceAPI},
		}
		if ctx.Err() != nil {
			r = &enrichment.Result{Keyword: kw, Error: &enrichment.ResultError{
				Kind: domain.KindNetwork, Message: "enrichment interrupted", Retryable: true,
			}}
			out.Failed++
		} else {
			out.Fetched++
			out.ProviderCalls++
		}
		out.Results = append(out.Results, r)
		if req.Progress != nil {
			req.Progress([]*enrichment.Result{r})
		}
		if s.afterEach != nil && r.Success {
			s.afterEach(ctx, i+1)
		}
	}
	return out
}

func TestProcessJob_ShutdownMidBulkReleasesJob(t *testing.T) {
	ctx := context.Background()
	env := newWorkerEnv(t)

	id, err := env.queue.Enqueue(ctx, "o1", domain.JobSpec{Payload: domain.BulkPayload{
		Keywords: []string{"a", "b", "c"}, CountryCode: "US",
	}}, nil)
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	env.worker.enricher = &stepEnricher{afterEach: func(_ context.Context, done int) {
		if done == 1 {
			stop()
		}
	}}

	job, err := env.queue.Dequeue(ctx, "test-0")
	require.NoError(t, err)
	env.worker.processJob(runCtx, "test-0", job)

	job, err = env.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.Nil(t, job.Result)
	assert.Nil(t, job.LockedBy)
	// progress written after the stop still lands
	assert.Equal(t, 3, job.Progress.Processed)
	assert.Equal(t, 1, job.Progress.Successful)
	assert.Equal(t, 2, job.Progress.Failed)

	// the next attempt starts its counters over and finishes the job
	env.worker.enricher = env.enricher
	job = env.run(t, id)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.Progress.Processed)
	assert.Equal(t, 3, job.Progress.Successful)
	assert.Equal(t, 0, job.Progress.Failed)
}

func TestProcessJob_TimeoutMidBulkSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	env := newWorkerEnv(t)
	env.worker.jobTimeout = 50 * time.Millisecond

	id, err := env.queue.Enqueue(ctx, "o1", domain.JobSpec{Payload: domain.BulkPayload{
		Keywords: []string{"a", "b", "c"}, CountryCode: "US",
	}}, nil)
	require.NoError(t, err)

	env.worker.enricher = &stepEnricher{afterEach: func(ctx context.Context, done int) {
		if done == 1 {
			<-ctx.Done()
		}
	}}

	job := env.run(t, id)
	assert.Equal(t, domain.JobStatusRetrying, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Nil(t, job.Result)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "job timed out")
}
