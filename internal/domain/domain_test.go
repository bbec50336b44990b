package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobStatusQueued, false},
		{JobStatusProcessing, false},
		{JobStatusRetrying, false},
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
		{JobStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.True(t, tt.status.IsValid())
		})
	}
	assert.False(t, JobStatus("PENDING").IsValid())
}

func TestPriority_Rank(t *testing.T) {
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityNormal.Rank(), Priority("").Rank())
	assert.False(t, Priority("urgent").IsValid())
}

func TestPayload_Validate(t *testing.T) {
	tooMany := make([]string, MaxBulkKeywords+1)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("kw %d", i)
	}

	tests := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"single ok", SinglePayload{Keyword: "shoes", CountryCode: "us"}, false},
		{"single blank keyword", SinglePayload{Keyword: "  ", CountryCode: "us"}, true},
		{"single missing country", SinglePayload{Keyword: "shoes"}, true},
		{"bulk ok", BulkPayload{Keywords: []string{"a", "b"}, CountryCode: "us"}, false},
		{"bulk empty", BulkPayload{CountryCode: "us"}, true},
		{"bulk too many", BulkPayload{Keywords: tooMany, CountryCode: "us"}, true},
		{"refresh ok", CacheRefreshPayload{OlderThanDays: 7}, false},
		{"refresh zero days", CacheRefreshPayload{}, true},
		{"refresh negative limit", CacheRefreshPayload{OlderThanDays: 7, Limit: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidPayload)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	raw, err := EncodePayload(BulkPayload{Keywords: []string{"a", "b"}, CountryCode: "US", ForceRefresh: true})
	require.NoError(t, err)

	p, err := DecodePayload(JobTypeBulk, raw)
	require.NoError(t, err)
	bulk, ok := p.(BulkPayload)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, bulk.Keywords)
	assert.True(t, bulk.ForceRefresh)
	assert.Equal(t, 2, p.KeywordCount())

	_, err = DecodePayload(JobType("mystery"), raw)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecodePayload(JobTypeSingle, []byte("{not json"))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = EncodePayload(nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestError_Retryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"authentication", &Error{Kind: KindAuthentication, StatusCode: 401}, false},
		{"rate limit", &Error{Kind: KindRateLimit, StatusCode: 429}, true},
		{"quota", &Error{Kind: KindQuotaExceeded}, false},
		{"invalid request", &Error{Kind: KindInvalidRequest, StatusCode: 400}, false},
		{"network", &Error{Kind: KindNetwork}, true},
		{"timeout", &Error{Kind: KindTimeout}, true},
		{"parsing", &Error{Kind: KindParsing}, false},
		{"storage", &Error{Kind: KindStorage}, true},
		{"unknown 5xx", &Error{Kind: KindUnknown, StatusCode: 502}, true},
		{"unknown without status", &Error{Kind: KindUnknown}, false},
		{"wrapped", fmt.Errorf("chunk 2: %w", &Error{Kind: KindNetwork}), true},
		{"retryable wrapper", NewRetryableError(errors.New("db down")), true},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindRateLimit, Message: "too many requests", StatusCode: 429, Cause: errors.New("slow down")}
	assert.Equal(t, "rate_limit: too many requests (status 429): slow down", err.Error())
	assert.Equal(t, KindRateLimit, KindOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, KindUnknown, KindOf(errors.New("x")))
}

func TestResetInterval_Next(t *testing.T) {
	tests := []struct {
		name     string
		interval ResetInterval
		from     time.Time
		want     time.Time
	}{
		{"daily across month end", ResetDaily, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		{"monthly mid month", ResetMonthly, time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC), time.Date(2024, 2, 15, 9, 30, 0, 0, time.UTC)},
		{"monthly clamps to leap february", ResetMonthly, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
		{"monthly clamps to february", ResetMonthly, time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC), time.Date(2023, 2, 28, 0, 0, 0, 0, time.UTC)},
		{"monthly clamps to 30 day month", ResetMonthly, time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC), time.Date(2024, 4, 30, 12, 0, 0, 0, time.UTC)},
		{"monthly across year end", ResetMonthly, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.interval.Next(tt.from))
		})
	}
}
