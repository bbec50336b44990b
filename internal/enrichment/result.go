package enrichment

import (
	"errors"

	"github.com/cuongbtq/keyword-intel/internal/domain"
)

// Source says where a result's data came from.
type Source string

const (
	SourceCache Source = "cache"
	SourceAPI   Source = "api"
)

// Metadata describes how a result was produced.
type Metadata struct {
	Source Source `json:"source,omitempty"`
}

// ResultError is the serializable failure of one keyword.
type ResultError struct {
	Kind              domain.ErrorKind `json:"kind"`
	Message           string           `json:"message"`
	Retryable         bool             `json:"retryable"`
	RetryAfterSeconds int              `json:"retry_after_seconds,omitempty"`

	err error
}

func (e *ResultError) Error() string {
	if e.err == nil {
		return e.Message
	}
	return e.err.Error()
}

func (e *ResultError) Unwrap() error { return e.err }

func newResultError(err error) *ResultError {
	var de *domain.Error
	if !errors.As(err, &de) {
		de = domain.WrapError(domain.KindUnknown, err, "enrichment failed")
		err = de
	}
	return &ResultError{
		Kind:              de.Kind,
		Message:           de.Error(),
		Retryable:         de.Retryable(),
		RetryAfterSeconds: int(de.RetryAfter.Seconds()),
		err:               err,
	}
}

// Result is the envelope returned for every keyword. Exactly one of Data and
// Error is set.
type Result struct {
	Keyword  string             `json:"keyword"`
	Success  bool               `json:"success"`
	Data     *domain.CacheEntry `json:"data,omitempty"`
	Error    *ResultError       `json:"error,omitempty"`
	Metadata Metadata           `json:"metadata"`
}

// Err returns the failure as an error, or nil on success.
func (r *Result) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// Retryable reports whether a failed result may succeed later.
func (r *Result) Retryable() bool {
	return r.Error != nil && r.Error.Retryable
}

func success(entry *domain.CacheEntry, source Source) *Result {
	return &Result{Keyword: entry.Keyword, Success: true, Data: entry, Metadata: Metadata{Source: source}}
}

func failure(keyword string, err error) *Result {
	return &Result{Keyword: keyword, Error: newResultError(err)}
}

// BulkResult holds one Result per distinct normalized keyword, in order.
type BulkResult struct {
	Results       []*Result `json:"results"`
	CacheHits     int       `json:"cache_hits"`
	Fetched       int       `json:"fetched"`
	Failed        int       `json:"failed"`
	ProviderCalls int       `json:"provider_calls"`
}
