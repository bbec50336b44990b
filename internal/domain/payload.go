package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MaxBulkKeywords bounds a single bulk job.
const MaxBulkKeywords = 1000

// Payload is the tagged union of job inputs. The concrete type always agrees
// with JobType().
type Payload interface {
	JobType() JobType
	Validate() error
	// KeywordCount is the number of keywords the job will look at, or 0 if
	// unknown up front.
	KeywordCount() int
}

// SinglePayload enriches one keyword and optionally links a keyword record.
type SinglePayload struct {
	Keyword         string `json:"keyword"`
	CountryCode     string `json:"country_code"`
	LanguageCode    string `json:"language_code,omitempty"`
	KeywordRecordID string `json:"keyword_record_id,omitempty"`
	ForceRefresh    bool   `json:"force_refresh,omitempty"`
}

func (SinglePayload) JobType() JobType  { return JobTypeSingle }
func (SinglePayload) KeywordCount() int { return 1 }

func (p SinglePayload) Validate() error {
	if strings.TrimSpace(p.Keyword) == "" {
		return fmt.Errorf("%w: keyword is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.CountryCode) == "" {
		return fmt.Errorf("%w: country_code is required", ErrInvalidPayload)
	}
	return nil
}

// BulkPayload enriches a list of keywords sharing one locale.
type BulkPayload struct {
	Keywords     []string `json:"keywords"`
	CountryCode  string   `json:"country_code"`
	LanguageCode string   `json:"language_code,omitempty"`
	ForceRefresh bool     `json:"force_refresh,omitempty"`
}

func (BulkPayload) JobType() JobType    { return JobTypeBulk }
func (p BulkPayload) KeywordCount() int { return len(p.Keywords) }

func (p BulkPayload) Validate() error {
	if len(p.Keywords) == 0 {
		return fmt.Errorf("%w: keywords must not be empty", ErrInvalidPayload)
	}
	if len(p.Keywords) > MaxBulkKeywords {
		return fmt.Errorf("%w: at most %d keywords per job", ErrInvalidPayload, MaxBulkKeywords)
	}
	if strings.TrimSpace(p.CountryCode) == "" {
		return fmt.Errorf("%w: country_code is required", ErrInvalidPayload)
	}
	return nil
}

// CacheRefreshPayload re-fetches cached entries whose data is older than
// OlderThanDays.
type CacheRefreshPayload struct {
	OlderThanDays int    `json:"older_than_days"`
	CountryCode   string `json:"country_code,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

func (CacheRefreshPayload) JobType() JobType    { return JobTypeCacheRefresh }
func (p CacheRefreshPayload) KeywordCount() int { return p.Limit }

func (p CacheRefreshPayload) Validate() error {
	if p.OlderThanDays <= 0 {
		return fmt.Errorf("%w: older_than_days must be positive", ErrInvalidPayload)
	}
	if p.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidPayload)
	}
	return nil
}

// EncodePayload serializes p for storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	return json.Marshal(p)
}

// DecodePayload restores the concrete payload for a job type.
func DecodePayload(t JobType, raw []byte) (Payload, error) {
	switch t {
	case JobTypeSingle:
		var p SinglePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	case JobTypeBulk:
		var p BulkPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	case JobTypeCacheRefresh:
		var p CacheRefreshPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidPayload, t)
	}
}
