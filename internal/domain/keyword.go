package domain

import "time"

// Intent is the heuristic search intent of a keyword.
type Intent string

const (
	IntentCommercial    Intent = "commercial"
	IntentTransactional Intent = "transactional"
	IntentNavigational  Intent = "navigational"
	IntentInformational Intent = "informational"
)

// TrendPoint is one month of search volume history.
type TrendPoint struct {
	Month  string `json:"month"`
	Volume int64  `json:"volume"`
}

// KeywordMetrics is one item of a provider response after coercion.
type KeywordMetrics struct {
	Keyword      string       `json:"keyword"`
	IsDataFound  bool         `json:"is_data_found"`
	Volume       *int64       `json:"volume,omitempty"`
	CPC          *float64     `json:"cpc,omitempty"`
	Competition  *float64     `json:"competition,omitempty"`
	Difficulty   *float64     `json:"difficulty,omitempty"`
	HistoryTrend []TrendPoint `json:"history_trend,omitempty"`
}

// CacheEntry is a Keyword Bank row. A row with IsDataFound=false records that
// the provider has no market data for the tuple.
type CacheEntry struct {
	ID            string       `json:"id"`
	Keyword       string       `json:"keyword"`
	CountryCode   string       `json:"country_code"`
	LanguageCode  string       `json:"language_code"`
	IsDataFound   bool         `json:"is_data_found"`
	Volume        *int64       `json:"volume,omitempty"`
	CPC           *float64     `json:"cpc,omitempty"`
	Competition   *float64     `json:"competition,omitempty"`
	Difficulty    *float64     `json:"difficulty,omitempty"`
	HistoryTrend  []TrendPoint `json:"history_trend,omitempty"`
	Intent        *Intent      `json:"intent,omitempty"`
	DataUpdatedAt time.Time    `json:"data_updated_at"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// KeywordRecord is a user-owned keyword. The pipeline only writes the
// linkage fields.
type KeywordRecord struct {
	ID                    string     `json:"id"`
	OwnerID               string     `json:"owner_id"`
	Keyword               string     `json:"keyword"`
	CountryCode           string     `json:"country_code"`
	CacheEntryRef         *string    `json:"cache_entry_ref,omitempty"`
	IntelligenceUpdatedAt *time.Time `json:"intelligence_updated_at,omitempty"`
	IsActive              bool       `json:"is_active"`
	CreatedAt             time.Time  `json:"created_at"`
}
