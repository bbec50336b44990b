package domain

import "time"

// ResetInterval is how often provider usage rolls over.
type ResetInterval string

const (
	ResetDaily   ResetInterval = "daily"
	ResetMonthly ResetInterval = "monthly"
)

// Next returns the reset time one interval after t. A monthly reset keeps
// the day of month, clamped to the last day of a shorter month.
func (r ResetInterval) Next(t time.Time) time.Time {
	if r == ResetDaily {
		return t.AddDate(0, 0, 1)
	}
	year, month, day := t.Date()
	// day 0 of the month after next is the last day of next month
	last := time.Date(year, month+2, 0, 0, 0, 0, 0, t.Location()).Day()
	return time.Date(year, month+1, min(day, last), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// QuotaRecord holds provider credentials and cumulative usage for one
// service, optionally scoped to an owner.
type QuotaRecord struct {
	ServiceID     string        `json:"service_id"`
	OwnerID       string        `json:"owner_id,omitempty"`
	APIKey        string        `json:"-"`
	APIBaseURL    string        `json:"api_base_url"`
	QuotaLimit    int64         `json:"quota_limit"`
	QuotaUsed     int64         `json:"quota_used"`
	QuotaResetAt  *time.Time    `json:"quota_reset_at,omitempty"`
	ResetInterval ResetInterval `json:"reset_interval"`
	IsActive      bool          `json:"is_active"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// QuotaStatus is the derived view of a QuotaRecord.
type QuotaStatus struct {
	Used             int64      `json:"used"`
	Limit            int64      `json:"limit"`
	Remaining        int64      `json:"remaining"`
	Percentage       float64    `json:"percentage"`
	ApproachingLimit bool       `json:"approaching_limit"`
	Exceeded         bool       `json:"exceeded"`
	ResetAt          *time.Time `json:"reset_at,omitempty"`
	Unlimited        bool       `json:"unlimited"`
}
