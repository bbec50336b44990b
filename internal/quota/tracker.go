// Package quota tracks cumulative provider usage against the configured
// soft limit and raises one-shot threshold alerts.
//
// Usage is incremented read-then-write. Two workers recording at the same
// moment can lose an update; the limit is advisory so this is accepted.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/internal/provider"
	"github.com/jmoiron/sqlx"
)

// AlertLevel names a usage threshold.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is raised once per threshold per reset cycle.
type Alert struct {
	ServiceID  string     `json:"service_id"`
	Level      AlertLevel `json:"level"`
	Used       int64      `json:"used"`
	Limit      int64      `json:"limit"`
	Percentage float64    `json:"percentage"`
	RaisedAt   time.Time  `json:"raised_at"`
}

// AlertHandler receives threshold alerts.
type AlertHandler interface {
	HandleQuotaAlert(ctx context.Context, alert Alert)
}

// Reasons returned by CheckQuotaAvailable.
const (
	ReasonInactive = "integration inactive"
	ReasonExceeded = "quota exceeded"
)

// Availability answers whether a call may spend count units.
type Availability struct {
	Allowed bool               `json:"allowed"`
	Reason  string             `json:"reason,omitempty"`
	Status  domain.QuotaStatus `json:"status"`
}

// Config identifies the tracked service and its thresholds (percent).
type Config struct {
	ServiceID         string
	WarningPercent    float64
	CriticalPercent   float64
	DefaultAPIBaseURL string
}

// Tracker owns the quota record of one provider service.
type Tracker struct {
	store  *settingsStore
	config Config
	alerts AlertHandler
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[AlertLevel]bool
}

// NewTracker creates a Tracker. alerts may be nil.
func NewTracker(db *sqlx.DB, cfg Config, alerts AlertHandler, logger *slog.Logger) *Tracker {
	if cfg.ServiceID == "" {
		cfg.ServiceID = "keyword_provider"
	}
	if cfg.WarningPercent <= 0 {
		cfg.WarningPercent = 80
	}
	if cfg.CriticalPercent <= 0 {
		cfg.CriticalPercent = 95
	}
	return &Tracker{
		store:  &settingsStore{db: db},
		config: cfg,
		alerts: alerts,
		logger: logger.With("component", "quota_tracker"),
		now:    time.Now,
		active: make(map[AlertLevel]bool),
	}
}

func (t *Tracker) defaults(ownerID string) *domain.QuotaRecord {
	return &domain.QuotaRecord{
		ServiceID:     t.config.ServiceID,
		OwnerID:       ownerID,
		APIBaseURL:    t.config.DefaultAPIBaseURL,
		ResetInterval: domain.ResetMonthly,
	}
}

// GetSettings returns the owner's record, falling back to the global one and
// then to inert defaults (no quota, inactive). An unconfigured service is
// not an error.
func (t *Tracker) GetSettings(ctx context.Context, ownerID string) (*domain.QuotaRecord, error) {
	if ownerID != "" {
		rec, err := t.store.find(ctx, t.config.ServiceID, ownerID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	rec, err := t.store.find(ctx, t.config.ServiceID, "")
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return t.defaults(ownerID), nil
	}
	return rec, nil
}

// SaveSettings creates or replaces a record. A missing reset date is set one
// interval from now.
func (t *Tracker) SaveSettings(ctx context.Context, rec *domain.QuotaRecord) error {
	if rec.ServiceID == "" {
		rec.ServiceID = t.config.ServiceID
	}
	if rec.ResetInterval == "" {
		rec.ResetInterval = domain.ResetMonthly
	}
	if rec.ResetInterval != domain.ResetDaily && rec.ResetInterval != domain.ResetMonthly {
		return fmt.Errorf("invalid reset interval %q", rec.ResetInterval)
	}
	now := t.now()
	if rec.QuotaResetAt == nil {
		next := rec.ResetInterval.Next(now)
		rec.QuotaResetAt = &next
	}
	rec.UpdatedAt = now
	return t.store.save(ctx, rec)
}

// Credentials implements provider.CredentialSource from the global record.
func (t *Tracker) Credentials(ctx context.Context) (*provider.Credentials, error) {
	rec, err := t.GetSettings(ctx, "")
	if err != nil {
		return nil, err
	}
	if !rec.IsActive {
		return nil, domain.NewError(domain.KindAuthentication, "integration %s is not active", rec.ServiceID)
	}
	return &provider.Credentials{APIKey: rec.APIKey, BaseURL: rec.APIBaseURL}, nil
}

func statusOf(rec *domain.QuotaRecord) domain.QuotaStatus {
	s := domain.QuotaStatus{
		Used:    rec.QuotaUsed,
		Limit:   rec.QuotaLimit,
		ResetAt: rec.QuotaResetAt,
	}
	if rec.QuotaLimit <= 0 {
		s.Unlimited = true
		return s
	}
	s.Remaining = rec.QuotaLimit - rec.QuotaUsed
	if s.Remaining < 0 {
		s.Remaining = 0
	}
	s.Percentage = float64(rec.QuotaUsed) / float64(rec.QuotaLimit) * 100
	s.ApproachingLimit = s.Percentage >= 80
	s.Exceeded = s.Percentage >= 100
	return s
}

// QuotaStatus reports usage of the global record.
func (t *Tracker) QuotaStatus(ctx context.Context) (*domain.QuotaStatus, error) {
	rec, err := t.GetSettings(ctx, "")
	if err != nil {
		return nil, err
	}
	s := statusOf(rec)
	return &s, nil
}

// CheckQuotaAvailable reports whether count more units fit. A non-positive
// limit on an active record means unlimited.
func (t *Tracker) CheckQuotaAvailable(ctx context.Context, count int64) (*Availability, error) {
	rec, err := t.GetSettings(ctx, "")
	if err != nil {
		return nil, err
	}

	a := &Availability{Allowed: true, Status: statusOf(rec)}
	switch {
	case !rec.IsActive:
		a.Allowed, a.Reason = false, ReasonInactive
	case a.Status.Unlimited:
	case rec.QuotaUsed+count > rec.QuotaLimit:
		a.Allowed, a.Reason = false, ReasonExceeded
	}
	return a, nil
}

// RecordUsage adds count to the global counter and evaluates thresholds.
func (t *Tracker) RecordUsage(ctx context.Context, count int64, metadata map[string]any) (*domain.QuotaStatus, error) {
	if count <= 0 {
		return t.QuotaStatus(ctx)
	}

	rec, err := t.store.find(ctx, t.config.ServiceID, "")
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// nothing to count against until the integration is configured
		t.logger.Debug("Quota usage not recorded, integration not configured",
			slog.Int64("count", count),
		)
		s := statusOf(t.defaults(""))
		return &s, nil
	}

	rec.QuotaUsed += count
	rec.UpdatedAt = t.now()
	if err := t.store.setUsage(ctx, rec); err != nil {
		return nil, err
	}

	attrs := []any{
		slog.Int64("count", count),
		slog.Int64("used", rec.QuotaUsed),
		slog.Int64("limit", rec.QuotaLimit),
	}
	if len(metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", metadata))
	}
	t.logger.Debug("Quota usage recorded", attrs...)

	s := statusOf(rec)
	t.evaluate(ctx, rec, s)
	return &s, nil
}

// ResetUsage zeroes the counter and starts a new cycle from now.
func (t *Tracker) ResetUsage(ctx context.Context) error {
	rec, err := t.store.find(ctx, t.config.ServiceID, "")
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	now := t.now()
	next := rec.ResetInterval.Next(now)
	rec.QuotaUsed = 0
	rec.QuotaResetAt = &next
	rec.UpdatedAt = now
	if err := t.store.setUsage(ctx, rec); err != nil {
		return err
	}
	t.clearAlerts()

	t.logger.Info("Quota usage reset",
		slog.String("service_id", rec.ServiceID),
		slog.Time("next_reset_at", next),
	)
	return nil
}

// AutoReset resets usage when the reset date has passed and advances the
// date by whole intervals until it is in the future. It reports whether a
// reset happened.
func (t *Tracker) AutoReset(ctx context.Context) (bool, error) {
	rec, err := t.store.find(ctx, t.config.ServiceID, "")
	if err != nil {
		return false, err
	}
	now := t.now()
	if rec == nil || rec.QuotaResetAt == nil || now.Before(*rec.QuotaResetAt) {
		return false, nil
	}

	next := *rec.QuotaResetAt
	for !next.After(now) {
		next = rec.ResetInterval.Next(next)
	}
	previous := rec.QuotaUsed
	rec.QuotaUsed = 0
	rec.QuotaResetAt = &next
	rec.UpdatedAt = now
	if err := t.store.setUsage(ctx, rec); err != nil {
		return false, err
	}
	t.clearAlerts()

	t.logger.Info("Quota cycle rolled over",
		slog.String("service_id", rec.ServiceID),
		slog.Int64("previous_used", previous),
		slog.Time("next_reset_at", next),
	)
	return true, nil
}

func (t *Tracker) clearAlerts() {
	t.mu.Lock()
	clear(t.active)
	t.mu.Unlock()
}

// evaluate fires each threshold at most once until usage falls back under
// the warning line.
func (t *Tracker) evaluate(ctx context.Context, rec *domain.QuotaRecord, s domain.QuotaStatus) {
	var fire []Alert

	t.mu.Lock()
	if s.Unlimited || s.Percentage < t.config.WarningPercent {
		clear(t.active)
	} else {
		for _, th := range []struct {
			level   AlertLevel
			percent float64
		}{
			{AlertWarning, t.config.WarningPercent},
			{AlertCritical, t.config.CriticalPercent},
		} {
			if s.Percentage >= th.percent && !t.active[th.level] {
				t.active[th.level] = true
				fire = append(fire, Alert{
					ServiceID:  rec.ServiceID,
					Level:      th.level,
					Used:       s.Used,
					Limit:      s.Limit,
					Percentage: s.Percentage,
					RaisedAt:   t.now(),
				})
			}
		}
	}
	t.mu.Unlock()

	for _, a := range fire {
		t.logger.Warn("Quota threshold crossed",
			slog.String("level", string(a.Level)),
			slog.Float64("percentage", a.Percentage),
			slog.Int64("used", a.Used),
			slog.Int64("limit", a.Limit),
		)
		if t.alerts != nil {
			t.alerts.HandleQuotaAlert(ctx, a)
		}
	}
}
