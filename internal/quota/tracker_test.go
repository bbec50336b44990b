package quota

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/keyword-intel/internal/domain"
	"github.com/cuongbtq/keyword-intel/shared/database/databasetest"
	"github.com/cuongbtq/keyword-intel/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertRecorder struct {
	alerts []Alert
}

func (r *alertRecorder) HandleQuotaAlert(_ context.Context, a Alert) {
	r.alerts = append(r.alerts, a)
}

func newTestTracker(t *testing.T, now time.Time) (*Tracker, *alertRecorder, *time.Time) {
	t.Helper()
	db := databasetest.Open(t, Schema)
	rec := &alertRecorder{}
	tr := NewTracker(db, Config{ServiceID: "kw"}, rec, logger.NewDiscard().Logger)
	clock := now
	tr.now = func() time.Time { return clock }
	return tr, rec, &clock
}

func TestTracker_Unconfigured(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTracker(t, time.Now())

	rec, err := tr.GetSettings(ctx, "owner-1")
	require.NoError(t, err)
	assert.False(t, rec.IsActive)
	assert.Zero(t, rec.QuotaLimit)
	assert.Equal(t, "owner-1", rec.OwnerID)

	avail, err := tr.CheckQuotaAvailable(ctx, 1)
	require.NoError(t, err)
	assert.False(t, avail.Allowed)
	assert.Equal(t, ReasonInactive, avail.Reason)

	status, err := tr.RecordUsage(ctx, 5, nil)
	require.NoError(t, err)
	assert.Zero(t, status.Used)

	_, err = tr.Credentials(ctx)
	assert.Equal(t, domain.KindAuthentication, domain.KindOf(err))
}

func TestTracker_SettingsFallback(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	tr, _, _ := newTestTracker(t, now)

	require.NoError(t, tr.SaveSettings(ctx, &domain.QuotaRecord{
		APIKey: "global", APIBaseURL: "https://api.example.com", QuotaLimit: 100, IsActive: true,
	}))
	require.NoError(t, tr.SaveSettings(ctx, &domain.QuotaRecord{
		OwnerID: "owner-1", APIKey: "mine", QuotaLimit: 10, IsActive: true, ResetInterval: domain.ResetDaily,
	}))

	rec, err := tr.GetSettings(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "mine", rec.APIKey)
	assert.Equal(t, now.AddDate(0, 0, 1), *rec.QuotaResetAt)

	rec, err = tr.GetSettings(ctx, "owner-2")
	require.NoError(t, err)
	assert.Equal(t, "global", rec.APIKey)
	assert.Equal(t, now.AddDate(0, 1, 0), *rec.QuotaResetAt)

	creds, err := tr.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "global", creds.APIKey)
	assert.Equal(t, "https://api.example.com", creds.BaseURL)

	assert.Error(t, tr.SaveSettings(ctx, &domain.QuotaRecord{ResetInterval: "weekly"}))
}

func TestTracker_StatusAndAvailability(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTracker(t, time.Now())
	require.NoError(t, tr.SaveSettings(ctx, &domain.QuotaRecord{QuotaLimit: 10, IsActive: true}))

	_, err := tr.RecordUsage(ctx, 8, map[string]any{"keywords": 8})
	require.NoError(t, err)

	status, err := tr.QuotaStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), status.Used)
	assert.Equal(t, int64(2), status.Remaining)
	assert.InDelta(t, 80, status.Percentage, 1e-9)
	assert.True(t, status.ApproachingLimit)
	assert.False(t, status.Exceeded)

	avail, err := tr.CheckQuotaAvailable(ctx, 2)
	require.NoError(t, err)
	assert.True(t, avail.Allowed)

	avail, err = tr.CheckQuotaAvailable(ctx, 3)
	require.NoError(t, err)
	assert.False(t, avail.Allowed)
	assert.Equal(t, ReasonExceeded, avail.Reason)

	_, err = tr.RecordUsage(ctx, 2, nil)
	require.NoError(t, err)
	status, err = tr.QuotaStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Exceeded)
	assert.Zero(t, status.Remaining)
}

func TestTracker_UnlimitedWhenLimitNotSet(t *testing.T) {
	ctx := context.Background()
	tr, alerts, _ := newTestTracker(t, time.Now())
	require.NoError(t, tr.SaveSettings(ctx, &domain.QuotaRecord{IsActive: true}))

	_, err := tr.RecordUsage(ctx, 1_000_000, nil)
	require.NoError(t, err)

	avail, err := tr.CheckQuotaAvailable(ctx, 1)
	require.NoError(t, err)
	assert.True(t, avail.Allowed)
	assert.True(t, avail.Status.Unlimited)
	assert.Empty(t, alerts.alerts)
}

func TestTracker_ThresholdAlertsFireOnce(t *testing.T) {
	ctx := context.Background()
	tr, alerts, _ := newTestTracker(t, time.Now())
	require.NoError(t, tr.SaveSettings(ctx, &domain.QuotaRecord{QuotaLimit: 100, IsActive: true}))

	_, err := tr.RecordUsage(ctx, 79, nil)
	require.NoError(t, err)
	assert.Empty(t, alerts.alerts)

	_, err = tr.RecordUsage(ctx, 2, nil) // 81%
	require.NoError(t, err)
	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, AlertWarning, alerts.alerts[0].Level)
	assert.InDelta(t, 81, alerts.alerts[0].Percentage, 1e-9)

	for i := 0; i < 5; i++ {
		_, err = tr.RecordUsage(ctx, 1, nil) // 82..86%
		require.NoError(t, err)
	}
	assert.Len(t, alerts.alerts, 1)

	_, err = tr.RecordUsage(ctx, 10, nil) // 96%
	require.NoError(t, err)
	require.Len(t, alerts.alerts, 2)
	assert.Equal(t, AlertCritical, alerts.alerts[1].Level)

	require.NoError(t, tr.ResetUsage(ctx))
	_, err = tr.RecordUsage(ctx, 81, nil)
	require.NoError(t, err)
	require.Len(t, alerts.alerts, 3)
	assert.Equal(t, AlertWarning, alerts.alerts[2].Level)
}

func TestTracker_AutoReset(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr, _, clock := newTestTracker(t, start)

	resetAt := start.AddDate(0, 0, 1)
	require.NoError(t, tr.SaveSettings(ctx, &domain.QuotaRecord{
		QuotaLimit: 100, IsActive: true, ResetInterval: domain.ResetDaily, QuotaResetAt: &resetAt,
	}))
	_, err := tr.RecordUsage(ctx, 40, nil)
	require.NoError(t, err)

	reset, err := tr.AutoReset(ctx)
	require.NoError(t, err)
	assert.False(t, reset)

	*clock = start.Add(75 * time.Hour) // three days and change later
	reset, err = tr.AutoReset(ctx)
	require.NoError(t, err)
	assert.True(t, reset)

	rec, err := tr.GetSettings(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, rec.QuotaUsed)
	assert.Equal(t, start.AddDate(0, 0, 4), *rec.QuotaResetAt)

	reset, err = tr.AutoReset(ctx)
	require.NoError(t, err)
	assert.False(t, reset)
}
