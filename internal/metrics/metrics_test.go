package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authguard/internal/model"
)

func TestAggregate(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	stats := Aggregate(Inputs{
		FailedAttempts:     7,
		AttemptsLastMinute: 2,
		AttemptsLastHour:   7,
		BruteForceDetected: true,
		BlockedOrigins:     1,
		BlockedDevices:     2,
		ActiveLockouts:     1,
		LockoutRemaining:   90 * time.Second,
		ActiveSessions: []model.SecuritySession{
			{Origin: "a"}, {Origin: "b"}, {Origin: "a"},
		},
		TotalEvents:  7,
		ActiveAlerts: 1,
		Now:          now,
	})
	assert.Equal(t, int64(7), stats.FailedPasswordAttempts)
	assert.Equal(t, 3, stats.ActiveSessions)
	assert.Equal(t, 2, stats.ConcurrentOrigins)
	assert.Equal(t, 90.0, stats.LockoutRemainingSeconds)
	assert.True(t, stats.BruteForceDetected)
	assert.Equal(t, now, stats.GeneratedAt)
}

func TestAggregateClampsNegativeLockout(t *testing.T) {
	stats := Aggregate(Inputs{LockoutRemaining: -time.Second})
	assert.Equal(t, 0.0, stats.LockoutRemainingSeconds)
}

func TestExporterObserve(t *testing.T) {
	e := NewExporter("test")
	require.NoError(t, e.Observe(model.Update{
		Reason: "event",
		Stats: model.SecurityStats{
			FailedPasswordAttempts: 5,
			BruteForceDetected:     true,
			BlockedOrigins:         1,
			ActiveAlerts:           1,
		},
	}))
	assert.Equal(t, 5.0, testutil.ToFloat64(e.failedAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.bruteForce))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.blocked.WithLabelValues("origin")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.updates.WithLabelValues("event")))

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "test_active_alerts 1"))
}

func TestExporterIgnoresStaleUpdates(t *testing.T) {
	e := NewExporter("test")
	require.NoError(t, e.Observe(model.Update{Seq: 2, Reason: "failed_login", Stats: model.SecurityStats{FailedPasswordAttempts: 5}}))
	require.NoError(t, e.Observe(model.Update{Seq: 1, Reason: "failed_login", Stats: model.SecurityStats{FailedPasswordAttempts: 4}}))
	assert.Equal(t, 5.0, testutil.ToFloat64(e.failedAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.stale))

	require.NoError(t, e.Observe(model.Update{Seq: 3, Reason: "tick", Stats: model.SecurityStats{FailedPasswordAttempts: 6}}))
	assert.Equal(t, 6.0, testutil.ToFloat64(e.failedAttempts))
}
