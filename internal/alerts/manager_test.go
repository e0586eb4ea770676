package alerts

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authguard/internal/config"
	"authguard/internal/model"
)

func testManager() *Manager {
	return NewManager(config.AlertsConfig{
		ClusterWindow:    5 * time.Minute,
		ClusterThreshold: 3,
		HistoryLimit:     100,
	})
}

func failed(i int, origin string, ts time.Time) model.SecurityEvent {
	return model.SecurityEvent{
		ID:        fmt.Sprintf("ev-%d", i),
		Kind:      model.KindFailedLogin,
		Origin:    origin,
		Timestamp: ts,
		Severity:  model.SeverityMedium,
	}
}

var desktopChrome = model.DeviceFingerprint{ID: "fp_1", Browser: "Chrome", DeviceClass: model.DeviceDesktop}

func TestEvaluateFiresOncePerCluster(t *testing.T) {
	m := testManager()
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var cluster []model.SecurityEvent
	var fired []*model.SecurityAlert
	for i := 0; i < 4; i++ {
		ev := failed(i, "198.51.100.1", t0.Add(time.Duration(i)*30*time.Second))
		cluster = append([]model.SecurityEvent{ev}, cluster...)
		if a := m.Evaluate(ev, cluster, desktopChrome, ev.Timestamp); a != nil {
			fired = append(fired, a)
		}
	}
	require.Len(t, fired, 1)
	a := fired[0]
	assert.Equal(t, model.SeverityHigh, a.Severity)
	assert.Len(t, a.Events, 3)
	assert.Equal(t, "Multiple failed login attempts", a.Title)
	assert.Contains(t, a.Message, "198.51.100.1")
	assert.Contains(t, a.Message, "desktop")
	assert.Contains(t, a.Message, "Chrome")
	assert.Empty(t, a.AutoResponse)
	assert.Len(t, m.Active(), 1)
}

func TestEvaluateBelowThreshold(t *testing.T) {
	m := testManager()
	now := time.Now()
	ev := failed(0, "a", now)
	assert.Nil(t, m.Evaluate(ev, []model.SecurityEvent{ev, ev}, desktopChrome, now))
	assert.Empty(t, m.History(0))
}

func TestEvaluateAfterCooldownFiresAgain(t *testing.T) {
	m := testManager()
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ev := failed(0, "a", t0)
	cluster := []model.SecurityEvent{ev, ev, ev}
	require.NotNil(t, m.Evaluate(ev, cluster, desktopChrome, t0))
	assert.Nil(t, m.Evaluate(ev, cluster, desktopChrome, t0.Add(4*time.Minute)))
	assert.NotNil(t, m.Evaluate(ev, cluster, desktopChrome, t0.Add(5*time.Minute)))

	other := ev
	other.Origin = "b"
	assert.NotNil(t, m.Evaluate(other, cluster, desktopChrome, t0.Add(time.Minute)))
}

func TestAutoResponseOnBlockedEvent(t *testing.T) {
	m := testManager()
	now := time.Now()
	ev := failed(0, "a", now)
	ev.Blocked = true
	ev.ResponseAction = "origin a blocked"
	a := m.Evaluate(ev, []model.SecurityEvent{ev, ev, ev}, desktopChrome, now)
	require.NotNil(t, a)
	assert.Equal(t, "origin a blocked", a.AutoResponse)
}

func TestAcknowledge(t *testing.T) {
	m := testManager()
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ev := failed(0, "a", t0)
	a := m.Evaluate(ev, []model.SecurityEvent{ev, ev, ev}, desktopChrome, t0)
	require.NotNil(t, a)

	assert.False(t, m.Acknowledge("missing", t0))
	assert.True(t, m.Acknowledge(a.ID, t0.Add(90*time.Second)))
	assert.False(t, m.Acknowledge(a.ID, t0.Add(2*time.Minute)))

	assert.Empty(t, m.Active())
	history := m.History(0)
	require.Len(t, history, 1)
	assert.True(t, history[0].Acknowledged)
	assert.Equal(t, 90*time.Second, history[0].ResolutionTime)
	require.NotNil(t, history[0].AcknowledgedAt)
}

func TestHistoryBounded(t *testing.T) {
	m := NewManager(config.AlertsConfig{ClusterWindow: time.Minute, ClusterThreshold: 1, HistoryLimit: 100})
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var last *model.SecurityAlert
	for i := 0; i < 120; i++ {
		ev := failed(i, fmt.Sprintf("origin-%d", i), t0)
		last = m.Evaluate(ev, []model.SecurityEvent{ev}, desktopChrome, t0.Add(time.Duration(i)*time.Second))
		require.NotNil(t, last)
	}
	history := m.History(0)
	assert.Len(t, history, 100)
	assert.Equal(t, last.ID, history[0].ID)
	assert.Len(t, m.History(10), 10)
}

func TestCooldownCompact(t *testing.T) {
	c := NewCooldown()
	now := time.Now()
	assert.True(t, c.AllowKey("k", now, time.Minute))
	assert.False(t, c.AllowKey("k", now.Add(30*time.Second), time.Minute))
	c.Seed("k", now.Add(-time.Minute))
	c.Compact(now.Add(2*time.Minute), time.Minute)
	assert.Equal(t, 0, c.Len())
	assert.True(t, c.AllowKey("k", now, 0))
}

func TestRestoreRearmsCooldown(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	before := testManager()
	var cluster []model.SecurityEvent
	var alert *model.SecurityAlert
	for i := 0; i < 3; i++ {
		ev := failed(i, "198.51.100.1", t0.Add(time.Duration(i)*10*time.Second))
		cluster = append([]model.SecurityEvent{ev}, cluster...)
		if a := before.Evaluate(ev, cluster, desktopChrome, ev.Timestamp); a != nil {
			alert = a
		}
	}
	require.NotNil(t, alert)
	require.True(t, before.Acknowledge(alert.ID, t0.Add(time.Minute)))

	after := testManager()
	after.Restore(before.History(0))
	assert.Equal(t, 1, after.Cooldowns())

	ev := failed(3, "198.51.100.1", t0.Add(2*time.Minute))
	cluster = append([]model.SecurityEvent{ev}, cluster...)
	assert.Nil(t, after.Evaluate(ev, cluster, desktopChrome, ev.Timestamp))

	other := failed(4, "198.51.100.2", t0.Add(2*time.Minute))
	otherCluster := []model.SecurityEvent{other, other, other}
	assert.NotNil(t, after.Evaluate(other, otherCluster, desktopChrome, other.Timestamp))

	late := failed(5, "198.51.100.1", t0.Add(6*time.Minute))
	lateCluster := []model.SecurityEvent{late, late, late}
	assert.NotNil(t, after.Evaluate(late, lateCluster, desktopChrome, late.Timestamp))
}
