package alerts

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"authguard/internal/config"
	"authguard/internal/model"
)

const DefaultHistoryLimit = 100

// Manager clusters same-kind, same-origin events into alerts and keeps a
// bounded history, newest first. Access is serialized by the engine.
type Manager struct {
	cfg      config.AlertsConfig
	history  []model.SecurityAlert
	cooldown *Cooldown
}

func NewManager(cfg config.AlertsConfig) *Manager {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Manager{cfg: cfg, cooldown: NewCooldown()}
}

func (m *Manager) SetConfig(cfg config.AlertsConfig) {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	m.cfg = cfg
	m.trim()
}

// Window is the trailing span the caller should collect cluster events over.
func (m *Manager) Window() time.Duration {
	return m.cfg.ClusterWindow
}

// Evaluate considers ev together with cluster, the events of the same kind and
// origin inside the trailing window (ev included), and returns the new alert
// if one fired.
func (m *Manager) Evaluate(ev model.SecurityEvent, cluster []model.SecurityEvent, fp model.DeviceFingerprint, now time.Time) *model.SecurityAlert {
	if len(cluster) < m.cfg.ClusterThreshold {
		return nil
	}
	if !m.cooldown.AllowKey(cooldownKey(ev.Kind, ev.Origin), now, m.cfg.ClusterWindow) {
		return nil
	}
	alert := model.SecurityAlert{
		ID:               uuid.NewString(),
		Title:            titleFor(ev.Kind),
		Message:          messageFor(ev, len(cluster), fp),
		Severity:         model.SeverityHigh,
		Timestamp:        now,
		Kind:             ev.Kind,
		Origin:           ev.Origin,
		Events:           append([]model.SecurityEvent(nil), cluster...),
		SuggestedActions: suggestedActions(ev.Kind),
	}
	if ev.Blocked {
		alert.AutoResponse = "origin and device blocked automatically"
		if ev.ResponseAction != "" {
			alert.AutoResponse = ev.ResponseAction
		}
	}
	m.history = append([]model.SecurityAlert{alert}, m.history...)
	m.trim()
	return &alert
}

// Acknowledge marks the alert resolved. Unknown or already acknowledged ids
// report false and change nothing.
func (m *Manager) Acknowledge(id string, now time.Time) bool {
	for i := range m.history {
		a := &m.history[i]
		if a.ID != id {
			continue
		}
		if a.Acknowledged {
			return false
		}
		a.Acknowledged = true
		at := now
		a.AcknowledgedAt = &at
		a.ResolutionTime = now.Sub(a.Timestamp)
		if a.ResolutionTime < 0 {
			a.ResolutionTime = 0
		}
		return true
	}
	return false
}

// Active returns unacknowledged alerts, newest first.
func (m *Manager) Active() []model.SecurityAlert {
	out := make([]model.SecurityAlert, 0)
	for _, a := range m.history {
		if !a.Acknowledged {
			out = append(out, a)
		}
	}
	return out
}

func (m *Manager) ActiveCount() int {
	n := 0
	for _, a := range m.history {
		if !a.Acknowledged {
			n++
		}
	}
	return n
}

// History returns up to limit alerts, newest first. limit <= 0 returns all.
func (m *Manager) History(limit int) []model.SecurityAlert {
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]model.SecurityAlert, limit)
	copy(out, m.history[:limit])
	return out
}

// Restore replaces the history with persisted alerts given newest first and
// re-arms the cooldown for each cluster they raised, acknowledged or not.
func (m *Manager) Restore(alerts []model.SecurityAlert) {
	m.history = append([]model.SecurityAlert(nil), alerts...)
	m.trim()
	m.cooldown = NewCooldown()
	for _, a := range alerts {
		m.cooldown.Seed(cooldownKey(a.Kind, a.Origin), a.Timestamp)
	}
}

// Compact forgets cooldown keys whose window has passed.
func (m *Manager) Compact(now time.Time) {
	m.cooldown.Compact(now, m.cfg.ClusterWindow)
}

// Cooldowns is the number of clusters currently suppressed.
func (m *Manager) Cooldowns() int {
	return m.cooldown.Len()
}

func cooldownKey(kind model.EventKind, origin string) string {
	return string(kind) + "|" + origin
}

func (m *Manager) trim() {
	if len(m.history) > m.cfg.HistoryLimit {
		m.history = m.history[:m.cfg.HistoryLimit]
	}
}

func titleFor(kind model.EventKind) string {
	switch kind {
	case model.KindFailedLogin:
		return "Multiple failed login attempts"
	case model.KindUnauthorizedAccess:
		return "Repeated unauthorized access attempts"
	case model.KindBruteForce:
		return "Brute force attack in progress"
	case model.KindSuspiciousActivity:
		return "Suspicious activity cluster"
	case model.KindPasswordViolation:
		return "Repeated password policy violations"
	}
	return fmt.Sprintf("Repeated %s events", kind)
}

func messageFor(ev model.SecurityEvent, count int, fp model.DeviceFingerprint) string {
	class := string(fp.DeviceClass)
	if class == "" {
		class = string(model.DeviceUnknown)
	}
	browser := fp.Browser
	if browser == "" {
		browser = model.Unknown
	}
	return fmt.Sprintf("%d %s events from %s (%s device, %s browser)",
		count, ev.Kind, ev.Origin, class, browser)
}

func suggestedActions(kind model.EventKind) []string {
	switch kind {
	case model.KindFailedLogin, model.KindBruteForce:
		return []string{
			"Verify the origin is not a legitimate user",
			"Review authentication logs for the affected accounts",
			"Consider enforcing multi-factor authentication",
		}
	case model.KindUnauthorizedAccess:
		return []string{
			"Audit permissions on the targeted endpoint",
			"Review the origin's recent activity",
		}
	case model.KindPasswordViolation:
		return []string{
			"Remind users of the password policy",
			"Check for automated credential stuffing",
		}
	}
	return []string{"Investigate the origin's recent activity"}
}
