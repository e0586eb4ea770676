package sessions

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"authguard/internal/model"
)

const DefaultTimeout = 30 * time.Minute

// Tracker correlates activity per origin. Not safe for concurrent use.
type Tracker struct {
	timeout time.Duration
	byOrig  map[string]*model.SecuritySession
}

func NewTracker(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{timeout: timeout, byOrig: make(map[string]*model.SecuritySession)}
}

func (t *Tracker) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		t.timeout = timeout
	}
}

// RiskLevel maps a failed attempt count onto a severity.
func RiskLevel(failed int) model.Severity {
	switch {
	case failed >= 5:
		return model.SeverityCritical
	case failed >= 3:
		return model.SeverityHigh
	case failed >= 1:
		return model.SeverityMedium
	}
	return model.SeverityLow
}

// Touch records activity for origin, creating the session on first sight.
func (t *Tracker) Touch(origin, fingerprintID, location string, failed bool, now time.Time) model.SecuritySession {
	s, ok := t.byOrig[origin]
	if !ok {
		s = &model.SecuritySession{
			ID:        uuid.NewString(),
			Origin:    origin,
			StartedAt: now,
		}
		t.byOrig[origin] = s
	}
	if fingerprintID != "" {
		s.FingerprintID = fingerprintID
	}
	if location != "" {
		s.Location = location
	}
	s.LoginAttempts++
	if failed {
		s.FailedAttempts++
	}
	s.LastActivity = now
	s.RiskLevel = RiskLevel(s.FailedAttempts)
	return t.view(s, now)
}

// Active returns sessions idle for less than the timeout, most recently
// active first.
func (t *Tracker) Active(now time.Time) []model.SecuritySession {
	out := make([]model.SecuritySession, 0, len(t.byOrig))
	for _, s := range t.byOrig {
		v := t.view(s, now)
		if v.Active {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Sweep drops sessions idle for at least idle and returns how many were
// removed.
func (t *Tracker) Sweep(now time.Time, idle time.Duration) int {
	removed := 0
	for origin, s := range t.byOrig {
		if now.Sub(s.LastActivity) >= idle {
			delete(t.byOrig, origin)
			removed++
		}
	}
	return removed
}

func (t *Tracker) Len() int {
	return len(t.byOrig)
}

func (t *Tracker) view(s *model.SecuritySession, now time.Time) model.SecuritySession {
	v := *s
	v.Duration = now.Sub(s.StartedAt)
	if v.Duration < 0 {
		v.Duration = 0
	}
	v.Active = now.Sub(s.LastActivity) < t.timeout
	return v
}
