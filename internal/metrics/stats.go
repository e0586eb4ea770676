package metrics

import (
	"time"

	"authguard/internal/model"
)

// Inputs are the raw figures the engine gathers under its read lock.
type Inputs struct {
	FailedAttempts     int64
	AttemptsLastMinute int
	AttemptsLastHour   int
	BruteForceDetected bool
	BlockedOrigins     int
	BlockedDevices     int
	ActiveLockouts     int
	LockoutRemaining   time.Duration
	ActiveSessions     []model.SecuritySession
	TotalEvents        int
	ActiveAlerts       int
	Now                time.Time
}

// Aggregate derives a stats snapshot. It holds no state of its own.
func Aggregate(in Inputs) model.SecurityStats {
	origins := make(map[string]struct{}, len(in.ActiveSessions))
	for _, s := range in.ActiveSessions {
		origins[s.Origin] = struct{}{}
	}
	remaining := in.LockoutRemaining
	if remaining < 0 {
		remaining = 0
	}
	return model.SecurityStats{
		FailedPasswordAttempts:  in.FailedAttempts,
		AttemptsLastMinute:      in.AttemptsLastMinute,
		AttemptsLastHour:        in.AttemptsLastHour,
		BruteForceDetected:      in.BruteForceDetected,
		BlockedOrigins:          in.BlockedOrigins,
		BlockedDevices:          in.BlockedDevices,
		ActiveLockouts:          in.ActiveLockouts,
		LockoutRemainingSeconds: remaining.Seconds(),
		ActiveSessions:          len(in.ActiveSessions),
		ConcurrentOrigins:       len(origins),
		TotalEvents:             in.TotalEvents,
		ActiveAlerts:            in.ActiveAlerts,
		GeneratedAt:             in.Now,
	}
}
