package model

import "time"

type EventKind string

const (
	KindFailedLogin        EventKind = "failed_login"
	KindUnauthorizedAccess EventKind = "unauthorized_access"
	KindBruteForce         EventKind = "brute_force"
	KindSuspiciousActivity EventKind = "suspicious_activity"
	KindPasswordViolation  EventKind = "password_violation"
)

func (k EventKind) Valid() bool {
	switch k {
	case KindFailedLogin, KindUnauthorizedAccess, KindBruteForce, KindSuspiciousActivity, KindPasswordViolation:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
	DeviceDesktop DeviceClass = "desktop"
	DeviceUnknown DeviceClass = "unknown"
)

const Unknown = "Unknown"

type Hints struct {
	ScreenResolution string `json:"screen_resolution,omitempty" yaml:"screen_resolution,omitempty"`
	Timezone         string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Language         string `json:"language,omitempty" yaml:"language,omitempty"`
	Platform         string `json:"platform,omitempty" yaml:"platform,omitempty"`
	Location         string `json:"location,omitempty" yaml:"location,omitempty"`
}

type DeviceFingerprint struct {
	ID               string      `json:"id" yaml:"id"`
	Signature        string      `json:"signature" yaml:"signature"`
	Browser          string      `json:"browser" yaml:"browser"`
	BrowserVersion   string      `json:"browser_version" yaml:"browser_version"`
	OS               string      `json:"os" yaml:"os"`
	DeviceClass      DeviceClass `json:"device_class" yaml:"device_class"`
	ScreenResolution string      `json:"screen_resolution" yaml:"screen_resolution"`
	Timezone         string      `json:"timezone" yaml:"timezone"`
	Language         string      `json:"language" yaml:"language"`
	Platform         string      `json:"platform" yaml:"platform"`
	FirstSeen        time.Time   `json:"first_seen" yaml:"first_seen"`
	LastSeen         time.Time   `json:"last_seen" yaml:"last_seen"`
	Blocked          bool        `json:"blocked" yaml:"blocked"`
}

type SecuritySession struct {
	ID             string        `json:"id"`
	FingerprintID  string        `json:"fingerprint_id"`
	Origin         string        `json:"origin"`
	Location       string        `json:"location,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	LastActivity   time.Time     `json:"last_activity"`
	Duration       time.Duration `json:"duration_ns"`
	Active         bool          `json:"active"`
	LoginAttempts  int           `json:"login_attempts"`
	FailedAttempts int           `json:"failed_attempts"`
	RiskLevel      Severity      `json:"risk_level"`
}

type EventDetails struct {
	Endpoint     string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Method       string `json:"method,omitempty" yaml:"method,omitempty"`
	AttemptCount int    `json:"attempt_count,omitempty" yaml:"attempt_count,omitempty"`
	Reason       string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type SecurityEvent struct {
	ID             string       `json:"id" yaml:"id"`
	Kind           EventKind    `json:"kind" yaml:"kind"`
	Timestamp      time.Time    `json:"timestamp" yaml:"timestamp"`
	Origin         string       `json:"origin" yaml:"origin"`
	FingerprintID  string       `json:"fingerprint_id" yaml:"fingerprint_id"`
	Location       string       `json:"location,omitempty" yaml:"location,omitempty"`
	Details        EventDetails `json:"details" yaml:"details"`
	Severity       Severity     `json:"severity" yaml:"severity"`
	Blocked        bool         `json:"blocked" yaml:"blocked"`
	ResponseAction string       `json:"response_action,omitempty" yaml:"response_action,omitempty"`
}

type SecurityAlert struct {
	ID               string          `json:"id" yaml:"id"`
	Title            string          `json:"title" yaml:"title"`
	Message          string          `json:"message" yaml:"message"`
	Severity         Severity        `json:"severity" yaml:"severity"`
	Timestamp        time.Time       `json:"timestamp" yaml:"timestamp"`
	Kind             EventKind       `json:"kind" yaml:"kind"`
	Origin           string          `json:"origin" yaml:"origin"`
	Events           []SecurityEvent `json:"events" yaml:"events"`
	Acknowledged     bool            `json:"acknowledged" yaml:"acknowledged"`
	AcknowledgedAt   *time.Time      `json:"acknowledged_at,omitempty" yaml:"acknowledged_at,omitempty"`
	SuggestedActions []string        `json:"suggested_actions" yaml:"suggested_actions"`
	AutoResponse     string          `json:"auto_response,omitempty" yaml:"auto_response,omitempty"`
	ResolutionTime   time.Duration   `json:"resolution_time_ns,omitempty" yaml:"resolution_time_ns,omitempty"`
}

type BlockEntry struct {
	Key       string    `json:"key"`
	Reason    string    `json:"reason,omitempty"`
	BlockedAt time.Time `json:"blocked_at"`
}

type SecurityStats struct {
	FailedPasswordAttempts  int64     `json:"failed_password_attempts"`
	AttemptsLastMinute      int       `json:"attempts_last_minute"`
	AttemptsLastHour        int       `json:"attempts_last_hour"`
	BruteForceDetected      bool      `json:"brute_force_detected"`
	BlockedOrigins          int       `json:"blocked_origins"`
	BlockedDevices          int       `json:"blocked_devices"`
	ActiveLockouts          int       `json:"active_lockouts"`
	LockoutRemainingSeconds float64   `json:"lockout_remaining_seconds"`
	ActiveSessions          int       `json:"active_sessions"`
	ConcurrentOrigins       int       `json:"concurrent_origins"`
	TotalEvents             int       `json:"total_events"`
	ActiveAlerts            int       `json:"active_alerts"`
	GeneratedAt             time.Time `json:"generated_at"`
}

// Report is a normalized ingestion record, produced by every ingest source.
type Report struct {
	ID         string       `json:"id,omitempty"`
	Kind       EventKind    `json:"kind"`
	Origin     string       `json:"origin"`
	Signature  string       `json:"signature"`
	Hints      Hints        `json:"hints"`
	Details    EventDetails `json:"details"`
	ReportedAt time.Time    `json:"reported_at"`
	Source     string       `json:"source,omitempty"`
	Raw        string       `json:"raw,omitempty"`
}

const StateVersion = 1

type PersistedState struct {
	Version        int                          `json:"version" yaml:"version"`
	SavedAt        time.Time                    `json:"saved_at" yaml:"saved_at"`
	Events         []SecurityEvent              `json:"events" yaml:"events"`
	Alerts         []SecurityAlert              `json:"alerts" yaml:"alerts"`
	Fingerprints   map[string]DeviceFingerprint `json:"fingerprints" yaml:"fingerprints"`
	BlockedOrigins []string                     `json:"blocked_origins" yaml:"blocked_origins"`
	BlockedDevices []string                     `json:"blocked_devices" yaml:"blocked_devices"`
}

type Update struct {
	Seq            uint64            `json:"seq,omitempty"`
	Reason         string            `json:"reason"`
	At             time.Time         `json:"at"`
	Stats          SecurityStats     `json:"stats"`
	RecentEvents   []SecurityEvent   `json:"recent_events"`
	ActiveAlerts   []SecurityAlert   `json:"active_alerts"`
	ActiveSessions []SecuritySession `json:"active_sessions"`
}
