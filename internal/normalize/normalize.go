package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"authguard/internal/config"
	"authguard/internal/model"
)

var (
	// ErrNotSecurityEvent marks lines that parse cleanly but describe a
	// successful authentication. Callers drop them silently.
	ErrNotSecurityEvent = errors.New("not a security event")
	ErrMissingKind      = errors.New("missing event kind")
)

// EventFields is the loosely typed record every parser produces before it
// is turned into a report.
type EventFields struct {
	Timestamp string
	ID        string
	Kind      string
	Origin    string
	Signature string
	Result    string
	Reason    string
	Endpoint  string
	Method    string
	User      string

	ScreenResolution string
	Timezone         string
	Language         string
	Platform         string
	Location         string

	Extras map[string]string
	Raw    string
}

func Normalize(fields EventFields, cfg *config.Config) (model.Report, error) {
	kind, err := ResolveKind(fields.Kind, fields.Result)
	if err != nil {
		return model.Report{}, err
	}

	origin := strings.TrimSpace(fields.Origin)
	if origin == "" {
		origin = cfg.Ingest.Parser.DefaultOrigin
	}

	loc := time.UTC
	if cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}

	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.Report{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	reason := strings.TrimSpace(fields.Reason)
	if reason == "" && strings.TrimSpace(fields.User) != "" {
		reason = "user " + strings.TrimSpace(fields.User)
	}

	return model.Report{
		ID:        strings.TrimSpace(fields.ID),
		Kind:      kind,
		Origin:    origin,
		Signature: strings.TrimSpace(fields.Signature),
		Hints: model.Hints{
			ScreenResolution: strings.TrimSpace(fields.ScreenResolution),
			Timezone:         strings.TrimSpace(fields.Timezone),
			Language:         strings.TrimSpace(fields.Language),
			Platform:         strings.TrimSpace(fields.Platform),
			Location:         strings.TrimSpace(fields.Location),
		},
		Details: model.EventDetails{
			Endpoint: strings.TrimSpace(fields.Endpoint),
			Method:   strings.ToUpper(strings.TrimSpace(fields.Method)),
			Reason:   reason,
		},
		ReportedAt: ts,
		Source:     "log",
		Raw:        fields.Raw,
	}, nil
}

// ResolveKind maps an explicit kind, or failing that an outcome string, to
// an event kind. Unrecognised explicit kinds become suspicious activity.
func ResolveKind(kind, result string) (model.EventKind, error) {
	k := strings.ToLower(strings.TrimSpace(kind))
	switch k {
	case "":
	case "failed_login", "login_failed", "auth_failure", "authentication_failure", "failed_password":
		return model.KindFailedLogin, nil
	case "unauthorized_access", "unauthorized", "forbidden", "access_denied", "invalid_user":
		return model.KindUnauthorizedAccess, nil
	case "brute_force", "bruteforce":
		return model.KindBruteForce, nil
	case "password_violation", "weak_password", "password_policy":
		return model.KindPasswordViolation, nil
	case "login_success", "success", "accepted":
		return "", ErrNotSecurityEvent
	default:
		return model.KindSuspiciousActivity, nil
	}

	switch strings.ToLower(strings.TrimSpace(result)) {
	case "":
		return "", ErrMissingKind
	case "ok", "success", "allow", "allowed", "granted", "pass", "accepted":
		return "", ErrNotSecurityEvent
	case "fail", "failed", "failure", "denied", "reject", "rejected", "invalid", "error":
		return model.KindFailedLogin, nil
	case "unauthorized", "forbidden", "401", "403":
		return model.KindUnauthorizedAccess, nil
	}
	return model.KindSuspiciousActivity, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"02/Jan/2006:15:04:05 -0700",
	"Jan 02 15:04:05",
	"Jan 2 15:04:05",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if layout == "Jan 02 15:04:05" || layout == "Jan 2 15:04:05" {
			// syslog stamps carry no year
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				now := time.Now().In(loc)
				return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if len(value) >= 13 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}
