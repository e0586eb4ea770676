package fingerprint

import (
	"strings"

	"authguard/internal/model"
)

type browserRule struct {
	name    string
	markers []string
	// version markers default to markers
	version []string
}

// Order matters: Edge and Opera signatures also carry "Chrome", and Chrome
// signatures carry "Safari".
var browserRules = []browserRule{
	{name: "Edge", markers: []string{"Edg/", "Edge/", "Edg"}},
	{name: "Opera", markers: []string{"OPR/", "Opera/", "Opera"}},
	{name: "Chrome", markers: []string{"Chrome/", "Chrome"}},
	{name: "Firefox", markers: []string{"Firefox/", "Firefox"}},
	{name: "Safari", markers: []string{"Safari/", "Safari"}, version: []string{"Version/", "Safari/"}},
	{name: "Internet Explorer", markers: []string{"MSIE ", "Trident/", "Trident"}},
}

type osRule struct {
	name    string
	markers []string
}

var osRules = []osRule{
	{name: "Windows", markers: []string{"Windows"}},
	{name: "Android", markers: []string{"Android"}},
	{name: "iOS", markers: []string{"iPhone", "iPad", "iOS"}},
	{name: "macOS", markers: []string{"Mac OS X", "Macintosh"}},
	{name: "ChromeOS", markers: []string{"CrOS"}},
	{name: "Linux", markers: []string{"Linux"}},
}

var (
	mobileTokens = []string{"mobile", "phone", "android"}
	tabletTokens = []string{"tablet", "ipad"}
)

// parseBrowser returns the first browser family matching the signature and
// the version token that follows its marker.
func parseBrowser(sig string) (string, string) {
	for _, rule := range browserRules {
		if !containsAny(sig, rule.markers) {
			continue
		}
		markers := rule.version
		if len(markers) == 0 {
			markers = rule.markers
		}
		return rule.name, versionAfter(sig, markers)
	}
	return model.Unknown, model.Unknown
}

func parseOS(sig string) string {
	for _, rule := range osRules {
		if containsAny(sig, rule.markers) {
			return rule.name
		}
	}
	return model.Unknown
}

func parseDeviceClass(sig string) model.DeviceClass {
	if strings.TrimSpace(sig) == "" {
		return model.DeviceUnknown
	}
	lower := strings.ToLower(sig)
	mobile := containsAny(lower, mobileTokens)
	tablet := containsAny(lower, tabletTokens)
	switch {
	case tablet:
		return model.DeviceTablet
	case mobile:
		return model.DeviceMobile
	}
	return model.DeviceDesktop
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// versionAfter reads the dotted version right after the first marker ending
// in a separator ("/", " ", ":").
func versionAfter(sig string, markers []string) string {
	for _, m := range markers {
		if m == "" {
			continue
		}
		last := m[len(m)-1]
		if last != '/' && last != ' ' && last != ':' {
			continue
		}
		idx := strings.Index(sig, m)
		if idx < 0 {
			continue
		}
		rest := sig[idx+len(m):]
		end := 0
		for end < len(rest) {
			c := rest[end]
			if (c >= '0' && c <= '9') || c == '.' {
				end++
				continue
			}
			break
		}
		if v := strings.Trim(rest[:end], "."); v != "" {
			return v
		}
	}
	return model.Unknown
}
