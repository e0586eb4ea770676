package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"authguard/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.EventFields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap flattens one level of nesting so {"hints":{"language":"en"}}
// and {"language":"en"} resolve the same way. Top-level keys win.
func ParseJSONMap(obj map[string]interface{}) *normalize.EventFields {
	flat := make(map[string]string, len(obj))
	for key, val := range obj {
		if nested, ok := val.(map[string]interface{}); ok {
			for nk, nv := range nested {
				nk = strings.ToLower(nk)
				if _, exists := flat[nk]; !exists {
					flat[nk] = scalar(nv)
				}
			}
			continue
		}
		flat[strings.ToLower(key)] = scalar(val)
	}
	return fieldsFromMap(flat)
}

func scalar(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// fieldsFromMap resolves field aliases from a lower-cased key/value map.
func fieldsFromMap(m map[string]string) *normalize.EventFields {
	fields := &normalize.EventFields{Extras: m}
	fields.Timestamp = firstNonEmpty(m, aliasTimestamp...)
	fields.ID = firstNonEmpty(m, aliasID...)
	fields.Kind = firstNonEmpty(m, aliasKind...)
	fields.Origin = firstNonEmpty(m, aliasOrigin...)
	fields.Signature = firstNonEmpty(m, aliasSignature...)
	fields.Result = firstNonEmpty(m, aliasResult...)
	fields.Reason = firstNonEmpty(m, aliasReason...)
	fields.Endpoint = firstNonEmpty(m, aliasEndpoint...)
	fields.Method = firstNonEmpty(m, aliasMethod...)
	fields.User = firstNonEmpty(m, aliasUser...)
	fields.ScreenResolution = firstNonEmpty(m, "screen_resolution", "screen")
	fields.Timezone = firstNonEmpty(m, "timezone", "tz")
	fields.Language = firstNonEmpty(m, "language", "lang", "accept_language")
	fields.Platform = firstNonEmpty(m, "platform")
	fields.Location = firstNonEmpty(m, "location", "geo", "country")
	return fields
}

var (
	aliasTimestamp = []string{"timestamp", "time", "ts", "@timestamp", "reported_at"}
	aliasID        = []string{"id", "event_id", "request_id"}
	aliasKind      = []string{"kind", "event", "event_type", "type"}
	aliasOrigin    = []string{"origin", "ip", "src", "src_ip", "source_ip", "rhost", "remote_addr", "client_ip"}
	aliasSignature = []string{"signature", "user_agent", "useragent", "ua", "agent"}
	aliasResult    = []string{"result", "status", "outcome"}
	aliasReason    = []string{"reason", "error", "msg"}
	aliasEndpoint  = []string{"endpoint", "path", "uri", "url"}
	aliasMethod    = []string{"method", "verb"}
	aliasUser      = []string{"user", "username", "login", "ruser"}
)

var headerNames = func() map[string]bool {
	out := map[string]bool{}
	for _, list := range [][]string{aliasTimestamp, aliasID, aliasKind, aliasOrigin, aliasSignature, aliasResult, aliasUser} {
		for _, name := range list {
			out[name] = true
		}
	}
	return out
}()

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}
