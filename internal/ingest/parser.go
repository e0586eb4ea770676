package ingest

import (
	"encoding/csv"
	"net"
	"regexp"
	"strings"
	"sync"

	"authguard/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+\-Z]+)`)
	reSyslogTS  = regexp.MustCompile(`^\s*([A-Za-z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})`)
	rePriority  = regexp.MustCompile(`^\s*<\d{1,3}>(?:1 )?`)
	reKV        = regexp.MustCompile(`([a-zA-Z_@]+)=("([^"]*)"|[^\s,;]+)`)

	reSSHFailed   = regexp.MustCompile(`Failed (password|publickey|keyboard-interactive\S*) for (invalid user )?(\S+) from (\S+) port (\d+)`)
	reSSHInvalid  = regexp.MustCompile(`Invalid user (\S*) from (\S+)(?: port (\d+))?`)
	reSSHAccepted = regexp.MustCompile(`Accepted \S+ for (\S+) from (\S+) port (\d+)`)
	rePAMFailure  = regexp.MustCompile(`pam_unix\([^)]*\): authentication failure`)
)

// Parser turns a single log line into event fields. It recognises JSON
// objects, CSV rows (positional or after a header row), sshd auth lines and
// key=value text. A Parser remembers the last CSV header it saw and is safe
// for concurrent use.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine returns nil fields for blank lines and CSV header rows.
func (p *Parser) ParseLine(line string) (*normalize.EventFields, error) {
	trim := strings.TrimSpace(rePriority.ReplaceAllString(line, ""))
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := ParseJSONBytes([]byte(trim)); err == nil {
			fields.Raw = line
			return fields, nil
		}
	}
	if fields := parseSSHD(trim); fields != nil {
		fields.Raw = line
		return fields, nil
	}
	if strings.Contains(trim, ",") && (p.csv.HasHeader() || !strings.Contains(trim, "=")) {
		fields, err := p.csv.Parse(trim)
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields := parsePlain(trim)
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parseSSHD(line string) *normalize.EventFields {
	ts, _ := extractTimestamp(line)
	if m := reSSHFailed.FindStringSubmatch(line); m != nil {
		reason := "failed " + m[1]
		if m[2] != "" {
			reason += " for invalid user"
		}
		return sshFields(ts, "failed_login", m[4], m[3], reason)
	}
	if m := reSSHInvalid.FindStringSubmatch(line); m != nil {
		return sshFields(ts, "unauthorized_access", m[2], m[1], "invalid user")
	}
	if m := reSSHAccepted.FindStringSubmatch(line); m != nil {
		f := sshFields(ts, "", m[2], m[1], "")
		f.Result = "accepted"
		return f
	}
	if rePAMFailure.MatchString(line) {
		fields := parsePlain(line)
		if fields.Extras["rhost"] == "" {
			fields.Origin = ""
		}
		fields.Kind = "failed_login"
		fields.Reason = "pam authentication failure"
		fields.Signature = "sshd"
		return fields
	}
	return nil
}

func sshFields(ts, kind, origin, user, reason string) *normalize.EventFields {
	return &normalize.EventFields{
		Timestamp: ts,
		Kind:      kind,
		Origin:    origin,
		User:      user,
		Reason:    reason,
		Signature: "sshd",
		Endpoint:  "sshd",
		Method:    "SSH",
		Extras:    map[string]string{},
	}
}

func parsePlain(line string) *normalize.EventFields {
	ts, rest := extractTimestamp(line)
	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		key := strings.ToLower(match[1])
		val := match[2]
		if strings.HasPrefix(val, `"`) {
			val = match[3]
		}
		kv[key] = val
	}
	fields := fieldsFromMap(kv)
	if fields.Timestamp == "" {
		fields.Timestamp = ts
	}
	if fields.Origin == "" && rest != "" {
		// bare "<addr> key=value ..." lines
		if tokens := strings.Fields(rest); len(tokens) > 0 && net.ParseIP(strings.Trim(tokens[0], "[]")) != nil {
			fields.Origin = tokens[0]
		}
	}
	return fields
}

func extractTimestamp(line string) (string, string) {
	for _, re := range []*regexp.Regexp{reTimestamp, reSyslogTS} {
		m := re.FindStringSubmatchIndex(line)
		if len(m) >= 4 {
			return strings.TrimSpace(line[m[2]:m[3]]), strings.TrimSpace(line[m[3]:])
		}
	}
	return "", line
}

// CSVParser reads rows positionally as timestamp,origin,kind,signature,reason
// until it sees a header row; after that columns are matched by name.
type CSVParser struct {
	mu     sync.Mutex
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) HasHeader() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header != nil
}

func (p *CSVParser) Parse(line string) (*normalize.EventFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	p.mu.Lock()
	if looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		p.mu.Unlock()
		return nil, nil
	}
	header := p.header
	p.mu.Unlock()

	if header == nil {
		header = positionalHeader
	}
	row := make(map[string]string, len(header))
	for i, name := range header {
		if i >= len(record) {
			break
		}
		row[name] = strings.TrimSpace(record[i])
	}
	return fieldsFromMap(row), nil
}

var positionalHeader = []string{"timestamp", "origin", "kind", "signature", "reason"}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		if headerNames[strings.ToLower(strings.TrimSpace(v))] {
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
