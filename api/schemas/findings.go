package schemas

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// -- Finding Schemas --

// VulnerabilityKind is the classification the detector assigns to a response.
type VulnerabilityKind string

const (
	VulnSQLi              VulnerabilityKind = "SQLi"
	VulnBlindSQLi         VulnerabilityKind = "Blind SQLi"
	VulnXSS               VulnerabilityKind = "XSS"
	VulnSensitiveExposure VulnerabilityKind = "Sensitive Exposure"
	VulnSafe              VulnerabilityKind = "Safe"
)

// Finding is a single flagged response. The JSON layout is the results file
// format: one object per line.
type Finding struct {
	URL string `json:"url"`
	// VulnType is the label, e.g. "SQLi [param: id]". Basic scans carry the
	// bare kind.
	VulnType       string      `json:"vuln_type"`
	Payload        string      `json:"payload"`
	TimingMs       int64       `json:"timing_ms"`
	StatusCode     int         `json:"status_code"`
	Server         string      `json:"server,omitempty"`
	Method         string      `json:"method"`
	RequestHeaders [][2]string `json:"request_headers"`
	RequestBody    string      `json:"request_body,omitempty"`
}

// IsSafe reports whether the finding carries the safe label.
func (f Finding) IsSafe() bool {
	return f.BaseLabel() == string(VulnSafe)
}

// BaseLabel strips the injection point annotation from the label.
func (f Finding) BaseLabel() string {
	label := f.VulnType
	if i := strings.IndexByte(label, '['); i >= 0 {
		label = label[:i]
	}
	return strings.TrimSpace(label)
}

// Curl renders a command that replays the request that produced the finding.
func (f Finding) Curl() string {
	var b strings.Builder
	method := f.Method
	if method == "" {
		method = http.MethodGet
	}
	fmt.Fprintf(&b, "curl -X %s %s", method, shellQuote(f.URL))
	for _, h := range f.RequestHeaders {
		fmt.Fprintf(&b, " -H %s", shellQuote(h[0]+": "+h[1]))
	}
	if f.RequestBody != "" {
		fmt.Fprintf(&b, " -d %s", shellQuote(f.RequestBody))
	}
	b.WriteString(" --insecure")
	return b.String()
}

// shellQuote wraps s in single quotes, escaping embedded quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func headerPairs(h http.Header) [][2]string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([][2]string, 0, len(names))
	for _, name := range names {
		for _, v := range h[name] {
			pairs = append(pairs, [2]string{name, v})
		}
	}
	return pairs
}
