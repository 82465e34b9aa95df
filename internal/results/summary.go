// internal/results/summary.go
package results

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/arkenar/api/schemas"
)

// Summary groups findings by base label.
type Summary struct {
	Total    int
	ByLabel  map[string]int
	Findings []schemas.Finding
}

// Summarize drops safe findings and counts the rest per base label.
func Summarize(findings []schemas.Finding) Summary {
	s := Summary{ByLabel: make(map[string]int)}
	for _, f := range findings {
		if f.IsSafe() {
			continue
		}
		s.Total++
		s.ByLabel[f.BaseLabel()]++
		s.Findings = append(s.Findings, f)
	}
	return s
}

// Labels returns the base labels present, sorted.
func (s Summary) Labels() []string {
	labels := make([]string, 0, len(s.ByLabel))
	for l := range s.ByLabel {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// Lines renders one line per finding: index, label, URL and payload.
func (s Summary) Lines() []string {
	lines := make([]string, 0, len(s.Findings))
	for i, f := range s.Findings {
		lines = append(lines, fmt.Sprintf("#%d %s -> %s (payload: %s)", i+1, f.VulnType, f.URL, f.Payload))
	}
	return lines
}

// Report writes the summary to sink.
func (s Summary) Report(sink schemas.EventSink) {
	if s.Total == 0 {
		sink.OnLog(schemas.LogSuccess, "No vulnerabilities found.")
		return
	}
	parts := make([]string, 0, len(s.ByLabel))
	for _, l := range s.Labels() {
		parts = append(parts, fmt.Sprintf("%s: %d", l, s.ByLabel[l]))
	}
	sink.OnLog(schemas.LogWarn, fmt.Sprintf("%d finding(s) discovered (%s):", s.Total, strings.Join(parts, ", ")))
	for _, line := range s.Lines() {
		sink.OnLog(schemas.LogError, "  "+line)
	}
}

// ReadFindings parses an NDJSON results file. Blank and malformed lines are
// skipped; skipped counts the malformed ones.
func ReadFindings(r io.Reader) (findings []schemas.Finding, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if !json.Valid(line) {
			skipped++
			continue
		}
		var f schemas.Finding
		if err := json.Unmarshal(line, &f); err != nil {
			skipped++
			continue
		}
		findings = append(findings, f)
	}
	if err := scanner.Err(); err != nil {
		return findings, skipped, fmt.Errorf("failed to read results: %w", err)
	}
	return findings, skipped, nil
}
