// internal/reporting/sarif_reporter.go
package reporting

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/reporting/sarif"
	"github.com/xkilldash9x/arkenar/internal/results"
)

// Constants for tool identification in the SARIF report.
const (
	ToolName     = "arkenar"
	ToolInfoURI  = "https://github.com/xkilldash9x/arkenar"
	SARIFVersion = "2.1.0"
	SARIFSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"

	// fingerprintKey names the partial fingerprint derived from the dedup key.
	fingerprintKey = "arkenarDedup/v1"
)

// ruleIDSanitizer collapses anything outside alphanumerics, underscore and
// dot into a single hyphen.
var ruleIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.]+`)

// ruleInfo is the static metadata for a detection kind.
type ruleInfo struct {
	description    string
	recommendation string
	cwe            string
	level          sarif.Level
}

var knownRules = map[string]ruleInfo{
	string(schemas.VulnSQLi): {
		description:    "A database error message was reflected after injecting a SQL metacharacter payload, indicating the input reaches a SQL query unsanitized.",
		recommendation: "Use parameterized queries or prepared statements and never build SQL from request input.",
		cwe:            "CWE-89",
		level:          sarif.LevelError,
	},
	string(schemas.VulnBlindSQLi): {
		description:    "A time-based SQL payload delayed the response past the blind threshold, indicating the injected statement was executed.",
		recommendation: "Use parameterized queries or prepared statements and never build SQL from request input.",
		cwe:            "CWE-89",
		level:          sarif.LevelError,
	},
	string(schemas.VulnXSS): {
		description:    "An HTML or script payload was reflected verbatim in an HTML response.",
		recommendation: "Encode output for its HTML context and apply a restrictive Content-Security-Policy.",
		cwe:            "CWE-79",
		level:          sarif.LevelError,
	},
	string(schemas.VulnSensitiveExposure): {
		description:    "The response contains markers of secrets, internal paths or debugging output.",
		recommendation: "Remove sensitive data from responses and disable debug output in production.",
		cwe:            "CWE-200",
		level:          sarif.LevelWarning,
	},
}

// SARIFReporter implements the Reporter interface for the SARIF 2.1.0 format.
// It is thread safe. Results are buffered and written on Close.
type SARIFReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	log    *sarif.Log
	// mu protects the log structure and ruleIndex.
	mu        sync.Mutex
	ruleIndex map[string]int
	// ruleIDUsage tracks how many labels sanitized to the same rule ID.
	ruleIDUsage map[string]int
}

// NewSARIFReporter creates a new reporter that writes SARIF output.
func NewSARIFReporter(writer io.WriteCloser, toolVersion string, logger *zap.Logger) *SARIFReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := &sarif.Log{
		Version: SARIFVersion,
		Schema:  SARIFSchema,
		Runs: []*sarif.Run{
			{
				Tool: &sarif.Tool{
					Driver: &sarif.ToolComponent{
						Name:           ToolName,
						Version:        pString(toolVersion),
						InformationURI: pString(ToolInfoURI),
						// Empty slices, not nil, so the JSON carries [].
						Rules: []*sarif.ReportingDescriptor{},
					},
				},
				Results: []*sarif.Result{},
			},
		},
	}

	return &SARIFReporter{
		writer:      writer,
		logger:      logger.Named("sarif_reporter"),
		log:         log,
		ruleIndex:   make(map[string]int),
		ruleIDUsage: make(map[string]int),
	}
}

// Write converts findings into SARIF results. Safe findings are skipped.
func (r *SARIFReporter) Write(findings []schemas.Finding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	written := 0
	for _, f := range findings {
		if f.IsSafe() {
			continue
		}
		index := r.ensureRule(f.BaseLabel())
		rule := run.Tool.Driver.Rules[index]

		run.Results = append(run.Results, &sarif.Result{
			RuleID:    rule.ID,
			RuleIndex: index,
			Message:   &sarif.Message{Text: pString(resultMessage(f))},
			Level:     rule.DefaultConfiguration.Level,
			Locations: createLocations(f),
			PartialFingerprints: map[string]string{
				fingerprintKey: fingerprint(results.DedupKey(f)),
			},
			WebRequest:  webRequest(f),
			WebResponse: webResponse(f),
			Properties: &sarif.PropertyBag{
				"payload":  f.Payload,
				"timingMs": f.TimingMs,
				"curl":     f.Curl(),
			},
		})
		written++
	}

	if written > 0 {
		r.logger.Debug("Wrote findings to SARIF buffer", zap.Int("findings_count", written))
	}
	return nil
}

// Close finalizes the SARIF log and writes it to the output writer.
func (r *SARIFReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	run.Invocations = []*sarif.Invocation{{
		ExecutionSuccessful: true,
		EndTimeUTC:          pString(time.Now().UTC().Format(time.RFC3339)),
	}}
	r.logger.Info("Finalizing SARIF report",
		zap.Int("total_results", len(run.Results)),
		zap.Int("total_rules", len(run.Tool.Driver.Rules)),
	)

	encoder := json.ConfigCompatibleWithStandardLibrary.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)

	encodeErr := encoder.Encode(r.log)
	// Always attempt to close the writer, regardless of encoding success.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		return fmt.Errorf("failed to encode SARIF output: %w", encodeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	return nil
}

// sanitizeRuleName creates a standardized base name for the rule ID.
func sanitizeRuleName(name string) string {
	sanitized := strings.Trim(ruleIDSanitizer.ReplaceAllString(strings.ToUpper(name), "-"), "-")
	if sanitized == "" {
		return "UNKNOWN"
	}
	return sanitized
}

// ensureRule returns the index of the rule for label, registering it on
// first use. Must be called while holding the mutex.
func (r *SARIFReporter) ensureRule(label string) int {
	if index, ok := r.ruleIndex[label]; ok {
		return index
	}

	baseRuleID := "ARKENAR-" + sanitizeRuleName(label)
	usage := r.ruleIDUsage[baseRuleID]
	r.ruleIDUsage[baseRuleID] = usage + 1
	ruleID := baseRuleID
	if usage > 0 {
		ruleID = fmt.Sprintf("%s-%d", baseRuleID, usage)
	}

	info, known := knownRules[label]
	if !known {
		info = ruleInfo{
			description:    "The scanner flagged a response as " + label + ".",
			recommendation: "Review the request and response manually.",
			level:          sarif.LevelNote,
		}
	}
	markdownHelp := fmt.Sprintf("**Vulnerability:** %s\n\n**Description:**\n%s\n\n**Recommendation:**\n%s",
		label, info.description, info.recommendation)

	properties := sarif.PropertyBag{
		"tags":      []string{"security", "web"},
		"precision": "medium",
	}
	if info.cwe != "" {
		properties["CWE"] = []string{info.cwe}
	}

	driver := r.log.Runs[0].Tool.Driver
	driver.Rules = append(driver.Rules, &sarif.ReportingDescriptor{
		ID:               ruleID,
		Name:             pString(label),
		ShortDescription: &sarif.MultiformatMessageString{Text: pString(label)},
		FullDescription:  &sarif.MultiformatMessageString{Text: pString(info.description)},
		Help: &sarif.MultiformatMessageString{
			Text:     pString(info.recommendation),
			Markdown: pString(markdownHelp),
		},
		DefaultConfiguration: &sarif.ReportingConfiguration{Level: info.level},
		Properties:           &properties,
	})
	index := len(driver.Rules) - 1
	r.ruleIndex[label] = index
	r.logger.Debug("Registering new SARIF rule definition", zap.String("rule_id", ruleID))
	return index
}

func resultMessage(f schemas.Finding) string {
	if f.Payload == "" {
		return fmt.Sprintf("%s at %s", f.VulnType, f.URL)
	}
	return fmt.Sprintf("%s at %s with payload %q", f.VulnType, f.URL, f.Payload)
}

// createLocations converts finding details into SARIF location objects.
func createLocations(f schemas.Finding) []*sarif.Location {
	return []*sarif.Location{{
		PhysicalLocation: &sarif.PhysicalLocation{
			ArtifactLocation: &sarif.ArtifactLocation{URI: pString(f.URL)},
		},
		Message: &sarif.Message{Text: pString("Vulnerability found at " + f.URL)},
	}}
}

func webRequest(f schemas.Finding) *sarif.WebRequest {
	req := &sarif.WebRequest{
		Target: pString(f.URL),
		Method: pString(f.Method),
	}
	if u, err := url.Parse(f.URL); err == nil && u.Scheme != "" {
		req.Protocol = pString(strings.ToUpper(u.Scheme))
	}
	if len(f.RequestHeaders) > 0 {
		req.Headers = make(map[string]string, len(f.RequestHeaders))
		for _, h := range f.RequestHeaders {
			if prev, ok := req.Headers[h[0]]; ok {
				req.Headers[h[0]] = prev + ", " + h[1]
			} else {
				req.Headers[h[0]] = h[1]
			}
		}
	}
	if f.RequestBody != "" {
		req.Body = &sarif.ArtifactContent{Text: pString(f.RequestBody)}
	}
	return req
}

func webResponse(f schemas.Finding) *sarif.WebResponse {
	resp := &sarif.WebResponse{StatusCode: f.StatusCode}
	if f.Server != "" {
		resp.Headers = map[string]string{"Server": f.Server}
	}
	return resp
}

// fingerprint hashes a dedup key so equivalent findings from separate runs
// line up in SARIF consumers.
func fingerprint(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// pString returns a pointer to the given string value. Helper for optional SARIF fields.
func pString(s string) *string {
	return &s
}
