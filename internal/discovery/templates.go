// internal/discovery/templates.go
package discovery

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/config"
)

// TemplateFinding is one match reported by the template scanner.
type TemplateFinding struct {
	Name       string
	Severity   string
	MatchedAt  string
	TemplateID string
}

// String renders the finding the way it is shown to the operator.
func (f TemplateFinding) String() string {
	return fmt.Sprintf("%s [%s] @ %s", f.Name, strings.ToUpper(f.Severity), f.MatchedAt)
}

// TemplateScanner wraps the external template scanner (nuclei). Its matches
// are reported to the operator; they do not enter the results file.
type TemplateScanner struct {
	cfg     config.TemplatesConfig
	mode    config.Mode
	verbose bool
	tool    tool
	sink    schemas.EventSink
	logger  *zap.Logger
}

// NewTemplateScanner creates a TemplateScanner. A nil sink discards
// operator messages.
func NewTemplateScanner(cfg config.TemplatesConfig, mode config.Mode, verbose bool, sink schemas.EventSink, logger *zap.Logger) *TemplateScanner {
	if sink == nil {
		sink = schemas.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemplateScanner{
		cfg:     cfg,
		mode:    mode,
		verbose: verbose,
		tool:    newTool(cfg.Binary),
		sink:    sink,
		logger:  logger.Named("templates"),
	}
}

// Args builds the scanner command line. Tags, when set, replace the mode's
// type and severity filters.
func (s *TemplateScanner) Args(target string) []string {
	timeout, concurrency := "5", "25"
	if s.mode == config.ModeAdvanced {
		timeout, concurrency = "10", "50"
	}
	args := []string{
		"-u", target,
		"-jsonl", "-silent",
		"-timeout", timeout,
		"-rate-limit", "50",
		"-c", concurrency,
	}

	switch {
	case len(s.cfg.Tags) > 0:
		args = append(args, "-tags", strings.Join(s.cfg.Tags, ","))
	case s.mode == config.ModeAdvanced:
		args = append(args, "-severity", "low,medium,high,critical")
	default:
		args = append(args, "-type", "dns,http", "-severity", "high,critical")
	}
	return args
}

// Scan runs the template scanner against target and returns its matches.
// It returns ErrBinaryNotFound when the scanner is not installed.
func (s *TemplateScanner) Scan(ctx context.Context, target string) ([]TemplateFinding, error) {
	s.sink.OnLog(schemas.LogInfo, "Launching template scanner on "+target)
	if s.verbose && len(s.cfg.Tags) > 0 {
		s.sink.OnLog(schemas.LogInfo, "Custom tags active: "+strings.Join(s.cfg.Tags, ","))
	}

	var found []TemplateFinding
	err := s.tool.run(ctx, s.Args(target), func(r io.Reader) {
		found = ParseTemplateOutput(r, func(f TemplateFinding) {
			s.sink.OnLog(schemas.LogSuccess, "TEMPLATE: "+f.String())
			if s.verbose && f.TemplateID != "" {
				s.sink.OnLog(schemas.LogInfo, "  Template: "+f.TemplateID)
			}
		})
	})
	if err != nil {
		s.logger.Warn("Template scanner did not run", zap.String("target", target), zap.Error(err))
		return nil, err
	}

	if len(found) > 0 {
		s.sink.OnLog(schemas.LogSuccess, fmt.Sprintf("Template scan finished. %d finding(s).", len(found)))
	} else {
		s.sink.OnLog(schemas.LogInfo, "Template scan finished. No findings.")
	}
	return found, nil
}

// ParseTemplateOutput reads template scanner JSONL from r. Records without
// info.name are skipped, as are blank and malformed lines. onFinding, if
// set, sees each match as it is parsed.
func ParseTemplateOutput(r io.Reader, onFinding func(TemplateFinding)) []TemplateFinding {
	var out []TemplateFinding
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		name, ok := stringAt(line, "info", "name")
		if !ok {
			continue
		}
		f := TemplateFinding{
			Name:       name,
			Severity:   firstString(line, "unknown", []interface{}{"info", "severity"}),
			MatchedAt:  firstString(line, "N/A", []interface{}{"matched-at"}, []interface{}{"matched_at"}, []interface{}{"host"}),
			TemplateID: firstString(line, "", []interface{}{"template-id"}, []interface{}{"template_id"}),
		}
		out = append(out, f)
		if onFinding != nil {
			onFinding(f)
		}
	}
	return out
}

func stringAt(data []byte, path ...interface{}) (string, bool) {
	v := json.Get(data, path...)
	if v.ValueType() != json.StringValue {
		return "", false
	}
	return v.ToString(), true
}

// firstString returns the first string found at any of paths, or def.
func firstString(data []byte, def string, paths ...[]interface{}) string {
	for _, p := range paths {
		if s, ok := stringAt(data, p...); ok {
			return s
		}
	}
	return def
}
