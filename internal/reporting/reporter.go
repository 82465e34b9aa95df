// internal/reporting/reporter.go
package reporting

import (
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/results"
)

// Reporter defines the interface for writing scan results to an output.
type Reporter interface {
	// Write adds findings to the report.
	Write(findings []schemas.Finding) error
	// Close finalizes the report and closes the underlying writer.
	Close() error
}

// Supported report formats.
const (
	FormatText  = "text"
	FormatJSON  = "json"
	FormatSARIF = "sarif"
)

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// NopCloser lets a reporter write to w without closing it.
func NopCloser(w io.Writer) io.WriteCloser {
	return &nopWriteCloser{w}
}

// New creates a reporter for format writing to outputPath. An empty path
// or "stdout" writes to standard output.
func New(format, outputPath, toolVersion string, logger *zap.Logger) (Reporter, error) {
	format = strings.ToLower(format)
	switch format {
	case FormatText, FormatJSON, FormatSARIF:
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		writer = &nopWriteCloser{os.Stdout}
	} else {
		path, err := homedir.Expand(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}
	return NewWithWriter(format, writer, toolVersion, logger)
}

// NewWithWriter creates a reporter that takes ownership of writer.
func NewWithWriter(format string, writer io.WriteCloser, toolVersion string, logger *zap.Logger) (Reporter, error) {
	switch strings.ToLower(format) {
	case FormatSARIF:
		return NewSARIFReporter(writer, toolVersion, logger), nil
	case FormatJSON:
		return &JSONReporter{writer: writer}, nil
	case FormatText:
		return &TextReporter{writer: writer}, nil
	default:
		writer.Close()
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// TextReporter renders a human readable summary with a curl command per
// finding.
type TextReporter struct {
	writer   io.WriteCloser
	findings []schemas.Finding
}

// Write buffers findings until Close.
func (r *TextReporter) Write(findings []schemas.Finding) error {
	r.findings = append(r.findings, findings...)
	return nil
}

// Close writes the summary and closes the writer.
func (r *TextReporter) Close() error {
	err := writeText(r.writer, results.Summarize(r.findings))
	if closeErr := r.writer.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	return err
}

func writeText(w io.Writer, s results.Summary) error {
	if s.Total == 0 {
		_, err := fmt.Fprintln(w, "No vulnerabilities found.")
		return err
	}
	parts := make([]string, 0, len(s.ByLabel))
	for _, l := range s.Labels() {
		parts = append(parts, fmt.Sprintf("%s: %d", l, s.ByLabel[l]))
	}
	if _, err := fmt.Fprintf(w, "%d finding(s) (%s)\n\n", s.Total, strings.Join(parts, ", ")); err != nil {
		return err
	}
	for i, line := range s.Lines() {
		if _, err := fmt.Fprintf(w, "%s\n    status: %d  time: %dms\n    %s\n\n",
			line, s.Findings[i].StatusCode, s.Findings[i].TimingMs, s.Findings[i].Curl()); err != nil {
			return err
		}
	}
	return nil
}

// JSONReporter writes findings as NDJSON, the results file format.
type JSONReporter struct {
	writer io.WriteCloser
}

// Write encodes each non-safe finding on its own line.
func (r *JSONReporter) Write(findings []schemas.Finding) error {
	for _, f := range findings {
		if f.IsSafe() {
			continue
		}
		line, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to encode finding: %w", err)
		}
		if _, err := r.writer.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to write finding: %w", err)
		}
	}
	return nil
}

// Close closes the writer.
func (r *JSONReporter) Close() error {
	return r.writer.Close()
}
