// internal/results/aggregator.go
package results

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/api/schemas"
)

// ErrOutputOpen is returned by Run when the results file cannot be opened.
// It is fatal to the scan's persistence.
var ErrOutputOpen = errors.New("cannot open output file")

// Recorder persists findings outside the results file, e.g. in a database.
type Recorder interface {
	RecordFinding(ctx context.Context, f schemas.Finding) error
}

// Aggregator consumes the engine's finding stream, deduplicates it, appends
// it to the results file and forwards each new finding for presentation.
type Aggregator struct {
	sink     schemas.EventSink
	recorder Recorder
	seen     map[string]struct{}
	// backlog holds checkpointed findings of a resumed scan; Run writes
	// those missing from the results file.
	backlog  []schemas.Finding
	resuming bool
	logger   *zap.Logger
}

// NewAggregator creates an Aggregator. A nil sink discards events; recorder
// is optional.
func NewAggregator(sink schemas.EventSink, recorder Recorder, logger *zap.Logger) *Aggregator {
	if sink == nil {
		sink = schemas.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		sink:     sink,
		recorder: recorder,
		seen:     make(map[string]struct{}),
		logger:   logger.Named("aggregator"),
	}
}

// Seed prepares the aggregator to continue a scan from a checkpoint. Run
// then takes the results file as the record of what was reported: its
// findings are not appended again, and checkpointed findings that never
// reached it are written before new ones.
func (a *Aggregator) Seed(prior []schemas.Finding) {
	a.backlog = append(a.backlog, prior...)
	a.resuming = true
}

// restoreBacklog seeds dedup from the results file at path and appends the backlog
// entries it lacks. It returns how many were restored.
func (a *Aggregator) restoreBacklog(ctx context.Context, file *os.File, path string) int {
	existing, err := os.Open(path)
	if err == nil {
		reported, skipped, readErr := ReadFindings(existing)
		existing.Close()
		if readErr != nil {
			a.logger.Warn("Failed to read existing results", zap.String("path", path), zap.Error(readErr))
		}
		if skipped > 0 {
			a.logger.Warn("Skipped malformed result lines", zap.String("path", path), zap.Int("skipped", skipped))
		}
		for _, f := range reported {
			a.seen[DedupKey(f)] = struct{}{}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		a.logger.Warn("Failed to open existing results", zap.String("path", path), zap.Error(err))
	}

	restored := 0
	for _, f := range a.backlog {
		if f.IsSafe() {
			continue
		}
		key := DedupKey(f)
		if _, dup := a.seen[key]; dup {
			continue
		}
		a.seen[key] = struct{}{}
		a.write(ctx, file, path, f)
		restored++
	}
	a.backlog = nil
	return restored
}

func (a *Aggregator) write(ctx context.Context, file *os.File, path string, f schemas.Finding) {
	line, err := json.Marshal(f)
	if err != nil {
		a.logger.Error("Failed to encode finding", zap.String("url", f.URL), zap.Error(err))
	} else if _, err := file.Write(append(line, '\n')); err != nil {
		a.logger.Error("Failed to write finding", zap.String("path", path), zap.Error(err))
	}

	if a.recorder != nil {
		if err := a.recorder.RecordFinding(ctx, f); err != nil {
			a.logger.Warn("Failed to record finding", zap.String("url", f.URL), zap.Error(err))
		}
	}
}

// Run reads source until it is closed and returns the distinct, non-safe
// findings in arrival order. The output file is opened in append mode so
// results accumulate across runs. If it cannot be opened Run returns
// ErrOutputOpen without reading source; the caller must then cancel the
// producer.
func (a *Aggregator) Run(ctx context.Context, source <-chan schemas.Finding, outputPath string) ([]schemas.Finding, error) {
	path, err := homedir.Expand(outputPath)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrOutputOpen, outputPath, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrOutputOpen, outputPath, err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrOutputOpen, outputPath, err)
	}
	defer file.Close()

	if a.resuming {
		if restored := a.restoreBacklog(ctx, file, path); restored > 0 {
			a.logger.Info("Restored checkpointed findings missing from the results file",
				zap.Int("restored", restored), zap.String("path", path))
		}
	}

	var collected []schemas.Finding
	for f := range source {
		if f.IsSafe() {
			continue
		}
		key := DedupKey(f)
		if _, dup := a.seen[key]; dup {
			continue
		}
		a.seen[key] = struct{}{}
		collected = append(collected, f)
		a.write(ctx, file, path, f)
		a.sink.OnFinding(f)
	}
	return collected, nil
}

// DedupKey is scheme://host/path of the finding's URL joined with its base
// label. The query string, payload and injection point do not take part.
// A URL that does not parse is used verbatim.
func DedupKey(f schemas.Finding) string {
	base := f.URL
	if u, err := url.Parse(f.URL); err == nil && u.Scheme != "" {
		base = u.Scheme + "://" + u.Hostname() + u.EscapedPath()
	}
	return base + "|" + f.BaseLabel()
}
