// internal/feed/follower.go
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/discovery"
)

// RequestScanner scans one request outside the target queue. The engine
// implements it.
type RequestScanner interface {
	ScanRequest(ctx context.Context, req *schemas.Request, sink chan<- schemas.Finding) []schemas.Finding
}

// FollowerConfig tunes how the followed file is read.
type FollowerConfig struct {
	// FromStart scans lines already in the file before following it.
	FromStart bool
	// Poll watches the file by polling instead of inotify.
	Poll bool
}

// Follower tails a file of URLs, or of crawler JSONL records, and scans
// every new in-scope URL as it is appended.
type Follower struct {
	scanner RequestScanner
	scope   *discovery.ScopeManager
	cfg     FollowerConfig
	seen    map[string]struct{}
	logger  *zap.Logger
}

// NewFollower creates a Follower. A nil scope accepts every URL.
func NewFollower(scanner RequestScanner, scope *discovery.ScopeManager, cfg FollowerConfig, logger *zap.Logger) (*Follower, error) {
	if scanner == nil {
		return nil, errors.New("request scanner cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Follower{
		scanner: scanner,
		scope:   scope,
		cfg:     cfg,
		seen:    make(map[string]struct{}),
		logger:  logger.Named("follower"),
	}, nil
}

// Follow scans URLs appended to path until ctx is cancelled. Findings go to
// sink, which Follow does not close. The file must exist.
func (f *Follower) Follow(ctx context.Context, path string, sink chan<- schemas.Finding) error {
	whence := 2
	if f.cfg.FromStart {
		whence = 0
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Poll:      f.cfg.Poll,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to follow %s: %w", path, err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	f.logger.Info("Following file", zap.String("path", path))
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("Stopped following file", zap.String("path", path))
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				f.logger.Warn("Error reading followed file", zap.Error(line.Err))
				continue
			}
			f.handle(ctx, line.Text, sink)
		}
	}
}

func (f *Follower) handle(ctx context.Context, text string, sink chan<- schemas.Finding) {
	raw, ok := ParseLine(text)
	if !ok {
		return
	}
	if f.scope != nil && !f.scope.Allows(raw) {
		f.logger.Debug("Out of scope", zap.String("url", raw))
		return
	}
	if _, dup := f.seen[raw]; dup {
		return
	}
	f.seen[raw] = struct{}{}

	req, err := schemas.NewBaselineRequest(raw)
	if err != nil || req.URL.Host == "" {
		f.logger.Warn("Skipping invalid URL", zap.String("url", raw), zap.Error(err))
		return
	}
	found := f.scanner.ScanRequest(ctx, req, sink)
	f.logger.Debug("Scanned followed URL", zap.String("url", raw), zap.Int("findings", len(found)))
}

// ParseLine accepts a bare URL or a crawler JSONL record. Blank lines and
// comments yield nothing.
func ParseLine(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(text, "#") {
		return "", false
	}
	if strings.HasPrefix(text, "{") {
		return discovery.ExtractCrawlerURL([]byte(text))
	}
	return text, true
}
