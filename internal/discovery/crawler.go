// internal/discovery/crawler.go
package discovery

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/config"
)

// crawlerURLFields are tried in order on every crawler record.
var crawlerURLFields = [][]interface{}{
	{"endpoint"},
	{"url"},
	{"request", "endpoint"},
	{"request", "url"},
}

// Crawler wraps the external crawler (katana) and turns its JSONL output
// into scan targets.
type Crawler struct {
	cfg     config.CrawlerConfig
	mode    config.Mode
	verbose bool
	tool    tool
	sink    schemas.EventSink
	logger  *zap.Logger
}

// NewCrawler creates a Crawler. A nil sink discards operator messages.
func NewCrawler(cfg config.CrawlerConfig, mode config.Mode, verbose bool, sink schemas.EventSink, logger *zap.Logger) *Crawler {
	if sink == nil {
		sink = schemas.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		cfg:     cfg,
		mode:    mode,
		verbose: verbose,
		tool:    newTool(cfg.Binary),
		sink:    sink,
		logger:  logger.Named("crawler"),
	}
}

// Args builds the crawler command line for target. Simple mode bounds the
// crawl by duration.
func (c *Crawler) Args(target string) []string {
	args := []string{"-u", target, "-jsonl", "-silent", "-d", strconv.Itoa(c.cfg.Depth)}
	if c.mode != config.ModeAdvanced && c.cfg.Timeout > 0 {
		args = append(args, "-crawl-duration", strconv.Itoa(int(c.cfg.Timeout.Seconds())))
	}
	return args
}

// limit is the URL cap, applied in simple mode only.
func (c *Crawler) limit() int {
	if c.mode == config.ModeAdvanced {
		return 0
	}
	return c.cfg.MaxURLs
}

// Crawl runs the crawler against target and returns the distinct in-scope
// URLs it reported, in discovery order. It returns ErrBinaryNotFound when
// the crawler is not installed.
func (c *Crawler) Crawl(ctx context.Context, target string, scope *ScopeManager) ([]string, error) {
	if c.verbose {
		c.sink.OnLog(schemas.LogInfo, fmt.Sprintf("Starting crawler on %s (depth: %d)", target, c.cfg.Depth))
	} else {
		c.sink.OnLog(schemas.LogInfo, fmt.Sprintf("Starting crawler on %s", target))
	}

	limit := c.limit()
	var urls []string
	err := c.tool.run(ctx, c.Args(target), func(r io.Reader) {
		urls = ParseCrawlerOutput(r, scope, limit, func(u string) {
			if c.verbose {
				c.sink.OnLog(schemas.LogInfo, "Discovered: "+u)
			}
		})
	})
	if err != nil {
		c.logger.Warn("Crawler did not run", zap.String("target", target), zap.Error(err))
		return nil, err
	}

	if limit > 0 && len(urls) >= limit {
		c.sink.OnLog(schemas.LogWarn, fmt.Sprintf("Reached URL cap (%d) for simple mode, crawler stopped.", limit))
	}
	c.logger.Info("Crawl finished", zap.String("target", target), zap.Int("urls", len(urls)))
	return urls, nil
}

// ParseCrawlerOutput reads crawler JSONL from r and returns the distinct
// URLs found in it. Blank and malformed lines are skipped. When scope is
// non-nil, out-of-scope URLs are dropped. Reading stops once limit URLs
// have been collected; zero means no limit. onURL, if set, sees each URL
// as it is accepted.
func ParseCrawlerOutput(r io.Reader, scope *ScopeManager, limit int, onURL func(string)) []string {
	seen := make(map[string]struct{})
	var urls []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		u, ok := ExtractCrawlerURL(line)
		if !ok {
			continue
		}
		if scope != nil && !scope.Allows(u) {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
		if onURL != nil {
			onURL(u)
		}
		if limit > 0 && len(urls) >= limit {
			break
		}
	}
	return urls
}

// ExtractCrawlerURL pulls the URL out of one crawler record.
func ExtractCrawlerURL(line []byte) (string, bool) {
	if !json.Valid(line) {
		return "", false
	}
	for _, path := range crawlerURLFields {
		if s, ok := stringAt(line, path...); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
