// internal/discovery/discovery.go
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/config"
	"github.com/xkilldash9x/arkenar/internal/targets"
)

// Discoverer runs the phases that precede the scan: crawling and passive
// harvesting expand the target list, then the template scanner runs
// against each seed.
type Discoverer struct {
	cfg       config.DiscoveryConfig
	crawler   *Crawler
	templates *TemplateScanner
	passive   *PassiveRunner
	sink      schemas.EventSink
	logger    *zap.Logger
}

// New creates a Discoverer. fetcher is used by passive harvesting and may
// be nil when that phase is disabled.
func New(cfg config.Config, fetcher Fetcher, sink schemas.EventSink, logger *zap.Logger) (*Discoverer, error) {
	if sink == nil {
		sink = schemas.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dc := cfg.Discovery
	d := &Discoverer{
		cfg:       dc,
		crawler:   NewCrawler(dc.Crawler, cfg.Engine.Mode, cfg.Engine.Verbose, sink, logger),
		templates: NewTemplateScanner(dc.Templates, cfg.Engine.Mode, cfg.Engine.Verbose, sink, logger),
		sink:      sink,
		logger:    logger.Named("discovery"),
	}
	if dc.Passive.Enabled {
		p, err := NewPassiveRunner(dc.Passive, fetcher, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create passive runner: %w", err)
		}
		d.passive = p
	}
	return d, nil
}

// Expand crawls and harvests each seed and adds what it finds to tm. It
// returns the number of new targets. A missing crawler binary is reported
// once and the crawl phase is skipped for the remaining seeds.
func (d *Discoverer) Expand(ctx context.Context, seeds []string, tm *targets.Manager) int {
	added := 0
	crawl := d.cfg.Crawler.Enabled
	for _, seed := range seeds {
		if ctx.Err() != nil {
			break
		}
		scope, err := NewScopeManager(d.cfg.Scope, seed)
		if err != nil {
			d.sink.OnLog(schemas.LogError, fmt.Sprintf("Skipping discovery for %s: %v", seed, err))
			continue
		}

		var found []string
		if crawl {
			urls, err := d.crawler.Crawl(ctx, seed, scope)
			switch {
			case errors.Is(err, ErrBinaryNotFound):
				d.sink.OnLog(schemas.LogError, fmt.Sprintf("Crawler unavailable (%v), skipping crawl phase.", err))
				crawl = false
			case err != nil:
				d.sink.OnLog(schemas.LogError, fmt.Sprintf("Crawler error: %v", err))
			default:
				d.sink.OnLog(schemas.LogSuccess, fmt.Sprintf("Discovered %d URL(s).", len(urls)))
				found = append(found, urls...)
			}
		}

		if d.passive != nil {
			if u, err := url.Parse(seed); err == nil && u.Host != "" {
				urls := d.passive.Run(ctx, u, scope)
				d.sink.OnLog(schemas.LogInfo, fmt.Sprintf("Passive discovery found %d URL(s).", len(urls)))
				found = append(found, urls...)
			}
		}

		for _, u := range found {
			if tm.Add(u) {
				added++
			}
		}
	}
	return added
}

// ScanTemplates runs the template scanner against each seed and returns
// every match. A missing scanner binary skips the phase.
func (d *Discoverer) ScanTemplates(ctx context.Context, seeds []string) []TemplateFinding {
	if !d.cfg.Templates.Enabled {
		return nil
	}
	var all []TemplateFinding
	for _, seed := range seeds {
		if ctx.Err() != nil {
			break
		}
		found, err := d.templates.Scan(ctx, seed)
		if errors.Is(err, ErrBinaryNotFound) {
			d.sink.OnLog(schemas.LogError, fmt.Sprintf("Template scanner unavailable (%v), skipping template phase.", err))
			return all
		}
		if err != nil {
			d.sink.OnLog(schemas.LogError, fmt.Sprintf("Template scanner error: %v", err))
			continue
		}
		all = append(all, found...)
	}
	return all
}
