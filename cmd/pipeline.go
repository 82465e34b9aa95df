// File: cmd/pipeline.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/config"
	"github.com/xkilldash9x/arkenar/internal/discovery"
	"github.com/xkilldash9x/arkenar/internal/engine"
	"github.com/xkilldash9x/arkenar/internal/network"
	"github.com/xkilldash9x/arkenar/internal/payloads"
	"github.com/xkilldash9x/arkenar/internal/reporting"
	"github.com/xkilldash9x/arkenar/internal/results"
	"github.com/xkilldash9x/arkenar/internal/state"
	"github.com/xkilldash9x/arkenar/internal/store"
	"github.com/xkilldash9x/arkenar/internal/targets"
)

// findingBuffer sizes the channel between the engine and the aggregator.
const findingBuffer = 100

// pipeline wires the scan components for one invocation.
type pipeline struct {
	cfg       *config.Config
	sink      *reporting.ConsoleSink
	provider  storeProvider
	logger    *zap.Logger
	transport schemas.Transport
}

func newPipeline(cfg *config.Config, out io.Writer, provider storeProvider, logger *zap.Logger) (*pipeline, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := reporting.NewConsoleSink(out)
	sink.Progress = cfg.Engine.Verbose

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &pipeline{
		cfg:       cfg,
		sink:      sink,
		provider:  provider,
		logger:    logger,
		transport: transport,
	}, nil
}

func newTransport(cfg *config.Config, logger *zap.Logger) (*network.HTTPTransport, error) {
	cc, err := network.ClientConfigFromNetwork(cfg.Network, cfg.Engine.Timeout, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
	}
	return network.NewTransport(cc, network.ParseHeaders(cfg.Network.Headers), cfg.Network.MaxBodyBytes), nil
}

// newEngine builds an engine over tm with the configured payload pools.
func (p *pipeline) newEngine(tm *targets.Manager, opts ...engine.Option) (*engine.Engine, error) {
	loader := payloads.NewLoader(p.cfg.Payloads, p.logger)
	eng, err := engine.New(p.cfg.Engine, tm, p.transport, loader, p.logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan engine: %w", err)
	}
	return eng, nil
}

// newAggregator returns an aggregator forwarding to the console and, when a
// database is configured, recording each finding under scanID. The returned
// cleanup must always be called.
func (p *pipeline) newAggregator(ctx context.Context, scanID string) (*results.Aggregator, func(), error) {
	var recorder results.Recorder
	cleanup := func() {}
	if p.cfg.Database.URL != "" && p.provider != nil {
		s, release, err := p.provider.Create(ctx, p.cfg, p.logger)
		if err != nil {
			return nil, cleanup, err
		}
		cleanup = release
		recorder = store.NewScanRecorder(s, scanID)
		p.logger.Info("Recording findings to database", zap.String("scan_id", scanID))
	}
	return results.NewAggregator(p.sink, recorder, p.logger), cleanup, nil
}

// printScanConfig echoes the effective settings before a scan.
func (p *pipeline) printScanConfig(seeds []string) {
	c := p.cfg
	mode := "Simple (fast)"
	if c.Engine.Mode == config.ModeAdvanced {
		mode = "Advanced (comprehensive)"
	}
	verbose := "OFF"
	if c.Engine.Verbose {
		verbose = "ON"
	}
	p.sink.OnLog(schemas.LogSuccess, fmt.Sprintf("Target(s):  %s", strings.Join(seeds, ", ")))
	p.sink.OnLog(schemas.LogInfo, fmt.Sprintf("Threads:    %d", c.Engine.Threads))
	p.sink.OnLog(schemas.LogInfo, fmt.Sprintf("Timeout:    %s", c.Engine.Timeout))
	p.sink.OnLog(schemas.LogInfo, fmt.Sprintf("Mode:       %s", mode))
	p.sink.OnLog(schemas.LogInfo, fmt.Sprintf("Verbose:    %s", verbose))
	p.sink.OnLog(schemas.LogInfo, fmt.Sprintf("Output:     %s", c.Output.Path))
	if c.Engine.RateLimit > 0 {
		p.sink.OnLog(schemas.LogInfo, fmt.Sprintf("Rate Limit: %g req/s", c.Engine.RateLimit))
	}
	if c.Network.Proxy != "" {
		p.sink.OnLog(schemas.LogInfo, fmt.Sprintf("Proxy:      %s", c.Network.Proxy))
	}
	if n := len(network.ParseHeaders(c.Network.Headers)); n > 0 {
		p.sink.OnLog(schemas.LogInfo, fmt.Sprintf("Headers:    %d custom", n))
	}
	if c.Discovery.Scope != config.ScopeOff {
		p.sink.OnLog(schemas.LogInfo, fmt.Sprintf("Scope:      %s", c.Discovery.Scope))
	}
	if len(c.Discovery.Templates.Tags) > 0 {
		p.sink.OnLog(schemas.LogInfo, fmt.Sprintf("Tags:       %s", strings.Join(c.Discovery.Templates.Tags, ",")))
	}
}

// scanOutcome is what a scan run produced.
type scanOutcome struct {
	ScanID   string
	Findings []schemas.Finding
	Stats    engine.Stats
}

// runScan runs a full scan of seeds: discovery, the template scanner, then
// the engine and aggregator side by side. When resumed is set discovery is
// skipped, its pending targets are scanned and its prior results are written
// to the results file only if an interrupted run never got them there.
//
// On interrupt the checkpoint is kept and context.Canceled is returned
// after the summary is printed.
func (p *pipeline) runScan(ctx context.Context, scanID string, seeds []string, resumed *state.ScanState) (*scanOutcome, error) {
	tm := targets.NewManagerFrom(seeds)
	outcome := &scanOutcome{ScanID: scanID}

	if p.cfg.Engine.DryRun {
		p.sink.OnLog(schemas.LogWarn, fmt.Sprintf("[DRY RUN] Would scan %d target(s); no requests are sent.", tm.Len()))
		eng, err := p.newEngine(tm)
		if err != nil {
			return nil, err
		}
		drain := make(chan schemas.Finding)
		go func() {
			for range drain {
			}
		}()
		return outcome, eng.Run(ctx, drain)
	}

	p.printScanConfig(seeds)

	var prior []schemas.Finding
	if resumed == nil {
		discoverer, err := discovery.New(*p.cfg, discovery.TransportFetcher{Transport: p.transport}, p.sink, p.logger)
		if err != nil {
			return nil, err
		}
		p.sink.OnLog(schemas.LogInfo, "Phase 1: Crawling...")
		if added := discoverer.Expand(ctx, seeds, tm); added > 0 {
			p.logger.Info("Targets added by discovery", zap.Int("added", added), zap.Int("total", tm.Len()))
		}
		p.sink.OnLog(schemas.LogInfo, "Phase 2: Running template scanner...")
		discoverer.ScanTemplates(ctx, seeds)
	} else {
		prior = resumed.Results()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.sink.OnLog(schemas.LogInfo, "Phase 3: ARKENAR Engine...")

	checkpoint := resumed
	if checkpoint == nil && p.cfg.Output.Checkpoint {
		checkpoint = state.New(p.cfg.Output.StateFile, scanID, *p.cfg, tm.Pending())
		if err := checkpoint.Save(); err != nil {
			p.logger.Warn("Failed to write initial checkpoint", zap.String("path", checkpoint.Path()), zap.Error(err))
		}
	}

	total := tm.Len()
	var done atomic.Int64
	observer := func(target string, findings []schemas.Finding) {
		if checkpoint != nil {
			if err := checkpoint.Checkpoint(target, findings); err != nil {
				p.logger.Warn("Failed to checkpoint target", zap.String("target", target), zap.Error(err))
			}
		}
		p.sink.OnProgress("scan", int(done.Add(1)), total)
	}

	eng, err := p.newEngine(tm, engine.WithObserver(observer))
	if err != nil {
		return nil, err
	}

	agg, closeStore, err := p.newAggregator(ctx, scanID)
	defer closeStore()
	if err != nil {
		return nil, err
	}
	agg.Seed(prior)

	findings := make(chan schemas.Finding, findingBuffer)
	g, gctx := errgroup.WithContext(ctx)
	var collected []schemas.Finding
	g.Go(func() error {
		return eng.Run(gctx, findings)
	})
	g.Go(func() error {
		var aggErr error
		collected, aggErr = agg.Run(gctx, findings, p.cfg.Output.Path)
		return aggErr
	})
	runErr := g.Wait()

	if errors.Is(runErr, results.ErrOutputOpen) {
		return nil, fmt.Errorf("failed to persist results: %w", runErr)
	}

	outcome.Findings = append(append([]schemas.Finding(nil), prior...), collected...)
	outcome.Stats = eng.Stats()
	results.Summarize(outcome.Findings).Report(p.sink)

	if runErr != nil {
		if checkpoint != nil {
			p.sink.OnLog(schemas.LogWarn, fmt.Sprintf("Scan interrupted. Progress saved to %s; run 'arkenar resume' to continue.", checkpoint.Path()))
		}
		return outcome, runErr
	}

	if checkpoint != nil {
		if err := state.Delete(checkpoint.Path()); err != nil {
			p.logger.Warn("Failed to remove checkpoint", zap.String("path", checkpoint.Path()), zap.Error(err))
		}
	}
	p.logger.Info("Scan complete",
		zap.String("scan_id", scanID),
		zap.Int64("targets", outcome.Stats.Targets),
		zap.Int64("requests", outcome.Stats.Requests),
		zap.Int64("errors", outcome.Stats.Errors))
	return outcome, nil
}
