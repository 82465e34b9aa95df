// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/config"
	"github.com/xkilldash9x/arkenar/internal/detector"
	"github.com/xkilldash9x/arkenar/internal/mutator"
	"github.com/xkilldash9x/arkenar/internal/payloads"
	"github.com/xkilldash9x/arkenar/internal/targets"
	"github.com/xkilldash9x/arkenar/internal/throttle"
)

// TargetObserver is called once for every target the engine finishes, with
// the findings emitted for it. Calls may arrive concurrently.
type TargetObserver func(target string, findings []schemas.Finding)

// Option customizes an Engine.
type Option func(*Engine)

// WithObserver registers a per-target completion callback.
func WithObserver(obs TargetObserver) Option {
	return func(e *Engine) { e.observer = obs }
}

// WithThrottle replaces the engine's adaptive throttle.
func WithThrottle(t *throttle.Controller) Option {
	return func(e *Engine) { e.throttle = t }
}

// WithDetector replaces the response classifier.
func WithDetector(d *detector.Detector) Option {
	return func(e *Engine) { e.detector = d }
}

// Stats are running totals for a scan.
type Stats struct {
	Targets   int64
	Requests  int64
	Errors    int64
	Findings  int64
	Throttled int64
}

// Engine pulls targets, fans out mutated requests and emits classified
// findings. The transport, payload pools and detector are shared read-only
// by every task; the throttle is the only mutable shared state.
type Engine struct {
	cfg       config.EngineConfig
	targets   *targets.Manager
	transport schemas.Transport
	payloads  *payloads.Loader
	detector  *detector.Detector
	throttle  *throttle.Controller
	limiter   *rate.Limiter
	observer  TargetObserver
	logger    *zap.Logger

	targetsDone atomic.Int64
	requests    atomic.Int64
	errors      atomic.Int64
	findings    atomic.Int64
}

// New creates an Engine. The target manager is owned by the engine's
// dispatch loop from here on.
func New(
	cfg config.EngineConfig,
	tm *targets.Manager,
	transport schemas.Transport,
	loader *payloads.Loader,
	logger *zap.Logger,
	opts ...Option,
) (*Engine, error) {
	if tm == nil {
		return nil, errors.New("target manager cannot be nil")
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if loader == nil {
		return nil, errors.New("payload loader cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Threads <= 0 {
		return nil, errors.New("threads must be positive")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("timeout must be positive")
	}

	e := &Engine{
		cfg:       cfg,
		targets:   tm,
		transport: transport,
		payloads:  loader,
		detector:  detector.New(),
		throttle:  throttle.New(),
		logger:    logger.Named("engine"),
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Stats returns a snapshot of the running totals.
func (e *Engine) Stats() Stats {
	return Stats{
		Targets:   e.targetsDone.Load(),
		Requests:  e.requests.Load(),
		Errors:    e.errors.Load(),
		Findings:  e.findings.Load(),
		Throttled: e.throttle.TotalThrottled(),
	}
}

// Run scans every queued target and closes sink once all work is done.
// Cancelling ctx stops dispatch at the next target boundary; tasks already
// in flight see the cancellation through their request context. Run returns
// ctx.Err() when it stopped early.
func (e *Engine) Run(ctx context.Context, sink chan<- schemas.Finding) error {
	defer close(sink)

	if e.cfg.DryRun {
		e.plan()
		return nil
	}

	sem := semaphore.NewWeighted(int64(e.cfg.Threads))
	var wg sync.WaitGroup

	e.logger.Info("Scan started", zap.Int("targets", e.targets.Len()), zap.Int("threads", e.cfg.Threads))

	for ctx.Err() == nil {
		target, ok := e.targets.Next()
		if !ok {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			break
		}
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			defer sem.Release(1)
			e.scanTarget(ctx, target, sink)
		}(target)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		e.logger.Warn("Scan interrupted", zap.Int("pending", e.targets.Len()), zap.Error(err))
		return err
	}
	stats := e.Stats()
	e.logger.Info("Scan finished",
		zap.Int64("targets", stats.Targets),
		zap.Int64("requests", stats.Requests),
		zap.Int64("errors", stats.Errors),
		zap.Int64("findings", stats.Findings),
		zap.Int64("throttled", stats.Throttled))
	return nil
}

// ScanRequest scans one request outside the target queue, such as a request
// captured by the proxy. Findings are sent to sink and also returned. sink
// is not closed.
func (e *Engine) ScanRequest(ctx context.Context, req *schemas.Request, sink chan<- schemas.Finding) []schemas.Finding {
	c := &collector{sink: sink}
	e.scanRequest(ctx, req, c)
	return c.all()
}

func (e *Engine) scanTarget(ctx context.Context, target string, sink chan<- schemas.Finding) {
	c := &collector{sink: sink}
	req, err := schemas.NewBaselineRequest(target)
	if err != nil || req.URL.Host == "" {
		e.logger.Warn("Skipping target with invalid URL", zap.String("target", target), zap.Error(err))
	} else {
		e.scanRequest(ctx, req, c)
	}

	// An interrupted target is left for resume rather than reported as done.
	if ctx.Err() != nil {
		return
	}
	e.targetsDone.Add(1)
	if e.observer != nil {
		e.observer(target, c.all())
	}
}

func (e *Engine) scanRequest(ctx context.Context, req *schemas.Request, c *collector) {
	points := mutator.Extract(req)
	if len(points) == 0 {
		e.basicScan(ctx, req, c)
		return
	}

	type task struct {
		point   mutator.InjectionPoint
		payload string
	}
	var tasks []task
	for _, p := range points {
		for _, payload := range e.payloads.For(p) {
			tasks = append(tasks, task{point: p, payload: payload})
		}
	}
	e.logger.Debug("Dispatching mutations",
		zap.String("url", req.URL.String()),
		zap.Int("points", len(points)),
		zap.Int("tasks", len(tasks)))

	var g errgroup.Group
	g.SetLimit(e.cfg.Threads)
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			mutated := mutator.Mutate(req, t.point, t.payload)
			e.probe(ctx, mutated, t.payload, func(kind schemas.VulnerabilityKind) string {
				return mutator.FormatLabel(kind, t.point)
			}, c)
			return nil
		})
	}
	_ = g.Wait()
}

// basicScan sends req unmodified once and classifies the response with an
// empty payload.
func (e *Engine) basicScan(ctx context.Context, req *schemas.Request, c *collector) {
	e.probe(ctx, req, "", func(kind schemas.VulnerabilityKind) string {
		return string(kind)
	}, c)
}

// probe sends one request and emits a finding if the detector flags the
// response. Transport failures end the probe silently.
func (e *Engine) probe(ctx context.Context, req *schemas.Request, payload string, label func(schemas.VulnerabilityKind) string, c *collector) {
	if err := e.throttle.Wait(ctx); err != nil {
		return
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	start := time.Now()
	resp, err := e.transport.Send(reqCtx, req)
	elapsed := time.Since(start).Milliseconds()
	cancel()
	e.requests.Add(1)

	if err != nil {
		e.errors.Add(1)
		e.logger.Debug("Request failed", zap.String("url", req.URL.String()), zap.Error(err))
		return
	}

	if e.throttle.RecordResponse(resp.StatusCode) {
		e.logger.Debug("Target is throttling, backing off",
			zap.Int("status", resp.StatusCode),
			zap.Duration("delay", e.throttle.Delay()))
	}

	kind, found := e.detector.Classify(string(resp.Body), payload, resp.ContentType(), elapsed)
	if !found {
		return
	}

	f := schemas.Finding{
		URL:            req.URL.String(),
		VulnType:       label(kind),
		Payload:        payload,
		TimingMs:       elapsed,
		StatusCode:     resp.StatusCode,
		Server:         resp.Server(),
		Method:         req.Method,
		RequestHeaders: req.HeaderPairs(),
		RequestBody:    req.Body,
	}
	if c.emit(ctx, f) {
		e.findings.Add(1)
		e.logger.Debug("Vulnerability detected", zap.String("url", f.URL), zap.String("type", f.VulnType))
	}
}

// plan logs the work each target would generate without sending anything.
func (e *Engine) plan() {
	total := 0
	for {
		target, ok := e.targets.Next()
		if !ok {
			break
		}
		req, err := schemas.NewBaselineRequest(target)
		if err != nil {
			e.logger.Warn("Skipping target with invalid URL", zap.String("target", target), zap.Error(err))
			continue
		}
		points := mutator.Extract(req)
		requests := 1
		if len(points) > 0 {
			requests = 0
			for _, p := range points {
				requests += len(e.payloads.For(p))
			}
		}
		total += requests
		e.logger.Info("Dry run",
			zap.String("target", target),
			zap.Int("injection_points", len(points)),
			zap.Int("requests", requests))
	}
	e.logger.Info("Dry run complete, no requests sent", zap.Int("requests", total))
}

// collector forwards findings to the shared sink and keeps its own copy for
// the per-target observer.
type collector struct {
	sink chan<- schemas.Finding
	mu   sync.Mutex
	got  []schemas.Finding
}

func (c *collector) emit(ctx context.Context, f schemas.Finding) bool {
	if c.sink != nil {
		select {
		case c.sink <- f:
		case <-ctx.Done():
			return false
		}
	}
	c.mu.Lock()
	c.got = append(c.got, f)
	c.mu.Unlock()
	return true
}

func (c *collector) all() []schemas.Finding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schemas.Finding(nil), c.got...)
}
