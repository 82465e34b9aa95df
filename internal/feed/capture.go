// internal/feed/capture.go
package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/api/schemas"
)

// DefaultCaptureQueueSize bounds requests waiting to be scanned.
const DefaultCaptureQueueSize = 256

// CaptureQueue buffers requests captured by the proxy and scans each
// distinct one. Enqueue never blocks the proxy: when the queue is full the
// request is dropped.
type CaptureQueue struct {
	scanner RequestScanner
	queue   chan *schemas.Request
	workers int
	logger  *zap.Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	dropped atomic.Int64
	scanned atomic.Int64
}

// NewCaptureQueue creates a queue scanned by workers goroutines.
func NewCaptureQueue(scanner RequestScanner, size, workers int, logger *zap.Logger) (*CaptureQueue, error) {
	if scanner == nil {
		return nil, errors.New("request scanner cannot be nil")
	}
	if size <= 0 {
		size = DefaultCaptureQueueSize
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaptureQueue{
		scanner: scanner,
		queue:   make(chan *schemas.Request, size),
		workers: workers,
		logger:  logger.Named("capture"),
		seen:    make(map[string]struct{}),
	}, nil
}

// Enqueue offers a captured request. Requests already seen, keyed by method
// and URL, are ignored.
func (q *CaptureQueue) Enqueue(req *schemas.Request) {
	if req == nil || req.URL == nil {
		return
	}
	key := req.Method + " " + req.URL.String()
	q.mu.Lock()
	if _, dup := q.seen[key]; dup {
		q.mu.Unlock()
		return
	}
	q.seen[key] = struct{}{}
	q.mu.Unlock()

	select {
	case q.queue <- req:
	default:
		q.dropped.Add(1)
		q.logger.Warn("Capture queue full, request dropped", zap.String("url", req.URL.String()))
	}
}

// Run scans queued requests until ctx is cancelled. Findings go to sink,
// which Run does not close.
func (q *CaptureQueue) Run(ctx context.Context, sink chan<- schemas.Finding) {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case req := <-q.queue:
					found := q.scanner.ScanRequest(ctx, req, sink)
					q.scanned.Add(1)
					q.logger.Debug("Scanned captured request",
						zap.String("method", req.Method),
						zap.String("url", req.URL.String()),
						zap.Int("findings", len(found)))
				}
			}
		}()
	}
	wg.Wait()
}

// Scanned returns how many captured requests have been scanned.
func (q *CaptureQueue) Scanned() int64 { return q.scanned.Load() }

// Dropped returns how many captured requests were dropped.
func (q *CaptureQueue) Dropped() int64 { return q.dropped.Load() }
