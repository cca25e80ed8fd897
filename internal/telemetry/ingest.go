package telemetry

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"cnc-monitor-backend/internal/engine"
	"cnc-monitor-backend/internal/logger"
	"cnc-monitor-backend/internal/metrics"
)

// Handler applies a decoded report. *engine.Engine satisfies it.
type Handler interface {
	Handle(ctx context.Context, r engine.Report) (engine.Outcome, error)
}

// Ingestor spreads reports over a fixed set of workers. Reports for one
// machine always land on the same worker, so they are applied in arrival
// order while different machines proceed in parallel.
type Ingestor struct {
	handler    Handler
	shards     []chan engine.Report
	submitWait time.Duration
	wg         sync.WaitGroup
	startOnce  sync.Once
}

// NewIngestor creates an ingestor with the given number of workers, each
// with its own buffered queue.
func NewIngestor(h Handler, workers, queueSize int) *Ingestor {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	shards := make([]chan engine.Report, workers)
	for i := range shards {
		shards[i] = make(chan engine.Report, queueSize)
	}
	return &Ingestor{
		handler:    h,
		shards:     shards,
		submitWait: time.Second,
	}
}

// Start launches the worker goroutines. They exit when ctx is cancelled.
func (in *Ingestor) Start(ctx context.Context) {
	in.startOnce.Do(func() {
		for i, ch := range in.shards {
			in.wg.Add(1)
			go in.worker(ctx, i, ch)
		}
	})
}

// Wait blocks until all workers have exited.
func (in *Ingestor) Wait() {
	in.wg.Wait()
}

func (in *Ingestor) worker(ctx context.Context, id int, jobs <-chan engine.Report) {
	defer in.wg.Done()
	logger.Debug("ingest worker started", "worker", id)
	for {
		select {
		case r := <-jobs:
			// Errors are already logged with full context by the engine.
			_, _ = in.handler.Handle(ctx, r)
		case <-ctx.Done():
			logger.Debug("ingest worker shutting down", "worker", id)
			return
		}
	}
}

// Submit queues a report. It gives up after a short wait when the
// machine's queue is full and reports whether the report was accepted.
func (in *Ingestor) Submit(ctx context.Context, r engine.Report) bool {
	ch := in.shards[in.shard(r.Machine)]
	select {
	case ch <- r:
		return true
	default:
	}

	timer := time.NewTimer(in.submitWait)
	defer timer.Stop()
	select {
	case ch <- r:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		metrics.TelemetryMessages.WithLabelValues("dropped").Inc()
		logger.Warn("ingest queue full, dropping telemetry", "machine", r.Machine, "status", r.Status)
		return false
	}
}

func (in *Ingestor) shard(machine string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(machine))
	return int(h.Sum32() % uint32(len(in.shards)))
}
