package rca

import (
	"context"
	"sync/atomic"

	"log/slog"

	"github.com/guardrail-dev/guardrail/pkg/config"
)

const defaultQueueSize = 16

// Worker runs analyses off a bounded queue so incident creation never waits
// on the generator.
type Worker struct {
	svc     Service
	queue   chan string
	logger  *slog.Logger
	dropped atomic.Uint64
}

// NewWorker constructs a worker with a queue sized from configuration.
func NewWorker(svc Service, logger *slog.Logger, cfg config.APIConfig) *Worker {
	size := cfg.RCAQueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		svc:    svc,
		queue:  make(chan string, size),
		logger: logger.With("component", "rca"),
	}
}

// EnqueueAnalysis queues an incident for analysis without blocking. When the
// queue is full the request is dropped and logged; the incident itself is
// already persisted, so a dropped analysis only leaves the fallback absent.
func (w *Worker) EnqueueAnalysis(incidentID string) {
	if w == nil {
		return
	}
	select {
	case w.queue <- incidentID:
	default:
		w.dropped.Add(1)
		w.logger.Warn("analysis queue full, dropping request", "incident_id", incidentID)
	}
}

// Dropped reports how many analysis requests were discarded on a full queue.
func (w *Worker) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

// Run consumes the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if w == nil {
		return
	}
	w.logger.Info("analysis worker started", "queue_size", cap(w.queue))
	defer w.logger.Info("analysis worker stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case incidentID := <-w.queue:
			if _, err := w.svc.Analyze(ctx, incidentID); err != nil {
				w.logger.Warn("analysis failed", "incident_id", incidentID, "error", err)
			}
		}
	}
}
