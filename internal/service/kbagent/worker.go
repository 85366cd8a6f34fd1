package kbagent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sapphire/internal/telemetry"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 64
	jobTimeout       = 2 * time.Minute
	sinkTimeout      = 10 * time.Second
)

// Processor runs the agent for one resolution.
type Processor interface {
	Process(ctx context.Context, in ProcessInput) ProcessResult
}

// ResultSink records a job's result on its support log.
type ResultSink interface {
	SetKBResult(ctx context.Context, logID uuid.UUID, documentID *string, result map[string]any) error
}

// Worker runs agent jobs on a fixed pool over a bounded queue. Jobs that do
// not fit are dropped, and the drop is recorded on the log row.
type Worker struct {
	agent   Processor
	sink    ResultSink
	logger  *slog.Logger
	workers int

	mu     sync.RWMutex
	closed bool
	jobs   chan ProcessInput

	started    atomic.Bool
	cancelJobs context.CancelFunc
	wg         sync.WaitGroup
	abandoned  atomic.Int64

	dropped   metric.Int64Counter
	processed metric.Int64Counter
}

// NewWorker creates a Worker. Non-positive sizes use the defaults.
func NewWorker(agent Processor, sink ResultSink, workers, queueSize int, logger *slog.Logger) *Worker {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	meter := telemetry.Meter("sapphire/kbagent")
	dropped, _ := meter.Int64Counter("sapphire.kb.worker.dropped",
		metric.WithDescription("KB agent jobs dropped because the queue was full"),
	)
	processed, _ := meter.Int64Counter("sapphire.kb.worker.processed",
		metric.WithDescription("KB agent jobs processed"),
	)
	return &Worker{
		agent:     agent,
		sink:      sink,
		logger:    logger,
		workers:   workers,
		jobs:      make(chan ProcessInput, queueSize),
		dropped:   dropped,
		processed: processed,
	}
}

// Len reports how many jobs are queued.
func (w *Worker) Len() int { return len(w.jobs) }

// Capacity reports the queue size.
func (w *Worker) Capacity() int { return cap(w.jobs) }

// Start launches the pool. Later calls are no-ops.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("kb worker: Start called more than once, ignoring")
		return
	}
	// Jobs and their result writes outlive request contexts; only a timed
	// out Drain cancels them, all at once.
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancelJobs = cancel
	for range w.workers {
		w.wg.Add(1)
		go w.run(jobCtx)
	}
}

// Submit enqueues a job without blocking. It reports false when the job
// was dropped because the queue is full or the worker is draining.
func (w *Worker) Submit(ctx context.Context, in ProcessInput) bool {
	w.mu.RLock()
	accepted := false
	if !w.closed {
		select {
		case w.jobs <- in:
			accepted = true
		default:
		}
	}
	w.mu.RUnlock()
	if accepted {
		return true
	}

	w.dropped.Add(ctx, 1)
	w.logger.Warn("kb worker: queue full, dropping job", "log_id", in.LogID)
	if in.LogID != nil && w.sink != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
		defer cancel()
		result := map[string]any{"decision": "dropped", "error": "kb agent queue full"}
		if err := w.sink.SetKBResult(sctx, *in.LogID, nil, result); err != nil {
			w.logger.Error("kb worker: record drop failed", "log_id", *in.LogID, "error", err)
		}
	}
	return false
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for in := range w.jobs {
		if ctx.Err() != nil {
			w.abandoned.Add(1)
			continue
		}
		w.handle(ctx, in)
	}
}

func (w *Worker) handle(ctx context.Context, in ProcessInput) {
	jctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	res := w.agent.Process(jctx, in)
	w.processed.Add(ctx, 1)
	if res.Err != nil {
		w.logger.Warn("kb worker: agent action failed",
			"log_id", in.LogID, "decision", res.Decision, "error", res.Err)
	}
	if in.LogID == nil || w.sink == nil {
		return
	}
	sctx, scancel := context.WithTimeout(ctx, sinkTimeout)
	defer scancel()
	if err := w.sink.SetKBResult(sctx, *in.LogID, res.DocumentID, res.Map()); err != nil {
		w.logger.Error("kb worker: record result failed", "log_id", *in.LogID, "error", err)
	}
}

// Drain stops accepting jobs and waits for queued ones to finish. When ctx
// expires first, in-flight jobs and their result writes are cancelled and
// jobs still queued are abandoned.
func (w *Worker) Drain(ctx context.Context) {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()

	if !w.started.Load() {
		return
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("kb worker: drain timed out, cancelling in-flight jobs")
		w.cancelJobs()
		<-done
		if n := w.abandoned.Load(); n > 0 {
			w.logger.Warn("kb worker: abandoned queued jobs", "count", n)
		}
	}
	w.cancelJobs()
}
