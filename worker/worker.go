package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codequeue/apperr"
	"github.com/isdmx/codequeue/engine"
	"github.com/isdmx/codequeue/logger"
	"github.com/isdmx/codequeue/metrics"
	"github.com/isdmx/codequeue/queue"
	"github.com/isdmx/codequeue/resultstore"
)

const settleTimeout = 10 * time.Second

// Executor runs one request in a sandbox.
type Executor interface {
	Execute(ctx context.Context, req engine.Request) (engine.Result, error)
}

// Queue is the subset of the job queue a worker consumes.
type Queue interface {
	Reserve(ctx context.Context) (*queue.Job, error)
	ExtendLease(ctx context.Context, job *queue.Job, d time.Duration) error
	Complete(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, reason error) (queue.FailOutcome, error)
}

// ResultSaver persists finished results.
type ResultSaver interface {
	Save(ctx context.Context, jobID string, r resultstore.StoredResult) error
}

// Worker processes one job at a time.
type Worker struct {
	id       int
	logger   *zap.Logger
	executor Executor
	queue    Queue
	results  ResultSaver
	metrics  *metrics.Metrics

	lease        time.Duration
	pollInterval time.Duration
}

// NewWorker creates a worker. lease must match the queue lease so the
// heartbeat renews it in time.
func NewWorker(id int, logger *zap.Logger, executor Executor, q Queue, results ResultSaver, m *metrics.Metrics, lease, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	return &Worker{
		id:           id,
		logger:       logger.With(zap.Int("worker", id)),
		executor:     executor,
		queue:        q,
		results:      results,
		metrics:      m,
		lease:        lease,
		pollInterval: pollInterval,
	}
}

// Run reserves and processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug("worker started")
	defer w.logger.Debug("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := w.queue.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("failed to reserve job", zap.Error(err))
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}
		if job == nil {
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}

		if err := w.Process(ctx, job); err != nil {
			w.logger.Error("failed to settle job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func (w *Worker) sleep(ctx context.Context) bool {
	t := time.NewTimer(w.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Process executes one reserved job and settles it with the queue. The
// returned error reports a failure to settle, not a failed execution.
func (w *Worker) Process(ctx context.Context, job *queue.Job) error {
	log := logger.ForJob(w.logger, job.ID, job.Language).With(zap.Int("attempt", job.AttemptsMade+1))
	log.Info("processing job")

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(execCtx, cancel, log, job)
	}()

	res, execErr := w.executor.Execute(execCtx, engine.Request{
		JobID:      job.ID,
		Language:   job.Language,
		SourceCode: job.SourceCode,
		Stdin:      job.Stdin,
		Timeout:    job.Timeout(),
	})
	cancel()
	<-hbDone

	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancelSettle()

	if execErr != nil {
		return w.fail(settleCtx, log, job, execErr)
	}

	w.metrics.ObserveExecution(job.Language, string(res.Category), res.Duration)

	if err := w.results.Save(settleCtx, job.ID, resultstore.FromResult(res)); err != nil {
		return w.fail(settleCtx, log, job, err)
	}
	if err := w.queue.Complete(settleCtx, job); err != nil {
		return err
	}

	log.Info("job completed",
		zap.String("category", string(res.Category)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	return nil
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, job *queue.Job, cause error) error {
	log.Warn("job attempt failed", zap.Error(cause), zap.Bool("retryable", apperr.IsRetryable(cause)))

	out, err := w.queue.Fail(ctx, job, cause)
	if err != nil {
		return err
	}
	switch {
	case out.Retried:
		w.metrics.IncRetry()
		log.Info("job scheduled for retry", zap.Int("attempts", out.Attempts), zap.Duration("delay", out.Delay))
	case out.DeadLettered:
		w.metrics.IncDeadLetter()
	}
	return nil
}

// heartbeat renews the lease every third of its length. Losing the lease
// cancels the execution because another worker may already own the job.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelFunc, log *zap.Logger, job *queue.Job) {
	if w.lease <= 0 {
		return
	}
	ticker := time.NewTicker(w.lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.ExtendLease(ctx, job, w.lease)
			switch {
			case err == nil:
			case apperr.Is(err, apperr.LeaseLost):
				log.Warn("lease lost, abandoning execution")
				cancel()
				return
			case errors.Is(err, context.Canceled):
				return
			default:
				log.Warn("failed to extend lease", zap.Error(err))
			}
		}
	}
}
