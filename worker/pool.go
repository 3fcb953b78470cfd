package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/codequeue/config"
	"github.com/isdmx/codequeue/metrics"
	"github.com/isdmx/codequeue/queue"
)

// Supervisor is the queue maintenance used by the pool.
type Supervisor interface {
	Queue
	RecoverStalled(ctx context.Context) (int, error)
	Counts(ctx context.Context) (map[queue.State]int64, error)
}

// Pool runs competing workers plus the stalled-job sweep.
type Pool struct {
	logger          *zap.Logger
	queue           Supervisor
	metrics         *metrics.Metrics
	workers         []*Worker
	stalledInterval time.Duration
}

// NewPool creates concurrency workers sharing executor, queue and results.
func NewPool(logger *zap.Logger, executor Executor, q Supervisor, results ResultSaver, m *metrics.Metrics, concurrency int, lease, pollInterval, stalledInterval time.Duration) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	p := &Pool{
		logger:          logger.Named("worker"),
		queue:           q,
		metrics:         m,
		stalledInterval: stalledInterval,
	}
	for i := range concurrency {
		p.workers = append(p.workers, NewWorker(i, p.logger, executor, q, results, m, lease, pollInterval))
	}
	return p
}

// New builds a Pool from configuration.
func New(logger *zap.Logger, cfg *config.Config, executor Executor, q Supervisor, results ResultSaver, m *metrics.Metrics) *Pool {
	return NewPool(logger, executor, q, results, m,
		cfg.Worker.Concurrency, cfg.Queue.Lease, cfg.Queue.PollInterval, cfg.Queue.StalledInterval)
}

// Size is the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Run blocks until ctx is cancelled and every worker has finished its
// current job.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", zap.Int("concurrency", len(p.workers)))
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	if p.stalledInterval > 0 {
		g.Go(func() error {
			p.sweep(ctx)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.stalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep recovers stalled jobs once and refreshes the queue gauges.
func (p *Pool) Sweep(ctx context.Context) {
	n, err := p.queue.RecoverStalled(ctx)
	if err != nil {
		p.logger.Error("stalled job recovery failed", zap.Error(err))
	} else if n > 0 {
		p.logger.Warn("recovered stalled jobs", zap.Int("count", n))
	}

	counts, err := p.queue.Counts(ctx)
	if err != nil {
		p.logger.Warn("failed to read queue depth", zap.Error(err))
		return
	}
	for state, c := range counts {
		p.metrics.SetQueueDepth(string(state), c)
	}
}
