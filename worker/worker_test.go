package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codequeue/apperr"
	"github.com/isdmx/codequeue/engine"
	"github.com/isdmx/codequeue/metrics"
	"github.com/isdmx/codequeue/queue"
	"github.com/isdmx/codequeue/resultstore"
)

type fakeExecutor struct {
	mu       sync.Mutex
	requests []engine.Request
	fn       func(ctx context.Context, req engine.Request) (engine.Result, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, req engine.Request) (engine.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func returns(res engine.Result, err error) *fakeExecutor {
	return &fakeExecutor{fn: func(context.Context, engine.Request) (engine.Result, error) { return res, err }}
}

type recordingNotifier struct {
	mu      sync.Mutex
	letters []queue.DeadLetter
}

func (r *recordingNotifier) Notify(_ context.Context, dl queue.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.letters = append(r.letters, dl)
	return nil
}

type fixture struct {
	queue    *queue.RedisQueue
	store    *resultstore.Store
	notifier *recordingNotifier
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	n := &recordingNotifier{}
	q := queue.NewRedisQueue(zaptest.NewLogger(t), rdb, "test",
		queue.WithDeadLetterNotifier(n),
		queue.WithDefaults(queue.Options{
			MaxAttempts: maxAttempts,
			Backoff:     queue.Backoff{Type: queue.BackoffFixed, Delay: time.Millisecond},
		}),
	)
	return &fixture{
		queue:    q,
		store:    resultstore.NewStore(rdb, "", 0),
		notifier: n,
		metrics:  metrics.New(),
	}
}

func (f *fixture) worker(t *testing.T, exec Executor) *Worker {
	return NewWorker(0, zaptest.NewLogger(t), exec, f.queue, f.store, f.metrics, 30*time.Second, 10*time.Millisecond)
}

func (f *fixture) enqueueAndReserve(t *testing.T) *queue.Job {
	t.Helper()
	ctx := context.Background()
	_, err := f.queue.Enqueue(ctx, queue.Job{Language: "python", SourceCode: "print(1)", TimeoutMS: 3000}, queue.Options{Priority: queue.Priority(10)})
	require.NoError(t, err)
	job, err := f.queue.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestProcessStoresClassifiedResults(t *testing.T) {
	tests := []struct {
		name   string
		result engine.Result
		want   resultstore.StoredResult
	}{
		{
			name:   "Success",
			result: engine.Result{Category: engine.CategorySuccess, Output: "1", ExitCode: 0},
			want:   resultstore.StoredResult{Status: "completed", Output: "1", ExitCode: 0},
		},
		{
			name:   "TimedOut",
			result: engine.Result{Category: engine.CategoryTimedOut, ExitCode: 124, Code: apperr.TimeLimitExceeded},
			want: resultstore.StoredResult{
				Status: "completed", ExitCode: 124, Error: "Time Limit Exceeded (program ran too long)",
			},
		},
		{
			name:   "UnsupportedLanguage",
			result: engine.Result{Category: engine.CategoryUnsupportedLanguage, ExitCode: 400, Code: apperr.LanguageNotSupported},
			want:   resultstore.StoredResult{Status: "completed", ExitCode: 400, Error: "Unsupported language"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3)
			exec := returns(tt.result, nil)
			job := f.enqueueAndReserve(t)

			require.NoError(t, f.worker(t, exec).Process(context.Background(), job))

			got, err := f.store.Get(context.Background(), job.ID)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, *got)

			state, err := f.queue.State(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, queue.StateNotFound, state, "completed jobs are removed")
			assert.Empty(t, f.notifier.letters)
		})
	}
}

func TestProcessPassesJobToExecutor(t *testing.T) {
	f := newFixture(t, 3)
	exec := returns(engine.Result{Category: engine.CategorySuccess}, nil)
	job := f.enqueueAndReserve(t)
	job.Stdin = "5\n"

	require.NoError(t, f.worker(t, exec).Process(context.Background(), job))
	require.Len(t, exec.requests, 1)
	req := exec.requests[0]
	assert.Equal(t, job.ID, req.JobID)
	assert.Equal(t, "python", req.Language)
	assert.Equal(t, "print(1)", req.SourceCode)
	assert.Equal(t, "5\n", req.Stdin)
	assert.Equal(t, 3*time.Second, req.Timeout)
}

func TestProcessRetriesInfrastructureErrors(t *testing.T) {
	f := newFixture(t, 3)
	exec := returns(engine.Result{}, apperr.Wrap(errors.New("daemon unreachable"), apperr.InfrastructureError))
	job := f.enqueueAndReserve(t)

	require.NoError(t, f.worker(t, exec).Process(context.Background(), job))

	info, err := f.queue.Inspect(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, info.State)
	assert.Equal(t, 1, info.AttemptsMade)

	got, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "no result is stored for a failed attempt")
}

func TestProcessDeadLettersAfterLastAttempt(t *testing.T) {
	f := newFixture(t, 1)
	exec := returns(engine.Result{}, apperr.Wrap(errors.New("daemon unreachable"), apperr.InfrastructureError))
	job := f.enqueueAndReserve(t)

	require.NoError(t, f.worker(t, exec).Process(context.Background(), job))

	info, err := f.queue.Inspect(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, info.State)
	assert.Contains(t, info.FailedReason, "daemon unreachable")

	require.Len(t, f.notifier.letters, 1)
	assert.Equal(t, job.ID, f.notifier.letters[0].JobID)
	assert.Equal(t, 1, f.notifier.letters[0].Attempts)
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	f := newFixture(t, 3)
	var attempts atomic.Int32
	exec := &fakeExecutor{fn: func(context.Context, engine.Request) (engine.Result, error) {
		if attempts.Add(1) < 3 {
			return engine.Result{}, apperr.New(apperr.InfrastructureError)
		}
		return engine.Result{Category: engine.CategorySuccess, Output: "ok"}, nil
	}}
	id, err := f.queue.Enqueue(context.Background(), queue.Job{Language: "python", SourceCode: "x"}, queue.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker(t, exec).Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), id)
		return err == nil && got != nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Empty(t, f.notifier.letters)
}

type heartbeatQueue struct {
	Queue
	extends atomic.Int32
	lost    bool
}

func (h *heartbeatQueue) ExtendLease(context.Context, *queue.Job, time.Duration) error {
	h.extends.Add(1)
	if h.lost {
		return apperr.New(apperr.LeaseLost)
	}
	return nil
}

func (h *heartbeatQueue) Complete(context.Context, *queue.Job) error { return nil }

func (h *heartbeatQueue) Fail(context.Context, *queue.Job, error) (queue.FailOutcome, error) {
	return queue.FailOutcome{Attempts: 1, Retried: true}, nil
}

type discardResults struct{}

func (discardResults) Save(context.Context, string, resultstore.StoredResult) error { return nil }

func TestHeartbeatExtendsLease(t *testing.T) {
	q := &heartbeatQueue{}
	exec := &fakeExecutor{fn: func(ctx context.Context, _ engine.Request) (engine.Result, error) {
		time.Sleep(100 * time.Millisecond)
		return engine.Result{Category: engine.CategorySuccess}, nil
	}}
	w := NewWorker(0, zaptest.NewLogger(t), exec, q, discardResults{}, nil, 30*time.Millisecond, time.Millisecond)

	require.NoError(t, w.Process(context.Background(), &queue.Job{ID: "j", Language: "python"}))
	assert.GreaterOrEqual(t, q.extends.Load(), int32(2))
}

func TestLeaseLossCancelsExecution(t *testing.T) {
	q := &heartbeatQueue{lost: true}
	exec := &fakeExecutor{fn: func(ctx context.Context, _ engine.Request) (engine.Result, error) {
		select {
		case <-ctx.Done():
			return engine.Result{}, apperr.Wrap(ctx.Err(), apperr.InfrastructureError)
		case <-time.After(5 * time.Second):
			return engine.Result{Category: engine.CategorySuccess}, nil
		}
	}}
	w := NewWorker(0, zaptest.NewLogger(t), exec, q, discardResults{}, nil, 30*time.Millisecond, time.Millisecond)

	start := time.Now()
	require.NoError(t, w.Process(context.Background(), &queue.Job{ID: "j", Language: "python"}))
	assert.Less(t, time.Since(start), 2*time.Second)
}
