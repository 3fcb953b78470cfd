package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/isdmx/codequeue/apperr"
	"github.com/isdmx/codequeue/config"
)

// DeadLetterNotifier is told about jobs that exhausted their attempts.
type DeadLetterNotifier interface {
	Notify(ctx context.Context, dl DeadLetter) error
}

// RedisQueue implements the job queue on a Redis server.
type RedisQueue struct {
	logger *zap.Logger
	rdb    redis.UniversalClient
	prefix string

	lease            time.Duration
	defaults         Options
	removeOnComplete bool
	notifier         DeadLetterNotifier
	now              func() time.Time
}

// Option defines a functional option for RedisQueue
type Option func(*RedisQueue)

// WithLease sets how long a reserved job stays owned without a heartbeat.
func WithLease(d time.Duration) Option {
	return func(q *RedisQueue) {
		q.lease = d
	}
}

// WithDefaults sets the options applied when Enqueue receives nil or zero values.
func WithDefaults(o Options) Option {
	return func(q *RedisQueue) {
		q.defaults = o
	}
}

// WithRemoveOnComplete controls whether completed jobs are deleted.
func WithRemoveOnComplete(remove bool) Option {
	return func(q *RedisQueue) {
		q.removeOnComplete = remove
	}
}

// WithDeadLetterNotifier installs the dead-letter sink.
func WithDeadLetterNotifier(n DeadLetterNotifier) Option {
	return func(q *RedisQueue) {
		q.notifier = n
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) {
		q.now = now
	}
}

// NewRedisQueue creates a queue named name on rdb.
func NewRedisQueue(logger *zap.Logger, rdb redis.UniversalClient, name string, opts ...Option) *RedisQueue {
	q := &RedisQueue{
		logger: logger.With(zap.String("queue", name)),
		rdb:    rdb,
		prefix: "codequeue:" + name + ":",
		lease:  30 * time.Second,
		defaults: Options{
			Priority:    Priority(10),
			MaxAttempts: 3,
			Backoff:     Backoff{Type: BackoffExponential, Delay: time.Second},
		},
		removeOnComplete: true,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// New builds a RedisQueue from configuration.
func New(logger *zap.Logger, cfg *config.Config, rdb redis.UniversalClient, notifier DeadLetterNotifier) *RedisQueue {
	return NewRedisQueue(logger, rdb, cfg.Queue.Name,
		WithLease(cfg.Queue.Lease),
		WithRemoveOnComplete(cfg.Queue.RemoveOnComplete),
		WithDeadLetterNotifier(notifier),
		WithDefaults(Options{
			Priority:    Priority(cfg.Worker.DefaultPriority),
			MaxAttempts: cfg.Queue.MaxAttempts,
			Backoff: Backoff{
				Type:  BackoffType(cfg.Queue.BackoffType),
				Delay: cfg.Queue.BackoffDelay,
				Max:   cfg.Queue.BackoffMax,
			},
		}),
	)
}

func (q *RedisQueue) key(name string) string { return q.prefix + name }
func (q *RedisQueue) jobKey(id string) string { return q.prefix + "job:" + id }

// Enqueue stores job and makes it available to workers. The job id is
// assigned by the queue and returned.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job, opts Options) (string, error) {
	var priority int
	switch {
	case opts.Priority != nil:
		priority = *opts.Priority
	case q.defaults.Priority != nil:
		priority = *q.defaults.Priority
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.defaults.MaxAttempts
	}
	if opts.Backoff.Type == "" {
		opts.Backoff = q.defaults.Backoff
	}

	job.ID = uuid.NewString()
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = q.now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", apperr.Wrapf(err, apperr.InternalServerError, "encode job")
	}

	seq, err := q.rdb.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return "", apperr.Wrapf(err, apperr.QueueUnavailable, "allocate sequence")
	}
	member := fmt.Sprintf("%020d:%s", seq, job.ID)

	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.jobKey(job.ID), map[string]any{
			"data":           data,
			"state":          string(StateWaiting),
			"priority":       priority,
			"member":         member,
			"attempts":       0,
			"maxAttempts":    opts.MaxAttempts,
			"backoffType":    string(opts.Backoff.Type),
			"backoffDelayMs": opts.Backoff.Delay.Milliseconds(),
			"backoffMaxMs":   opts.Backoff.Max.Milliseconds(),
			"enqueuedAt":     q.now().UnixMilli(),
		})
		p.ZAdd(ctx, q.key("wait"), redis.Z{Score: float64(priority), Member: member})
		return nil
	})
	if err != nil {
		return "", apperr.Wrapf(err, apperr.QueueUnavailable, "enqueue job")
	}

	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("language", job.Language),
		zap.Int("priority", priority))
	return job.ID, nil
}

// Reserve promotes due retries and hands the next job to the caller under a
// fresh lease. It returns nil, nil when no job is ready.
func (q *RedisQueue) Reserve(ctx context.Context) (*Job, error) {
	now := q.now()
	token := uuid.NewString()

	fields, err := reserveScript.Run(ctx, q.rdb,
		[]string{q.key("wait"), q.key("delayed"), q.key("active")},
		now.UnixMilli(), now.Add(q.lease).UnixMilli(), token, q.prefix+"job:",
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.QueueUnavailable, "reserve job")
	}

	info, err := parseInfo(pairs(fields))
	if err != nil {
		return nil, err
	}
	job := info.Job
	job.token = token
	return &job, nil
}

// ExtendLease pushes the lease deadline of an owned job to now+d.
func (q *RedisQueue) ExtendLease(ctx context.Context, job *Job, d time.Duration) error {
	ok, err := extendScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.jobKey(job.ID)},
		job.ID, job.token, q.now().Add(d).UnixMilli(),
	).Int()
	if err != nil {
		return apperr.Wrapf(err, apperr.QueueUnavailable, "extend lease")
	}
	if ok == 0 {
		return apperr.New(apperr.LeaseLost).WithDetail("job_id", job.ID)
	}
	return nil
}

// Complete marks an owned job done, deleting it unless completed jobs are retained.
func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	remove := "0"
	if q.removeOnComplete {
		remove = "1"
	}
	ok, err := completeScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.jobKey(job.ID)},
		job.ID, job.token, remove, q.now().UnixMilli(),
	).Int()
	if err != nil {
		return apperr.Wrapf(err, apperr.QueueUnavailable, "complete job")
	}
	if ok == 0 {
		return apperr.New(apperr.LeaseLost).WithDetail("job_id", job.ID)
	}
	return nil
}

// Fail records a failed attempt. The job is delayed for retry while attempts
// remain; otherwise it moves to the failed set and the dead-letter notifier
// is called.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, reason error) (FailOutcome, error) {
	return q.fail(ctx, job, reason, 0)
}

func (q *RedisQueue) fail(ctx context.Context, job *Job, reason error, stalledBefore int64) (FailOutcome, error) {
	now := q.now()
	attempts := job.AttemptsMade + 1
	out := FailOutcome{Attempts: attempts}

	retryAt := int64(-1)
	if attempts < job.MaxAttempts {
		out.Retried = true
		out.Delay = job.backoff.Next(attempts)
		retryAt = now.Add(out.Delay).UnixMilli()
	} else {
		out.DeadLettered = true
	}

	msg := "unknown error"
	if reason != nil {
		msg = reason.Error()
	}

	got, err := failScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("delayed"), q.key("failed"), q.jobKey(job.ID)},
		job.ID, job.token, now.UnixMilli(), msg, retryAt, stalledBefore,
	).Int()
	if err != nil {
		return FailOutcome{}, apperr.Wrapf(err, apperr.QueueUnavailable, "fail job")
	}
	if got < 0 {
		return FailOutcome{}, apperr.New(apperr.LeaseLost).WithDetail("job_id", job.ID)
	}
	out.Attempts = got

	if out.DeadLettered {
		q.logger.Warn("job moved to dead letter",
			zap.String("job_id", job.ID),
			zap.Int("attempts", got),
			zap.String("reason", msg))
		if q.notifier != nil {
			dl := DeadLetter{JobID: job.ID, Language: job.Language, Attempts: got, Reason: msg, FailedAt: now.UTC()}
			if err := q.notifier.Notify(ctx, dl); err != nil {
				q.logger.Error("dead-letter notification failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}
	return out, nil
}

// RecoverStalled sends every job whose lease has expired back through Fail.
// It returns the number of jobs recovered.
func (q *RedisQueue) RecoverStalled(ctx context.Context) (int, error) {
	now := q.now().UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("active"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, apperr.Wrapf(err, apperr.QueueUnavailable, "scan active jobs")
	}

	recovered := 0
	for _, id := range ids {
		fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
		if err != nil {
			return recovered, apperr.Wrapf(err, apperr.QueueUnavailable, "load stalled job")
		}
		if len(fields) == 0 {
			q.rdb.ZRem(ctx, q.key("active"), id)
			continue
		}
		info, err := parseInfo(fields)
		if err != nil {
			q.logger.Error("dropping unreadable stalled job", zap.String("job_id", id), zap.Error(err))
			q.rdb.ZRem(ctx, q.key("active"), id)
			continue
		}
		job := info.Job
		job.token = fields["token"]

		_, err = q.fail(ctx, &job, errors.New("job stalled: worker lease expired"), now)
		if apperr.Is(err, apperr.LeaseLost) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		q.logger.Warn("recovered stalled job", zap.String("job_id", id))
		recovered++
	}
	return recovered, nil
}

// State returns the lifecycle state of id, or StateNotFound.
func (q *RedisQueue) State(ctx context.Context, id string) (State, error) {
	s, err := q.rdb.HGet(ctx, q.jobKey(id), "state").Result()
	if errors.Is(err, redis.Nil) {
		return StateNotFound, nil
	}
	if err != nil {
		return "", apperr.Wrapf(err, apperr.QueueUnavailable, "read job state")
	}
	return State(s), nil
}

// Inspect returns the stored view of id. A missing job yields State StateNotFound.
func (q *RedisQueue) Inspect(ctx context.Context, id string) (Info, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return Info{}, apperr.Wrapf(err, apperr.QueueUnavailable, "read job")
	}
	if len(fields) == 0 {
		return Info{State: StateNotFound}, nil
	}
	return parseInfo(fields)
}

// Counts returns the number of jobs per non-terminal state plus failed.
func (q *RedisQueue) Counts(ctx context.Context) (map[State]int64, error) {
	sets := map[State]string{
		StateWaiting: q.key("wait"),
		StateDelayed: q.key("delayed"),
		StateActive:  q.key("active"),
		StateFailed:  q.key("failed"),
	}
	cmds := make(map[State]*redis.IntCmd, len(sets))
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for state, key := range sets {
			cmds[state] = p.ZCard(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.QueueUnavailable, "count jobs")
	}
	counts := make(map[State]int64, len(cmds))
	for state, cmd := range cmds {
		counts[state] = cmd.Val()
	}
	return counts, nil
}

func pairs(flat []string) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[flat[i]] = flat[i+1]
	}
	return m
}

func parseInfo(fields map[string]string) (Info, error) {
	var job Job
	if err := json.Unmarshal([]byte(fields["data"]), &job); err != nil {
		return Info{}, apperr.Wrapf(err, apperr.InternalServerError, "decode job")
	}

	job.Priority = atoi(fields["priority"])
	job.AttemptsMade = atoi(fields["attempts"])
	job.MaxAttempts = atoi(fields["maxAttempts"])
	job.backoff = Backoff{
		Type:  BackoffType(fields["backoffType"]),
		Delay: time.Duration(atoi(fields["backoffDelayMs"])) * time.Millisecond,
		Max:   time.Duration(atoi(fields["backoffMaxMs"])) * time.Millisecond,
	}

	info := Info{
		Job:          job,
		State:        State(fields["state"]),
		AttemptsMade: job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		FailedReason: fields["failedReason"],
	}
	if ms := atoi(fields["finishedAt"]); ms > 0 {
		info.FinishedAt = time.UnixMilli(int64(ms)).UTC()
	}
	return info, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
