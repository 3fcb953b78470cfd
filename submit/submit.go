// Package submit validates job submissions, enqueues them and resolves
// job status for the REST and MCP front ends.
package submit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codequeue/apperr"
	"github.com/isdmx/codequeue/config"
	"github.com/isdmx/codequeue/metrics"
	"github.com/isdmx/codequeue/queue"
	"github.com/isdmx/codequeue/resultstore"
)

// Client-visible job states.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusNotFound  = "not-found"
)

// Submission is a client request to run code.
type Submission struct {
	Code      string         `json:"code"`
	Language  string         `json:"language"`
	Priority  *int           `json:"priority,omitempty"`
	TimeoutMS int            `json:"timeoutMs,omitempty"`
	Stdin     string         `json:"stdin,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// Status is the client view of a job.
type Status struct {
	Status   string  `json:"status"`
	Output   *string `json:"output,omitempty"`
	ExitCode *int    `json:"exitCode,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Languages reports which languages can be executed.
type Languages interface {
	Supports(name string) bool
	Names() []string
}

// Enqueuer is the queue surface needed to accept and track jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job, opts queue.Options) (string, error)
	Inspect(ctx context.Context, id string) (queue.Info, error)
}

// ResultReader reads stored results.
type ResultReader interface {
	Get(ctx context.Context, jobID string) (*resultstore.StoredResult, error)
}

// Service implements submission and status lookup.
type Service struct {
	logger    *zap.Logger
	languages Languages
	queue     Enqueuer
	results   ResultReader
	metrics   *metrics.Metrics

	defaultPriority int
	defaultTimeout  time.Duration
	maxTimeout      time.Duration
}

// NewService creates a Service.
func NewService(logger *zap.Logger, languages Languages, q Enqueuer, results ResultReader, m *metrics.Metrics, defaultPriority int, defaultTimeout, maxTimeout time.Duration) *Service {
	return &Service{
		logger:          logger.Named("submit"),
		languages:       languages,
		queue:           q,
		results:         results,
		metrics:         m,
		defaultPriority: defaultPriority,
		defaultTimeout:  defaultTimeout,
		maxTimeout:      maxTimeout,
	}
}

// New builds a Service from configuration.
func New(logger *zap.Logger, cfg *config.Config, languages Languages, q Enqueuer, results ResultReader, m *metrics.Metrics) *Service {
	return NewService(logger, languages, q, results, m, cfg.Worker.DefaultPriority, cfg.DefaultTimeout(), cfg.MaxTimeout())
}

// Languages returns the names accepted by Submit.
func (s *Service) Languages() []string {
	return s.languages.Names()
}

// Submit validates sub and enqueues it. Invalid submissions never reach the queue.
func (s *Service) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	if err := s.validate(&sub); err != nil {
		return Receipt{}, err
	}

	id, err := s.queue.Enqueue(ctx, queue.Job{
		Language:   sub.Language,
		SourceCode: sub.Code,
		Stdin:      sub.Stdin,
		TimeoutMS:  sub.TimeoutMS,
		Metadata:   sub.Metadata,
	}, queue.Options{Priority: sub.Priority})
	if err != nil {
		return Receipt{}, err
	}

	s.metrics.IncSubmitted(sub.Language)
	s.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("language", sub.Language),
		zap.Int("priority", *sub.Priority),
		zap.Int("timeout_ms", sub.TimeoutMS))
	return Receipt{JobID: id, Status: StatusQueued}, nil
}

func (s *Service) validate(sub *Submission) error {
	if strings.TrimSpace(sub.Code) == "" || sub.Language == "" {
		return apperr.BadRequest("code and language are required")
	}
	if !s.languages.Supports(sub.Language) {
		return apperr.New(apperr.LanguageNotSupported).
			WithDetail("language", sub.Language).
			WithDetail("supported", s.languages.Names())
	}
	if sub.Priority == nil {
		sub.Priority = queue.Priority(s.defaultPriority)
	}
	if *sub.Priority < 0 {
		return apperr.BadRequest("priority must not be negative")
	}
	if sub.TimeoutMS < 0 {
		return apperr.BadRequest("timeoutMs must be positive")
	}
	if sub.TimeoutMS == 0 {
		sub.TimeoutMS = int(s.defaultTimeout.Milliseconds())
	}
	if s.maxTimeout > 0 && time.Duration(sub.TimeoutMS)*time.Millisecond > s.maxTimeout {
		return apperr.Newf(apperr.InvalidParams, "timeoutMs must not exceed %d", s.maxTimeout.Milliseconds())
	}
	return nil
}

// Status resolves the state of a job. The result store is consulted first
// so that a finished job is reported even after the queue dropped it.
func (s *Service) Status(ctx context.Context, jobID string) (Status, error) {
	res, err := s.results.Get(ctx, jobID)
	if err != nil {
		return Status{}, err
	}
	if res != nil {
		return Status{
			Status:   StatusCompleted,
			Output:   &res.Output,
			ExitCode: &res.ExitCode,
			Error:    res.Error,
		}, nil
	}

	info, err := s.queue.Inspect(ctx, jobID)
	if err != nil {
		return Status{}, err
	}
	switch info.State {
	case queue.StateWaiting, queue.StateDelayed:
		return Status{Status: StatusQueued}, nil
	case queue.StateActive:
		return Status{Status: StatusRunning}, nil
	case queue.StateFailed:
		return Status{Status: StatusFailed, Error: info.FailedReason}, nil
	default:
		// Completed jobs whose result expired are indistinguishable from unknown ids.
		return Status{Status: StatusNotFound}, nil
	}
}
