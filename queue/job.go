package queue

import (
	"time"
)

// State is the lifecycle position of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateNotFound  State = "not-found"
)

// Job is the unit of work carried through the queue.
type Job struct {
	ID          string         `json:"id"`
	Language    string         `json:"language"`
	SourceCode  string         `json:"sourceCode"`
	Stdin       string         `json:"stdin,omitempty"`
	TimeoutMS   int            `json:"timeoutMs"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SubmittedAt time.Time      `json:"submittedAt"`

	// Populated by the queue when the job is reserved or inspected.
	Priority     int `json:"-"`
	AttemptsMade int `json:"-"`
	MaxAttempts  int `json:"-"`

	backoff Backoff
	token   string
}

// Timeout returns the execution budget of the job.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMS) * time.Millisecond
}

// Options control how a job is scheduled and retried. A nil Priority takes
// the queue default; lower values are reserved first.
type Options struct {
	Priority    *int
	MaxAttempts int
	Backoff     Backoff
}

// Priority returns a pointer to p for use in Options.
func Priority(p int) *int {
	return &p
}

// Info is a read-only view of a stored job.
type Info struct {
	Job          Job
	State        State
	AttemptsMade int
	MaxAttempts  int
	FailedReason string
	FinishedAt   time.Time
}

// FailOutcome describes what Fail did with a job.
type FailOutcome struct {
	Attempts     int
	Retried      bool
	Delay        time.Duration
	DeadLettered bool
}

// DeadLetter is published when a job exhausts its attempts.
type DeadLetter struct {
	JobID    string    `json:"jobId"`
	Language string    `json:"language"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}
