// Package resultstore keeps finished execution results in Redis for a
// limited time so that clients can poll for them.
package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/isdmx/codequeue/apperr"
	"github.com/isdmx/codequeue/config"
	"github.com/isdmx/codequeue/engine"
)

// StatusCompleted is the only status a stored result carries.
const StatusCompleted = "completed"

const (
	defaultPrefix = "job:result:"
	defaultTTL    = 300 * time.Second
)

// StoredResult is the document persisted per job.
type StoredResult struct {
	Status   string `json:"status"`
	Output   string `json:"output"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

// FromResult converts an engine result into its stored form.
func FromResult(r engine.Result) StoredResult {
	return StoredResult{
		Status:   StatusCompleted,
		Output:   r.Output,
		ExitCode: r.ExitCode,
		Error:    r.Message(),
	}
}

// Store reads and writes results under a key prefix with a fixed TTL.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewStore creates a Store. Zero values select the defaults.
func NewStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{rdb: rdb, prefix: prefix, ttl: ttl}
}

// New builds a Store from configuration.
func New(cfg *config.Config, rdb redis.UniversalClient) *Store {
	return NewStore(rdb, cfg.Results.KeyPrefix, cfg.Results.TTL)
}

func (s *Store) key(jobID string) string { return s.prefix + jobID }

// TTL is how long a saved result stays readable.
func (s *Store) TTL() time.Duration { return s.ttl }

// Save writes the result for jobID, replacing any previous one.
func (s *Store) Save(ctx context.Context, jobID string, r StoredResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return apperr.Wrapf(err, apperr.InternalServerError, "encode result")
	}
	if err := s.rdb.Set(ctx, s.key(jobID), data, s.ttl).Err(); err != nil {
		return apperr.Wrapf(err, apperr.StoreUnavailable, "save result")
	}
	return nil
}

// Get returns the result for jobID, or nil when none is stored or it expired.
func (s *Store) Get(ctx context.Context, jobID string) (*StoredResult, error) {
	data, err := s.rdb.Get(ctx, s.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.StoreUnavailable, "read result")
	}
	var r StoredResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, apperr.Wrapf(err, apperr.InternalServerError, "decode result")
	}
	return &r, nil
}
