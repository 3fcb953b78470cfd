package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffNext(t *testing.T) {
	tests := []struct {
		name     string
		backoff  Backoff
		attempts int
		want     time.Duration
	}{
		{"ExponentialFirst", Backoff{Type: BackoffExponential, Delay: time.Second}, 1, time.Second},
		{"ExponentialSecond", Backoff{Type: BackoffExponential, Delay: time.Second}, 2, 2 * time.Second},
		{"ExponentialThird", Backoff{Type: BackoffExponential, Delay: time.Second}, 3, 4 * time.Second},
		{"ExponentialCapped", Backoff{Type: BackoffExponential, Delay: time.Second, Max: 3 * time.Second}, 3, 3 * time.Second},
		{"ExponentialLargeAttemptCapped", Backoff{Type: BackoffExponential, Delay: time.Second, Max: time.Minute}, 60, time.Minute},
		{"Fixed", Backoff{Type: BackoffFixed, Delay: 500 * time.Millisecond}, 4, 500 * time.Millisecond},
		{"ZeroDelay", Backoff{Type: BackoffExponential}, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.backoff.Next(tt.attempts))
		})
	}
}

func TestBackoffStrictlyIncreasing(t *testing.T) {
	b := Backoff{Type: BackoffExponential, Delay: time.Second}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := b.Next(attempt)
		assert.Greater(t, d, prev)
		prev = d
	}
}
