package queue

import "time"

// BackoffType selects how retry delays grow.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Backoff computes the delay before a failed job is retried.
type Backoff struct {
	Type  BackoffType
	Delay time.Duration
	// Max caps the delay when positive.
	Max time.Duration
}

// Next returns the delay after the given number of attempts made (1-based).
// Exponential backoff doubles the base delay for every attempt after the first.
func (b Backoff) Next(attempts int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type == BackoffFixed || attempts <= 1 {
		return b.capped(b.Delay)
	}

	delay := b.Delay
	for i := 1; i < attempts; i++ {
		if b.Max > 0 && delay > b.Max/2 {
			return b.Max
		}
		delay *= 2
	}
	return b.capped(delay)
}

func (b Backoff) capped(d time.Duration) time.Duration {
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
