package queue

import (
	"math"
	"time"
)

// Backoff computes exponential retry delays: Initial * 2^(attempt-1),
// capped at Max when Max is positive.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff starts at one second and caps at one minute.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: time.Minute}
}

// Delay returns the wait before the retry that follows attempt (1-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(b.Initial) * math.Pow(2, float64(attempt-1)))
	if b.Max > 0 && (d > b.Max || d < 0) {
		return b.Max
	}
	return d
}
