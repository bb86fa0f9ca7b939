package outbox

import (
	"math"
	"time"
)

// RetryPolicy computes the bounded exponential backoff for outbox events.
// It is pure; callers own the clock and the persistence of its results.
type RetryPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultRetryPolicy yields the delay sequence 0, 1s, 4s, 16s, 64s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Second,
		Multiplier:  4,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before the given attempt (1-based). The first
// attempt runs immediately; attempt n waits BaseDelay * Multiplier^(n-2).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-2)))
}

// NextRetryAt returns when an event that has now failed retryCount times
// becomes due again.
func (p RetryPolicy) NextRetryAt(now time.Time, retryCount int) time.Time {
	return now.Add(p.Delay(retryCount + 1))
}

// MaxAttemptsExceeded reports whether an event that has failed retryCount
// times has used up its attempts and must be handed to compensation.
func (p RetryPolicy) MaxAttemptsExceeded(retryCount int) bool {
	return retryCount >= p.MaxAttempts
}
