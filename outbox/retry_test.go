package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelaySequence(t *testing.T) {
	p := DefaultRetryPolicy()

	expected := []time.Duration{
		0,
		1 * time.Second,
		4 * time.Second,
		16 * time.Second,
		64 * time.Second,
	}
	for i, want := range expected {
		assert.Equal(t, want, p.Delay(i+1), "attempt %d", i+1)
	}
}

func TestDelayIsNonDecreasing(t *testing.T) {
	p := DefaultRetryPolicy()

	prev := time.Duration(-1)
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestDelayCustomPolicy(t *testing.T) {
	p := RetryPolicy{BaseDelay: 500 * time.Millisecond, Multiplier: 2, MaxAttempts: 3}

	assert.Equal(t, time.Duration(0), p.Delay(1))
	assert.Equal(t, 500*time.Millisecond, p.Delay(2))
	assert.Equal(t, time.Second, p.Delay(3))
	assert.Equal(t, 2*time.Second, p.Delay(4))
}

func TestNextRetryAt(t *testing.T) {
	p := DefaultRetryPolicy()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// After the first failure the event becomes due one second later.
	assert.Equal(t, now.Add(time.Second), p.NextRetryAt(now, 1))
	assert.Equal(t, now.Add(4*time.Second), p.NextRetryAt(now, 2))
	assert.Equal(t, now.Add(64*time.Second), p.NextRetryAt(now, 4))
}

func TestMaxAttemptsExceeded(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.False(t, p.MaxAttemptsExceeded(0))
	assert.False(t, p.MaxAttemptsExceeded(4))
	assert.True(t, p.MaxAttemptsExceeded(5))
	assert.True(t, p.MaxAttemptsExceeded(6))
}
