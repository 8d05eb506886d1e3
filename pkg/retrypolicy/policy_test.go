package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// noJitter returns a policy with jitter disabled for exact assertions.
func noJitter() *Policy {
	p := New()
	p.JitterPct = 0
	return p
}

func TestPolicy_DelaySchedule(t *testing.T) {
	p := noJitter()

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{3, 480 * time.Second},
		{4, 480 * time.Second},
		{10, 480 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.retryCount), "retryCount=%d", tt.retryCount)
	}
}

func TestPolicy_DelayNegativeCount(t *testing.T) {
	p := noJitter()
	assert.Equal(t, 60*time.Second, p.Delay(-1))
}

func TestPolicy_JitterBounded(t *testing.T) {
	p := New()

	for i := 0; i < 200; i++ {
		delay := p.Delay(0)
		assert.GreaterOrEqual(t, delay, time.Duration(float64(60*time.Second)*0.85))
		assert.LessOrEqual(t, delay, time.Duration(float64(60*time.Second)*1.15))
	}
}

func TestPolicy_DecideRetriable(t *testing.T) {
	p := noJitter()

	d := p.Decide(0, 3, true, "provider unavailable")
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 60*time.Second, d.Delay)
	assert.Equal(t, "provider unavailable", d.Reason)
}

func TestPolicy_DecideExhausted(t *testing.T) {
	p := noJitter()

	// One more failure at max_retries-1 retries remaining dead-letters.
	d := p.Decide(3, 3, true, "sandbox start failed")
	assert.Equal(t, ActionDeadLetter, d.Action)
}

func TestPolicy_DecideBoundary(t *testing.T) {
	p := noJitter()

	// retry_count = max_retries - 1: one more retry is allowed.
	d := p.Decide(2, 3, true, "x")
	assert.Equal(t, ActionRetry, d.Action)

	// At equality any failure dead-letters immediately.
	d = p.Decide(3, 3, true, "x")
	assert.Equal(t, ActionDeadLetter, d.Action)
}

func TestPolicy_DecideTerminal(t *testing.T) {
	p := noJitter()

	d := p.Decide(0, 3, false, "user cancelled")
	assert.Equal(t, ActionDeadLetter, d.Action)
	assert.Equal(t, "user cancelled", d.Reason)
}

func TestPolicy_NextRetryAt(t *testing.T) {
	p := noJitter()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(120*time.Second), p.NextRetryAt(now, 1))
}
