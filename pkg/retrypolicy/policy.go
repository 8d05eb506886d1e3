package retrypolicy

import (
	"math/rand"
	"time"
)

// Defaults mirror the deployment retry schedule: 60s, 120s, 240s, capped
// at 480s.
const (
	DefaultBaseDelay = 60 * time.Second
	DefaultCeiling   = 480 * time.Second
)

// DefaultJitterPct is the bounded jitter applied around the computed delay.
const DefaultJitterPct = 0.15

// Action says what to do with a failed job.
type Action int

const (
	// ActionRetry re-queues the job after Delay.
	ActionRetry Action = iota
	// ActionDeadLetter moves the job to the dead-letter queue.
	ActionDeadLetter
)

// Decision is the outcome of a retry evaluation.
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
}

// Policy decides between retry and dead-letter and computes backoff delays.
type Policy struct {
	Base      time.Duration
	Ceiling   time.Duration
	JitterPct float64
	rng       *rand.Rand
}

// New creates a policy with the default schedule and jitter.
func New() *Policy {
	return &Policy{
		Base:      DefaultBaseDelay,
		Ceiling:   DefaultCeiling,
		JitterPct: DefaultJitterPct,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewWithSource creates a policy with an injected random source so tests
// get deterministic delays.
func NewWithSource(src rand.Source) *Policy {
	p := New()
	p.rng = rand.New(src)
	return p
}

// Decide evaluates a failure. retryCount is the number of attempts already
// consumed. Terminal errors dead-letter regardless of count; retriable
// errors retry while retryCount < maxRetries.
func (p *Policy) Decide(retryCount, maxRetries int, retriable bool, reason string) Decision {
	if !retriable {
		return Decision{Action: ActionDeadLetter, Reason: reason}
	}
	if retryCount >= maxRetries {
		return Decision{Action: ActionDeadLetter, Reason: reason}
	}
	return Decision{
		Action: ActionRetry,
		Delay:  p.Delay(retryCount),
		Reason: reason,
	}
}

// Delay computes min(base * 2^retryCount, ceiling) with bounded jitter.
func (p *Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	delay := p.Base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.Ceiling {
			delay = p.Ceiling
			break
		}
	}
	if delay > p.Ceiling {
		delay = p.Ceiling
	}

	if p.JitterPct > 0 && p.rng != nil {
		// Uniform in [-jitter, +jitter].
		factor := 1 + (p.rng.Float64()*2-1)*p.JitterPct
		delay = time.Duration(float64(delay) * factor)
	}

	return delay
}

// NextRetryAt returns the wall-clock time of the next attempt.
func (p *Policy) NextRetryAt(now time.Time, retryCount int) time.Time {
	return now.Add(p.Delay(retryCount))
}
