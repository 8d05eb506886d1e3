package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is a circuit breaker state.
type State string

const (
	// StateClosed lets requests through and counts failures.
	StateClosed State = "closed"
	// StateOpen denies requests until the open timeout elapses.
	StateOpen State = "open"
	// StateHalfOpen lets a single probe through.
	StateHalfOpen State = "half-open"
)

// Defaults for breaker cells.
const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 60 * time.Second
)

// Config holds breaker parameters shared by all cells in a registry.
type Config struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

// DefaultConfig returns the default breaker parameters.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		OpenTimeout:      DefaultOpenTimeout,
	}
}

// Snapshot is a point-in-time view of one cell.
type Snapshot struct {
	Provider string    `json:"provider"`
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// cell is the per-provider state machine. Each cell has its own mutex so
// providers do not contend with each other.
type cell struct {
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Registry holds one breaker cell per provider id. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	cells  map[string]*cell
	config Config
	now    func() time.Time
	logger zerolog.Logger
}

// NewRegistry creates a registry with the given parameters. Zero-value
// fields in config fall back to defaults.
func NewRegistry(config Config, logger zerolog.Logger) *Registry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultOpenTimeout
	}
	return &Registry{
		cells:  make(map[string]*cell),
		config: config,
		now:    time.Now,
		logger: logger,
	}
}

// SetClock replaces the time source. Tests use this to step through the
// open timeout without sleeping.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) cellFor(provider string) *cell {
	r.mu.RLock()
	c, ok := r.cells[provider]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.cells[provider]; ok {
		return c
	}
	c = &cell{state: StateClosed}
	r.cells[provider] = c
	return c
}

// Admit reports whether a request to the provider may proceed. Must be
// called before every provider request. In the open state, the first call
// after the open timeout transitions the cell to half-open and admits a
// single probe.
func (r *Registry) Admit(provider string) bool {
	c := r.cellFor(provider)
	now := r.clock()()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(c.openedAt) < r.openTimeout() {
			return false
		}
		c.state = StateHalfOpen
		c.probing = true
		r.logger.Info().Str("provider", provider).Msg("Circuit breaker entering half-open state")
		return true
	case StateHalfOpen:
		if c.probing {
			// Probe already in flight.
			return false
		}
		c.probing = true
		return true
	}
	return false
}

// Allows reports whether an Admit call would currently succeed without
// consuming the half-open probe. Dispatchers use it to defer jobs before
// touching their state; the gateway still performs the real admission.
func (r *Registry) Allows(provider string) bool {
	c := r.cellFor(provider)
	now := r.clock()()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		return now.Sub(c.openedAt) >= r.openTimeout()
	case StateHalfOpen:
		return !c.probing
	}
	return false
}

// Record reports the outcome of a provider request.
func (r *Registry) Record(provider string, success bool) {
	c := r.cellFor(provider)
	now := r.clock()()

	c.mu.Lock()
	defer c.mu.Unlock()

	if success {
		if c.state != StateClosed {
			r.logger.Info().Str("provider", provider).Msg("Circuit breaker reset to closed state")
		}
		c.state = StateClosed
		c.failures = 0
		c.openedAt = time.Time{}
		c.probing = false
		return
	}

	switch c.state {
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = now
		c.probing = false
		r.logger.Warn().Str("provider", provider).Msg("Circuit breaker probe failed, reopening")
	case StateClosed:
		c.failures++
		if c.failures >= r.threshold() {
			c.state = StateOpen
			c.openedAt = now
			r.logger.Error().
				Str("provider", provider).
				Int("failures", c.failures).
				Msg("Circuit breaker opened")
		}
	case StateOpen:
		// Failure recorded while already open; keep the original openedAt
		// so the timeout window is not extended by stragglers.
	}
}

// Reset forces a provider's cell back to closed.
func (r *Registry) Reset(provider string) {
	c := r.cellFor(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	c.failures = 0
	c.openedAt = time.Time{}
	c.probing = false
}

// StateOf returns the current state of a provider's cell.
func (r *Registry) StateOf(provider string) State {
	c := r.cellFor(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshots returns a view of every cell for status reporting.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	providers := make([]string, 0, len(r.cells))
	for provider := range r.cells {
		providers = append(providers, provider)
	}
	r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(providers))
	for _, provider := range providers {
		c := r.cellFor(provider)
		c.mu.Lock()
		snapshots = append(snapshots, Snapshot{
			Provider: provider,
			State:    c.state,
			Failures: c.failures,
			OpenedAt: c.openedAt,
		})
		c.mu.Unlock()
	}
	return snapshots
}

func (r *Registry) clock() func() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now
}

func (r *Registry) threshold() int {
	return r.config.FailureThreshold
}

func (r *Registry) openTimeout() time.Duration {
	return r.config.OpenTimeout
}
