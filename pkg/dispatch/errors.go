package dispatch

import (
	"context"
	"errors"

	"github.com/harun/foreman/pkg/agent"
	"github.com/harun/foreman/pkg/provider"
	"github.com/harun/foreman/pkg/sandbox"
)

// Failure reasons written to job rows and dead-letter envelopes. Short
// tags; the free-text detail goes to last_error.
const (
	ReasonValidation       = "validation error"
	ReasonBudgetExceeded   = "project budget exceeded"
	ReasonProviderDown     = "provider unavailable"
	ReasonProviderRejected = "provider rejected"
	ReasonSandboxStart     = "sandbox start failed"
	ReasonSandboxTimeout   = "sandbox timed out"
	ReasonMaxIterations    = "max iterations reached"
	ReasonNoOutput         = "output truncated with no result"
	ReasonCancelled        = "cancelled by user"
	ReasonUnknown          = "unknown error"
)

// ErrValidation rejects malformed submissions at enqueue time. Never
// retried.
var ErrValidation = errors.New("invalid job submission")

// classify maps a run error onto a failure reason and retry eligibility.
// The dispatcher is the only translator from error tag to lifecycle
// action.
func classify(err error) (reason string, retriable bool) {
	var perr *provider.Error
	if errors.As(err, &perr) {
		switch perr.Kind {
		case provider.KindTransient, provider.KindCircuitOpen:
			return ReasonProviderDown, true
		default:
			return ReasonProviderRejected, false
		}
	}

	switch {
	case errors.Is(err, sandbox.ErrStartFailed):
		return ReasonSandboxStart, true
	case errors.Is(err, sandbox.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ReasonSandboxTimeout, true
	case errors.Is(err, agent.ErrCancelled),
		errors.Is(err, context.Canceled):
		return ReasonCancelled, false
	case errors.Is(err, agent.ErrMaxIterations):
		return ReasonMaxIterations, false
	case errors.Is(err, agent.ErrNoOutput):
		return ReasonNoOutput, false
	}

	// Anything uncategorised is retried conservatively, then
	// dead-lettered by the normal exhaustion path.
	return ReasonUnknown, true
}
