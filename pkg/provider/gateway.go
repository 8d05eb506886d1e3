package provider

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/harun/foreman/pkg/breaker"
)

// Gateway routes canonical requests to registered adapters, gated by the
// circuit breaker. Every call admits first and records its outcome after.
type Gateway struct {
	registry *Registry
	breaker  *breaker.Registry
	logger   zerolog.Logger
}

// NewGateway creates a gateway over a registry and a breaker.
func NewGateway(registry *Registry, cb *breaker.Registry, logger zerolog.Logger) *Gateway {
	return &Gateway{registry: registry, breaker: cb, logger: logger}
}

// Invoke makes one provider call. Errors are tagged *Error values:
// circuit denials never reach the network; transient failures are recorded
// on the breaker; rejections are terminal and do not count as breaker
// failures.
func (g *Gateway) Invoke(ctx context.Context, providerID string, request Request) (*Response, error) {
	p, err := g.registry.Get(providerID)
	if err != nil {
		return nil, &Error{Kind: KindRejected, Provider: providerID, Err: err}
	}

	if !g.breaker.Admit(providerID) {
		g.logger.Warn().Str("provider", providerID).Msg("Provider call denied by circuit breaker")
		return nil, &Error{Kind: KindCircuitOpen, Provider: providerID, Err: ErrCircuitOpen}
	}

	response, err := p.Invoke(ctx, request)
	if err != nil {
		kind := Classify(err)
		if kind == KindTransient {
			g.breaker.Record(providerID, false)
		}
		g.logger.Warn().
			Str("provider", providerID).
			Str("model", request.Model).
			Err(err).
			Msg("Provider call failed")
		return nil, &Error{Kind: kind, Provider: providerID, Err: err}
	}

	g.breaker.Record(providerID, true)

	g.logger.Debug().
		Str("provider", providerID).
		Str("model", request.Model).
		Str("finish_reason", response.FinishReason).
		Int64("tokens_in", response.Usage.Input).
		Int64("tokens_out", response.Usage.Output).
		Msg("Provider call completed")

	return response, nil
}

// Breaker exposes the underlying breaker for status reporting.
func (g *Gateway) Breaker() *breaker.Registry { return g.breaker }
