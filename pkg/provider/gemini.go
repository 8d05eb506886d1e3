package provider

import (
	"context"
	"fmt"
)

// Gemini implements Provider for Google Gemini.
type Gemini struct {
	apiKey string
}

// NewGemini creates a new Gemini adapter.
func NewGemini(apiKey string) *Gemini {
	return &Gemini{apiKey: apiKey}
}

// Name returns the provider id.
func (p *Gemini) Name() string {
	return "gemini"
}

// Invoke makes an API call to Google Gemini.
func (p *Gemini) Invoke(ctx context.Context, request Request) (*Response, error) {
	// Gemini integration is not available yet in this adapter.
	return nil, fmt.Errorf("gemini provider not yet implemented - use anthropic or openai")
}
