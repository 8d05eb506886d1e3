package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
)

// ErrPricingUnknown is returned when no price can be resolved for a
// provider/model pair and the table carries no default pair.
var ErrPricingUnknown = errors.New("pricing unknown for provider/model")

// Price holds USD prices per one million tokens.
type Price struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Table maps (provider, model) to token prices. A provider may carry a
// "default" row for unknown models; the table may carry a global default
// pair for unknown providers.
type Table struct {
	mu        sync.RWMutex
	providers map[string]map[string]Price
	fallback  *Price
}

// tableFile is the on-disk shape of a price override file.
type tableFile struct {
	Providers map[string]map[string]Price `json:"providers"`
	Default   *Price                      `json:"default,omitempty"`
}

// defaultModelKey is the per-provider row used for unknown models.
const defaultModelKey = "default"

// NewTable creates a table seeded with the deployment pricing.
func NewTable() *Table {
	return &Table{
		providers: defaultPricing(),
		fallback:  &Price{Input: 1.00, Output: 3.00},
	}
}

// defaultPricing returns the built-in price list (USD per 1M tokens).
func defaultPricing() map[string]map[string]Price {
	return map[string]map[string]Price{
		"anthropic": {
			"claude-sonnet-4-20250514":    {Input: 3.00, Output: 15.00},
			"claude-sonnet-4-5-20250929":  {Input: 3.00, Output: 15.00},
			"claude-haiku-4-5-20251001":   {Input: 0.25, Output: 1.25},
			"claude-opus-4-5-20251101":    {Input: 15.00, Output: 75.00},
			defaultModelKey:               {Input: 3.00, Output: 15.00},
		},
		"openai": {
			"gpt-5.1":       {Input: 10.00, Output: 30.00},
			"gpt-5-mini":    {Input: 0.15, Output: 0.60},
			"gpt-5-nano":    {Input: 0.10, Output: 0.40},
			"gpt-5-pro":     {Input: 15.00, Output: 60.00},
			"gpt-4o":        {Input: 5.00, Output: 15.00},
			defaultModelKey: {Input: 5.00, Output: 15.00},
		},
		"google": {
			"gemini-3.0-pro":   {Input: 7.00, Output: 21.00},
			"gemini-2.5-pro":   {Input: 1.25, Output: 5.00},
			"gemini-2.5-flash": {Input: 0.075, Output: 0.30},
			"gemini-2.0-flash": {Input: 0.05, Output: 0.20},
			defaultModelKey:    {Input: 1.00, Output: 3.00},
		},
		"groq": {
			"llama-3.3-70b-versatile": {Input: 0.59, Output: 0.79},
			"llama-3.1-8b-instant":    {Input: 0.05, Output: 0.08},
			"gemma2-27b-it":           {Input: 0.20, Output: 0.20},
			"mixtral-8x7b-32768":      {Input: 0.27, Output: 0.27},
			defaultModelKey:           {Input: 0.20, Output: 0.20},
		},
		"xai": {
			"grok-4-1-fast-reasoning":     {Input: 5.00, Output: 15.00},
			"grok-4-1-fast-non-reasoning": {Input: 1.00, Output: 5.00},
			"grok-code-fast-1":            {Input: 2.00, Output: 10.00},
			"grok-3-mini":                 {Input: 0.50, Output: 2.00},
			"grok-3":                      {Input: 3.00, Output: 10.00},
			defaultModelKey:               {Input: 2.00, Output: 8.00},
		},
	}
}

// Lookup resolves the price for a provider/model pair. Unknown models fall
// back to the provider default row, unknown providers to the global default
// pair.
func (t *Table) Lookup(provider, model string) (Price, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	provider = strings.ToLower(provider)

	if models, ok := t.providers[provider]; ok {
		if price, ok := models[model]; ok {
			return price, nil
		}
		if price, ok := models[defaultModelKey]; ok {
			return price, nil
		}
	}

	if t.fallback != nil {
		return *t.fallback, nil
	}

	return Price{}, fmt.Errorf("%w: %s/%s", ErrPricingUnknown, provider, model)
}

// Cost computes the USD cost for a token usage pair. Prices are per one
// million tokens.
func (t *Table) Cost(provider, model string, tokensIn, tokensOut int64) (float64, error) {
	price, err := t.Lookup(provider, model)
	if err != nil {
		return 0, err
	}

	inputCost := float64(tokensIn) / 1_000_000 * price.Input
	outputCost := float64(tokensOut) / 1_000_000 * price.Output
	return inputCost + outputCost, nil
}

// LoadFile replaces the table contents from a JSON price file. The built-in
// table is kept for providers the file does not mention.
func (t *Table) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read price file: %w", err)
	}

	var file tableFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse price file: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for provider, models := range file.Providers {
		provider = strings.ToLower(provider)
		if t.providers[provider] == nil {
			t.providers[provider] = make(map[string]Price)
		}
		for model, price := range models {
			t.providers[provider][model] = price
		}
	}
	if file.Default != nil {
		t.fallback = file.Default
	}

	return nil
}

// ClearFallback removes the global default pair. Lookups for unknown
// providers then fail with ErrPricingUnknown.
func (t *Table) ClearFallback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fallback = nil
}

// Round2 rounds a monetary value to two decimal places for presentation.
// Ledger comparisons always use the unrounded value.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Round4 rounds to four decimal places, matching per-job cost reporting.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
