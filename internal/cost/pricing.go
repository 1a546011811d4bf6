// Package cost meters paid model usage, keeps a rolling ledger and raises
// de-duplicated alerts when spend crosses configured limits.
package cost

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"gopkg.in/yaml.v3"

	telerrors "github.com/rcourtman/telemetry-control/internal/errors"
)

// ModelPrice is the USD price per million input and output units.
type ModelPrice struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// PriceTable maps model names to prices. Keys are exact model names or
// wildcard patterns such as "prefix*"; "*" alone matches every model.
type PriceTable struct {
	Version string                `json:"version" yaml:"version"`
	Models  map[string]ModelPrice `json:"models" yaml:"models"`
}

const defaultPricingVersion = "2025-12"

// DefaultPriceTable returns the bundled table. Prices are estimates for
// budgeting, not billing reconciliation.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		Version: defaultPricingVersion,
		Models: map[string]ModelPrice{
			"gpt-4o*":        {Input: 5.00, Output: 15.00},
			"gpt-4o-mini*":   {Input: 0.15, Output: 0.60},
			"claude-opus*":   {Input: 15.00, Output: 75.00},
			"claude-sonnet*": {Input: 3.00, Output: 15.00},
			"claude-haiku*":  {Input: 0.25, Output: 1.25},
			"gemini-1.5-pro": {Input: 1.25, Output: 5.00},
			"deepseek-*":     {Input: 0.28, Output: 0.42},
		},
	}
}

// LoadPriceTable reads a YAML or JSON price table.
func LoadPriceTable(path string) (PriceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PriceTable{}, telerrors.WrapConfigError("load_prices", path, err)
	}
	var table PriceTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return PriceTable{}, telerrors.WrapConfigError("load_prices", path, fmt.Errorf("decode price table: %w", err))
	}
	if err := table.Validate(); err != nil {
		return PriceTable{}, telerrors.WrapConfigError("load_prices", path, err)
	}
	return table, nil
}

// Validate rejects empty tables and negative or non-finite prices.
func (t PriceTable) Validate() error {
	if len(t.Models) == 0 {
		return fmt.Errorf("price table has no models")
	}
	for name, p := range t.Models {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("price table has an empty model name")
		}
		for _, v := range []float64{p.Input, p.Output} {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("model %q has invalid price %v", name, v)
			}
		}
	}
	return nil
}

// Lookup finds the price for model: an exact match first, then the most
// specific matching wildcard pattern. Matching is case-insensitive.
func (t PriceTable) Lookup(model string) (ModelPrice, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return ModelPrice{}, false
	}

	best := -1
	var price ModelPrice
	for pattern, p := range t.Models {
		pattern = strings.ToLower(pattern)
		if pattern == model {
			return p, true
		}
		if !strings.Contains(pattern, "*") {
			continue
		}
		literal := len(pattern) - strings.Count(pattern, "*")
		if literal > best && wildcard.Match(pattern, model) {
			best = literal
			price = p
		}
	}
	return price, best >= 0
}

// Estimate returns the USD cost of the given usage. ok is false when the model
// has no price, in which case usd is 0.
func (t PriceTable) Estimate(model string, inputUnits, outputUnits int64) (usd float64, ok bool) {
	p, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}
	return (float64(inputUnits)/1_000_000.0)*p.Input + (float64(outputUnits)/1_000_000.0)*p.Output, true
}
