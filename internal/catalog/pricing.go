package catalog

import (
	"context"
	"strings"
	"time"
)

// defaultPricing is the last-resort record when no source knows the
// model.
func defaultPricing() Pricing {
	now := time.Now()
	return Pricing{
		InputPer1K:  0.002,
		OutputPer1K: 0.006,
		Currency:    "USD",
		Source:      "static-default",
		Confidence:  0.2,
		RefreshedAt: now,
		NextUpdate:  now.Add(24 * time.Hour),
	}
}

// RateSheet is a pricing source backed by operator-maintained rates,
// typically transcribed from provider public price pages.
type RateSheet struct {
	rates map[string]Pricing
}

// NewRateSheet builds a rate sheet from per-model prices.
func NewRateSheet(rates map[string]Pricing) *RateSheet {
	sheet := make(map[string]Pricing, len(rates))
	for id, p := range rates {
		if p.Currency == "" {
			p.Currency = "USD"
		}
		sheet[id] = p
	}
	return &RateSheet{rates: sheet}
}

func (r *RateSheet) Name() string        { return "rate-sheet" }
func (r *RateSheet) Confidence() float64 { return 0.9 }

func (r *RateSheet) Price(_ context.Context, modelID string) (*Pricing, bool, error) {
	p, ok := r.rates[modelID]
	if !ok {
		return nil, false, nil
	}
	now := time.Now()
	p.Source = r.Name()
	p.Confidence = r.Confidence()
	p.RefreshedAt = now
	p.NextUpdate = now.Add(24 * time.Hour)
	return &p, true, nil
}

// familyRate is one heuristic pricing band.
type familyRate struct {
	substrings  []string
	inputPer1K  float64
	outputPer1K float64
}

// familyRates maps model-name families to conservative price bands.
// Ordered most-specific first.
var familyRates = []familyRate{
	{[]string{"opus"}, 0.015, 0.075},
	{[]string{"sonnet"}, 0.003, 0.015},
	{[]string{"haiku"}, 0.0008, 0.004},
	{[]string{"gpt-4o-mini", "o4-mini", "o3-mini"}, 0.00015, 0.0006},
	{[]string{"gpt-4"}, 0.0025, 0.01},
	{[]string{"gpt-3.5"}, 0.0005, 0.0015},
	{[]string{"gemini", "flash"}, 0.000075, 0.0003},
	{[]string{"nova-pro"}, 0.0008, 0.0032},
	{[]string{"nova-lite", "nova-micro"}, 0.00006, 0.00024},
	{[]string{"llama"}, 0.0003, 0.0006},
	{[]string{"mistral-large"}, 0.002, 0.006},
	{[]string{"mistral", "mixtral"}, 0.0007, 0.0007},
	{[]string{"command"}, 0.0005, 0.0015},
}

// HeuristicPricing guesses pricing from the model name family.
type HeuristicPricing struct{}

func (HeuristicPricing) Name() string        { return "heuristic" }
func (HeuristicPricing) Confidence() float64 { return 0.5 }

func (h HeuristicPricing) Price(_ context.Context, modelID string) (*Pricing, bool, error) {
	lower := strings.ToLower(modelID)
	for _, fam := range familyRates {
		for _, sub := range fam.substrings {
			if strings.Contains(lower, sub) {
				now := time.Now()
				return &Pricing{
					InputPer1K:  fam.inputPer1K,
					OutputPer1K: fam.outputPer1K,
					Currency:    "USD",
					Source:      h.Name(),
					Confidence:  h.Confidence(),
					RefreshedAt: now,
					NextUpdate:  now.Add(7 * 24 * time.Hour),
				}, true, nil
			}
		}
	}
	return nil, false, nil
}
