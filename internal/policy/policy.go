// Package policy turns a classification into an ordered candidate list:
// filter the catalog by availability and capability, apply the task
// routing table with its thresholds, cut by predicted success rate, and
// relax the thresholds stepwise before falling back to best-available.
package policy

import (
	"fmt"
	"log/slog"
	"sort"

	"llmrouter/internal/catalog"
	"llmrouter/internal/domain"
	"llmrouter/internal/predict"
	"llmrouter/internal/resilience"
)

// Source records which selection stage produced a candidate.
type Source string

const (
	SourcePrimary       Source = "primary"
	SourceFallback      Source = "fallback"
	SourceRelaxed       Source = "relaxed"
	SourceBestAvailable Source = "best-available"
)

// Candidate is one model eligible to serve the current request, in
// preference order.
type Candidate struct {
	Model     catalog.Model
	Source    Source
	Predicted domain.Prediction
	Reason    string
}

const (
	// primarySuccessFloor is the predicted success rate a primary
	// candidate must clear; fallbackSuccessFloor the fallback band's.
	primarySuccessFloor  = 0.8
	fallbackSuccessFloor = 0.7
)

// Circuits is the breaker view the selector consults. An open circuit
// disqualifies a model.
type Circuits interface {
	State(key string) resilience.CircuitState
}

// Predictor is the prediction surface the selector consults.
type Predictor interface {
	Predict(modelID string, task domain.TaskType, cx domain.Complexity) domain.Prediction
	Health(modelID string, avgCostPer1K float64) domain.HealthScore
	Recommend(models []predict.ModelCost, task domain.TaskType, cx domain.Complexity, budget float64) domain.Recommendation
}

// Selector assembles candidate lists. Safe for concurrent use; all
// state is read-only after construction.
type Selector struct {
	table     *Table
	catalog   *catalog.Catalog
	predictor Predictor
	circuits  Circuits
}

// NewSelector builds a Selector over the given collaborators.
func NewSelector(table *Table, cat *catalog.Catalog, predictor Predictor, circuits Circuits) *Selector {
	return &Selector{
		table:     table,
		catalog:   cat,
		predictor: predictor,
		circuits:  circuits,
	}
}

// Select returns the ordered candidate list for a classification. An
// empty list means no model can serve the request even after threshold
// relaxation and best-available recovery (the capability filter is
// never relaxed).
func (s *Selector) Select(cls domain.Classification, budget float64) []Candidate {
	eligible := s.eligible(cls, budget)
	if len(eligible) == 0 {
		return nil
	}

	route := s.table.Route(cls.TaskType)

	// Relaxation ladder: each step widens the previous step's bounds.
	steps := []struct {
		name       string
		thresholds Thresholds
		source     Source
	}{
		{"strict", route.Thresholds, SourcePrimary},
		{"cost", relaxCost(route.Thresholds), SourceRelaxed},
		{"cost+latency", relaxLatency(relaxCost(route.Thresholds)), SourceRelaxed},
		{"cost+latency+quality", relaxQuality(relaxLatency(relaxCost(route.Thresholds))), SourceRelaxed},
	}

	for _, step := range steps {
		candidates := s.fromRoute(route, eligible, cls, step.thresholds)
		if len(candidates) == 0 {
			continue
		}
		if step.source == SourceRelaxed {
			for i := range candidates {
				candidates[i].Source = SourceRelaxed
				candidates[i].Reason = fmt.Sprintf("thresholds relaxed (%s): %s", step.name, candidates[i].Reason)
			}
			slog.Debug("routing thresholds relaxed", "task", cls.TaskType, "step", step.name)
		}
		return candidates
	}

	// Last resort: the healthiest eligible model, table ignored.
	return s.bestAvailable(eligible, cls)
}

// eligible applies the availability, circuit, capability, and avoid
// filters over a catalog snapshot.
func (s *Selector) eligible(cls domain.Classification, budget float64) []catalog.Model {
	snapshot := s.catalog.List()
	required := cls.RequiredCapabilities()

	costs := make([]predict.ModelCost, 0, len(snapshot))
	for _, m := range snapshot {
		costs = append(costs, predict.ModelCost{ID: m.ID, AvgPer1K: m.Pricing.AvgPer1K()})
	}
	rec := s.predictor.Recommend(costs, cls.TaskType, cls.Complexity, budget)
	avoid := make(map[string]bool, len(rec.Avoid))
	for _, id := range rec.Avoid {
		avoid[id] = true
	}

	out := make([]catalog.Model, 0, len(snapshot))
	for _, m := range snapshot {
		if !m.Enabled || !m.Online() {
			continue
		}
		if s.circuits.State(m.ID).Status == resilience.StateOpen {
			continue
		}
		if avoid[m.ID] {
			continue
		}
		if len(required) > 0 && !m.HasAll(required) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// fromRoute walks the route's primary list (with per-model fallback ids
// appended) and then its fallback list, retaining candidates that meet
// the thresholds and the band's predicted-success floor.
func (s *Selector) fromRoute(route TaskRoute, eligible []catalog.Model, cls domain.Classification, th Thresholds) []Candidate {
	byID := make(map[string]catalog.Model, len(eligible))
	for _, m := range eligible {
		byID[m.ID] = m
	}

	primaryIDs := make([]string, 0, len(route.Primary)*2)
	seen := make(map[string]bool)
	for _, id := range route.Primary {
		if !seen[id] {
			primaryIDs = append(primaryIDs, id)
			seen[id] = true
		}
		// A model's own declared fallback ranks ahead of the table's
		// fallback band.
		if m, ok := byID[id]; ok && m.FallbackID != "" && !seen[m.FallbackID] {
			primaryIDs = append(primaryIDs, m.FallbackID)
			seen[m.FallbackID] = true
		}
	}

	primaries := s.band(primaryIDs, byID, cls, th, primarySuccessFloor, SourcePrimary)

	fallbackIDs := make([]string, 0, len(route.Fallback))
	for _, id := range route.Fallback {
		if !seen[id] {
			fallbackIDs = append(fallbackIDs, id)
			seen[id] = true
		}
	}
	fallbacks := s.band(fallbackIDs, byID, cls, th, fallbackSuccessFloor, SourceFallback)

	return append(primaries, fallbacks...)
}

// band filters and orders one preference band.
func (s *Selector) band(ids []string, byID map[string]catalog.Model, cls domain.Classification, th Thresholds, successFloor float64, source Source) []Candidate {
	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		m, ok := byID[id]
		if !ok {
			continue
		}
		pred := s.predictor.Predict(m.ID, cls.TaskType, cls.Complexity)
		if !meetsThresholds(m, pred, th) {
			continue
		}
		if pred.SuccessRate < successFloor {
			continue
		}
		out = append(out, Candidate{
			Model:     m,
			Source:    source,
			Predicted: pred,
			Reason:    fmt.Sprintf("%s for %s (quality %.2f, success %.2f)", source, cls.TaskType, candidateQuality(m, pred), pred.SuccessRate),
		})
	}
	sortCandidates(out)
	return out
}

// bestAvailable ranks the eligible pool by composite health, table
// ignored.
func (s *Selector) bestAvailable(eligible []catalog.Model, cls domain.Classification) []Candidate {
	type ranked struct {
		m       catalog.Model
		overall float64
	}
	scored := make([]ranked, 0, len(eligible))
	for _, m := range eligible {
		h := s.predictor.Health(m.ID, m.Pricing.AvgPer1K())
		scored = append(scored, ranked{m: m, overall: h.Overall})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].overall > scored[j].overall })

	out := make([]Candidate, 0, len(scored))
	for _, r := range scored {
		out = append(out, Candidate{
			Model:     r.m,
			Source:    SourceBestAvailable,
			Predicted: s.predictor.Predict(r.m.ID, cls.TaskType, cls.Complexity),
			Reason:    fmt.Sprintf("best available (health %.2f)", r.overall),
		})
	}
	return out
}

// meetsThresholds checks a candidate against the task bounds. Zero
// threshold values are unbounded.
func meetsThresholds(m catalog.Model, pred domain.Prediction, th Thresholds) bool {
	if th.MinQuality > 0 && candidateQuality(m, pred) < th.MinQuality {
		return false
	}
	if th.MaxLatencyMs > 0 && pred.AvgLatencyMs > float64(th.MaxLatencyMs) {
		return false
	}
	if th.MaxCostPer1K > 0 && m.Pricing.AvgPer1K() > th.MaxCostPer1K {
		return false
	}
	return true
}

// candidateQuality prefers the predicted quality, falling back to the
// catalog's rolling score when the predictor has no signal yet.
func candidateQuality(m catalog.Model, pred domain.Prediction) float64 {
	if pred.SampleCount > 0 {
		return pred.Quality
	}
	if m.Performance.QualityScore > 0 {
		return m.Performance.QualityScore
	}
	return pred.Quality
}

// sortCandidates orders a band: quality desc, blended cost asc, latency
// asc.
func sortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		qi := candidateQuality(cands[i].Model, cands[i].Predicted)
		qj := candidateQuality(cands[j].Model, cands[j].Predicted)
		if qi != qj {
			return qi > qj
		}
		ci := cands[i].Model.Pricing.AvgPer1K()
		cj := cands[j].Model.Pricing.AvgPer1K()
		if ci != cj {
			return ci < cj
		}
		return cands[i].Predicted.AvgLatencyMs < cands[j].Predicted.AvgLatencyMs
	})
}

// Relaxation steps: cost doubles, latency grows by half, quality drops
// by 0.15. Steps compose cumulatively in Select.
func relaxCost(th Thresholds) Thresholds {
	th.MaxCostPer1K *= 2
	return th
}

func relaxLatency(th Thresholds) Thresholds {
	th.MaxLatencyMs = th.MaxLatencyMs + th.MaxLatencyMs/2
	return th
}

func relaxQuality(th Thresholds) Thresholds {
	th.MinQuality -= 0.15
	if th.MinQuality < 0 {
		th.MinQuality = 0
	}
	return th
}
