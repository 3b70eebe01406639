// Package predict keeps recency-weighted performance statistics per
// model and per (model, task, complexity) triple, and turns them into
// latency/quality/success predictions, composite health scores, and
// routing recommendations.
package predict

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"llmrouter/internal/domain"
)

const (
	// latencyCeilingMs normalizes latency into [0,1]: anything at or
	// above this scores zero.
	latencyCeilingMs = 10000.0

	// trendSpan is how many samples each side of the trend comparison
	// uses.
	trendSpan = 20

	// trendBand is the improvement magnitude separating stable from
	// improving or declining.
	trendBand = 0.1
)

// Options configures a Predictor.
type Options struct {
	// MaxSamples bounds each sample ring. Default 200.
	MaxSamples int

	// Decay is the per-rank recency weight, most recent sample first.
	// Default 0.95.
	Decay float64

	// CostCeiling normalizes per-1K cost into [0,1] for health scoring.
	// Default 0.06 USD.
	CostCeiling float64

	// Estimator is the optional model-based second tier. Nil disables it.
	Estimator Estimator
}

// Estimator is the plug point for a learned prediction model.
type Estimator interface {
	Estimate(modelID string, task domain.TaskType, cx domain.Complexity) (*domain.Prediction, error)
}

// sample is one observed request outcome.
type sample struct {
	at        time.Time
	latencyMs float64
	quality   float64
	ok        bool
}

type tripleKey struct {
	model string
	task  domain.TaskType
	cx    domain.Complexity
}

// Predictor accumulates metrics and answers prediction queries. Safe
// for concurrent use.
type Predictor struct {
	mu        sync.RWMutex
	perModel  map[string][]sample
	perTriple map[tripleKey][]sample
	opts      Options
}

// New builds a Predictor. Zero options get workable defaults.
func New(opts Options) *Predictor {
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 200
	}
	if opts.Decay <= 0 || opts.Decay >= 1 {
		opts.Decay = 0.95
	}
	if opts.CostCeiling <= 0 {
		opts.CostCeiling = 0.06
	}
	return &Predictor{
		perModel:  make(map[string][]sample),
		perTriple: make(map[tripleKey][]sample),
		opts:      opts,
	}
}

// Record folds one request metric into the history. Cache hits carry
// no upstream signal and are ignored.
func (p *Predictor) Record(m domain.RequestMetric) {
	if m.ModelID == "" || m.CacheHit || m.SemanticHit {
		return
	}

	s := sample{
		at:        m.EndedAt,
		latencyMs: float64(m.LatencyMs),
		quality:   m.QualitySignal,
		ok:        m.Outcome == domain.OutcomeOK,
	}
	if s.at.IsZero() {
		s.at = time.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.perModel[m.ModelID] = appendBounded(p.perModel[m.ModelID], s, p.opts.MaxSamples)
	key := tripleKey{model: m.ModelID, task: m.TaskType, cx: m.Complexity}
	p.perTriple[key] = appendBounded(p.perTriple[key], s, p.opts.MaxSamples)
}

func appendBounded(ring []sample, s sample, max int) []sample {
	ring = append(ring, s)
	if len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	return ring
}

// Predict estimates latency, quality, and success rate for a model on
// a given task and complexity. When the triple has no history the
// model's aggregate history is used instead. Confidence grows with
// sample count: min(0.95, 0.5 + 0.05n).
func (p *Predictor) Predict(modelID string, task domain.TaskType, cx domain.Complexity) domain.Prediction {
	p.mu.RLock()
	samples := p.perTriple[tripleKey{model: modelID, task: task, cx: cx}]
	if len(samples) == 0 {
		samples = p.perModel[modelID]
	}
	snapshot := make([]sample, len(samples))
	copy(snapshot, samples)
	p.mu.RUnlock()

	pred := domain.Prediction{ModelID: modelID, SampleCount: len(snapshot)}
	if len(snapshot) == 0 {
		// No history: neutral estimates with floor confidence.
		pred.AvgLatencyMs = 2000
		pred.SuccessRate = 0.9
		pred.Quality = 0.7
		pred.Confidence = 0.5
		return pred
	}

	if p.opts.Estimator != nil {
		if est, err := p.opts.Estimator.Estimate(modelID, task, cx); err == nil && est != nil {
			est.SampleCount = len(snapshot)
			return *est
		}
	}

	var wLatency, wQuality, wSuccess, wSum float64
	weight := 1.0
	for i := len(snapshot) - 1; i >= 0; i-- {
		s := snapshot[i]
		wLatency += weight * s.latencyMs
		wQuality += weight * s.quality
		if s.ok {
			wSuccess += weight
		}
		wSum += weight
		weight *= p.opts.Decay
	}

	pred.AvgLatencyMs = wLatency / wSum
	pred.Quality = wQuality / wSum
	pred.SuccessRate = wSuccess / wSum
	pred.Confidence = math.Min(0.95, 0.5+0.05*float64(len(snapshot)))
	return pred
}

// Health computes the composite health score for a model.
// Overall = 0.25*latency + 0.35*quality + 0.25*availability + 0.15*cost.
func (p *Predictor) Health(modelID string, avgCostPer1K float64) domain.HealthScore {
	p.mu.RLock()
	samples := p.perModel[modelID]
	snapshot := make([]sample, len(samples))
	copy(snapshot, samples)
	p.mu.RUnlock()

	h := domain.HealthScore{
		ModelID:     modelID,
		Trend:       domain.TrendStable,
		SampleCount: len(snapshot),
		UpdatedAt:   time.Now(),
	}

	h.Cost = 1 - math.Min(avgCostPer1K/p.opts.CostCeiling, 1)

	if len(snapshot) == 0 {
		// Untested models get the benefit of the doubt so they can be
		// probed at all.
		h.Latency = 0.7
		h.Quality = 0.7
		h.Availability = 1.0
		h.Overall = overall(h)
		return h
	}

	var latSum, qualSum float64
	okCount := 0
	for _, s := range snapshot {
		latSum += s.latencyMs
		qualSum += s.quality
		if s.ok {
			okCount++
		}
	}
	n := float64(len(snapshot))

	h.Latency = 1 - math.Min(latSum/n/latencyCeilingMs, 1)
	h.Quality = qualSum / n
	h.Availability = float64(okCount) / n
	h.Trend = trend(snapshot)
	h.Overall = overall(h)
	return h
}

func overall(h domain.HealthScore) float64 {
	return 0.25*h.Latency + 0.35*h.Quality + 0.25*h.Availability + 0.15*h.Cost
}

// trend compares the mean blended score of the last trendSpan samples
// to the prior trendSpan.
func trend(samples []sample) domain.Trend {
	if len(samples) < 2*trendSpan {
		return domain.TrendStable
	}
	recent := samples[len(samples)-trendSpan:]
	prior := samples[len(samples)-2*trendSpan : len(samples)-trendSpan]

	improvement := meanBlend(recent) - meanBlend(prior)
	switch {
	case improvement > trendBand:
		return domain.TrendImproving
	case improvement < -trendBand:
		return domain.TrendDeclining
	default:
		return domain.TrendStable
	}
}

// meanBlend averages a latency+quality blend per sample.
func meanBlend(samples []sample) float64 {
	var sum float64
	for _, s := range samples {
		latScore := 1 - math.Min(s.latencyMs/latencyCeilingMs, 1)
		sum += 0.5*s.quality + 0.5*latScore
	}
	return sum / float64(len(samples))
}

// ModelCost names a candidate model with its blended per-1K price.
type ModelCost struct {
	ID       string
	AvgPer1K float64
}

// Recommend groups the given models by suitability for a task. Primary
// needs overall >= 0.6 and cost score >= 0.5; fallback takes the next
// band down; avoid collects anything with overall < 0.4 or a declining
// trend. budget, when positive, excludes models priced above it from
// primary and fallback.
func (p *Predictor) Recommend(models []ModelCost, task domain.TaskType, cx domain.Complexity, budget float64) domain.Recommendation {
	type scored struct {
		id     string
		health domain.HealthScore
		per1K  float64
	}

	ranked := make([]scored, 0, len(models))
	for _, m := range models {
		ranked = append(ranked, scored{id: m.ID, health: p.Health(m.ID, m.AvgPer1K), per1K: m.AvgPer1K})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].health.Overall > ranked[j].health.Overall
	})

	var rec domain.Recommendation
	for _, s := range ranked {
		h := s.health
		switch {
		case h.Overall < 0.4 || h.Trend == domain.TrendDeclining:
			rec.Avoid = append(rec.Avoid, s.id)
			rec.Reasoning = append(rec.Reasoning,
				fmt.Sprintf("%s: avoid (overall %.2f, trend %s)", s.id, h.Overall, h.Trend))
		case budget > 0 && s.per1K > budget:
			rec.Reasoning = append(rec.Reasoning,
				fmt.Sprintf("%s: over budget (%.4f > %.4f per 1K)", s.id, s.per1K, budget))
		case h.Overall >= 0.6 && h.Cost >= 0.5:
			rec.Primary = append(rec.Primary, s.id)
			rec.Reasoning = append(rec.Reasoning,
				fmt.Sprintf("%s: primary for %s/%s (overall %.2f)", s.id, task, cx, h.Overall))
		default:
			rec.Fallback = append(rec.Fallback, s.id)
			rec.Reasoning = append(rec.Reasoning,
				fmt.Sprintf("%s: fallback (overall %.2f, cost score %.2f)", s.id, h.Overall, h.Cost))
		}
	}
	return rec
}
