// Package catalog maintains the inventory of models the router may
// choose from, with capability, pricing, and availability data kept
// fresh by pluggable discovery and pricing sources.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"llmrouter/internal/domain"
)

// AvailabilityStatus is a model's serving state.
type AvailabilityStatus string

const (
	StatusOnline      AvailabilityStatus = "online"
	StatusOffline     AvailabilityStatus = "offline"
	StatusDegraded    AvailabilityStatus = "degraded"
	StatusMaintenance AvailabilityStatus = "maintenance"
)

// Pricing is a per-model price record. Source and Confidence identify
// how authoritative the numbers are.
type Pricing struct {
	InputPer1K  float64   `json:"inputPer1K"`
	OutputPer1K float64   `json:"outputPer1K"`
	Currency    string    `json:"currency"`
	Source      string    `json:"source"`
	Confidence  float64   `json:"confidence"`
	RefreshedAt time.Time `json:"refreshedAt"`
	NextUpdate  time.Time `json:"nextUpdate"`
}

// CostFor computes the cost of a token exchange.
func (p Pricing) CostFor(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000.0*p.InputPer1K + float64(outputTokens)/1000.0*p.OutputPer1K
}

// AvgPer1K is the blended per-1K-token price used for tie-breaking.
func (p Pricing) AvgPer1K() float64 {
	return (p.InputPer1K + p.OutputPer1K) / 2
}

// Performance is the rolling performance summary for a model.
type Performance struct {
	AvgLatencyMs float64   `json:"avgLatencyMs"`
	SuccessRate  float64   `json:"successRate"`
	QualityScore float64   `json:"qualityScore"`
	Throughput   float64   `json:"throughput"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Availability is a model's current serving state.
type Availability struct {
	Status    AvailabilityStatus `json:"status"`
	Uptime    float64            `json:"uptime"`
	LastCheck time.Time          `json:"lastCheck"`
}

// Model is one catalog entry.
type Model struct {
	ID              string              `json:"id"`
	DisplayName     string              `json:"displayName"`
	Provider        string              `json:"provider"`
	UpstreamID      string              `json:"upstreamId"`
	Capabilities    []domain.Capability `json:"capabilities"`
	ContextWindow   int                 `json:"contextWindow"`
	MaxOutputTokens int                 `json:"maxOutputTokens"`
	Pricing         Pricing             `json:"pricing"`
	Performance     Performance         `json:"performance"`
	Availability    Availability        `json:"availability"`
	Enabled         bool                `json:"enabled"`
	FallbackID      string              `json:"fallbackId,omitempty"`
	Aliases         []string            `json:"aliases,omitempty"`
	Source          string              `json:"source"`
	FirstSeen       time.Time           `json:"firstSeen"`
	LastSeen        time.Time           `json:"lastSeen"`
}

// Online reports whether the model may currently serve traffic.
func (m *Model) Online() bool {
	return m.Availability.Status == StatusOnline
}

// HasCapability reports whether the model carries the tag.
func (m *Model) HasCapability(c domain.Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// HasAll reports whether the model carries every required tag.
func (m *Model) HasAll(required []domain.Capability) bool {
	return domain.NewCapabilitySet(m.Capabilities...).ContainsAll(required)
}

// Discovery yields provisional model entries from one source.
type Discovery interface {
	Name() string
	Discover(ctx context.Context) ([]Model, error)
}

// PricingSource resolves pricing for a model id. Sources are consulted
// in descending confidence order; the first hit wins.
type PricingSource interface {
	Name() string
	Confidence() float64
	Price(ctx context.Context, modelID string) (*Pricing, bool, error)
}

// Catalog is the shared model inventory. Reads vastly outnumber writes;
// writes originate from the feedback loop.
type Catalog struct {
	mu          sync.RWMutex
	models      map[string]*Model
	aliases     map[string]string
	discoveries []Discovery
	pricing     []PricingSource
	staleness   time.Duration
	lastRefresh time.Time

	// onOffline is invoked outside the lock for each model that
	// transitioned away from online during a refresh.
	onOffline func(modelID string)
}

// New creates an empty catalog. Models absent from every discovery for
// longer than staleness are removed on refresh.
func New(staleness time.Duration) *Catalog {
	return &Catalog{
		models:    make(map[string]*Model),
		aliases:   make(map[string]string),
		staleness: staleness,
	}
}

// RegisterDiscovery adds a discovery source.
func (c *Catalog) RegisterDiscovery(d Discovery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoveries = append(c.discoveries, d)
}

// RegisterPricing adds a pricing source, kept sorted by confidence.
func (c *Catalog) RegisterPricing(p PricingSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing = append(c.pricing, p)
	sort.SliceStable(c.pricing, func(i, j int) bool {
		return c.pricing[i].Confidence() > c.pricing[j].Confidence()
	})
}

// OnOffline registers a callback fired when a refresh takes a model
// offline or removes it.
func (c *Catalog) OnOffline(fn func(modelID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOffline = fn
}

// List returns a snapshot of all entries.
func (c *Catalog) List() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a model by id or alias.
func (c *Catalog) Get(id string) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if target, ok := c.aliases[strings.ToLower(id)]; ok {
		id = target
	}
	m, ok := c.models[id]
	if !ok {
		return Model{}, false
	}
	return *m, true
}

// Len returns the entry count.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}

// Upsert inserts or replaces an entry, preserving first-seen time and
// any higher-confidence pricing already present.
func (c *Catalog) Upsert(m Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertLocked(m)
}

func (c *Catalog) upsertLocked(m Model) {
	now := time.Now()
	if m.LastSeen.IsZero() {
		m.LastSeen = now
	}
	if prior, ok := c.models[m.ID]; ok {
		m.FirstSeen = prior.FirstSeen
		// Prefer the most recent non-default pricing source.
		if prior.Pricing.Confidence > m.Pricing.Confidence {
			m.Pricing = prior.Pricing
		}
		if m.Performance.UpdatedAt.IsZero() {
			m.Performance = prior.Performance
		}
	} else {
		m.FirstSeen = now
	}
	if m.Availability.Status == "" {
		m.Availability.Status = StatusOnline
	}
	m.Availability.LastCheck = now
	c.models[m.ID] = &m
	for _, alias := range m.Aliases {
		c.aliases[strings.ToLower(alias)] = m.ID
	}
}

// UpdatePerformance folds predictor output back into the entry.
func (c *Catalog) UpdatePerformance(id string, perf Performance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.models[id]; ok {
		perf.UpdatedAt = time.Now()
		m.Performance = perf
	}
}

// SetAvailability overrides a model's serving state.
func (c *Catalog) SetAvailability(id string, status AvailabilityStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.models[id]; ok {
		m.Availability.Status = status
		m.Availability.LastCheck = time.Now()
	}
}

// Refresh runs every discovery source and merges the results. A refresh
// where every source fails leaves prior state intact and returns the
// error; partial failures apply what succeeded.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.mu.RLock()
	discoveries := make([]Discovery, len(c.discoveries))
	copy(discoveries, c.discoveries)
	c.mu.RUnlock()

	if len(discoveries) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var discovered []Model
	var failures []string

	for _, d := range discoveries {
		entries, err := d.Discover(ctx)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", d.Name(), err))
			slog.Warn("catalog discovery failed", "source", d.Name(), "error", err)
			continue
		}
		for _, m := range entries {
			if m.Source == "" {
				m.Source = d.Name()
			}
			seen[m.ID] = true
			discovered = append(discovered, m)
		}
	}

	if len(failures) == len(discoveries) {
		return fmt.Errorf("catalog refresh: all sources failed: %s", strings.Join(failures, "; "))
	}

	now := time.Now()
	var wentOffline []string

	c.mu.Lock()
	for _, m := range discovered {
		m.LastSeen = now
		if m.Pricing.Source == "" {
			m.Pricing = c.resolvePricingLocked(ctx, m.ID)
		}
		c.upsertLocked(m)
	}
	for id, m := range c.models {
		if seen[id] {
			continue
		}
		if now.Sub(m.LastSeen) > c.staleness {
			delete(c.models, id)
			wentOffline = append(wentOffline, id)
			continue
		}
		if m.Availability.Status == StatusOnline {
			m.Availability.Status = StatusOffline
			m.Availability.LastCheck = now
			wentOffline = append(wentOffline, id)
		}
	}
	c.lastRefresh = now
	notify := c.onOffline
	c.mu.Unlock()

	if notify != nil {
		for _, id := range wentOffline {
			notify(id)
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("catalog refresh: partial failure: %s", strings.Join(failures, "; "))
	}
	return nil
}

// RefreshPricing re-resolves pricing for entries whose NextUpdate has
// passed.
func (c *Catalog) RefreshPricing(ctx context.Context) int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	updated := 0
	for _, m := range c.models {
		if m.Pricing.NextUpdate.After(now) {
			continue
		}
		p := c.resolvePricingLocked(ctx, m.ID)
		if p.Source != "" {
			m.Pricing = p
			updated++
		}
	}
	return updated
}

// resolvePricingLocked walks the pricing sources in confidence order.
func (c *Catalog) resolvePricingLocked(ctx context.Context, modelID string) Pricing {
	for _, src := range c.pricing {
		p, ok, err := src.Price(ctx, modelID)
		if err != nil {
			slog.Warn("pricing source failed", "source", src.Name(), "model", modelID, "error", err)
			continue
		}
		if ok && p != nil {
			if p.Source == "" {
				p.Source = src.Name()
			}
			if p.Confidence == 0 {
				p.Confidence = src.Confidence()
			}
			if p.RefreshedAt.IsZero() {
				p.RefreshedAt = time.Now()
			}
			return *p
		}
	}
	return defaultPricing()
}

// LastRefresh returns when the last successful refresh completed.
func (c *Catalog) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}
