// Package resilience isolates failing upstreams behind per-key circuit
// breakers and provides retry with exponential backoff for transport
// errors beneath them.
package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"llmrouter/internal/domain"
	"llmrouter/internal/telemetry"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"    // normal operation
	StateOpen     State = "open"      // failures exceeded threshold
	StateHalfOpen State = "half-open" // probing for recovery
)

// Settings holds the breaker thresholds.
type Settings struct {
	FailureThreshold int           // consecutive failures that open a closed circuit
	SuccessThreshold int           // consecutive half-open successes that close it
	Timeout          time.Duration // open duration before the first probe
	MaxTimeout       time.Duration // cap for the exponential reopen backoff
	Window           time.Duration // recent window for the failure-rate trip
	MinRequestCount  int           // minimum observations before any trip

	Metrics *telemetry.Metrics
}

func (s *Settings) defaults() {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.MaxTimeout <= 0 {
		s.MaxTimeout = 10 * time.Minute
	}
	if s.Window <= 0 {
		s.Window = time.Minute
	}
	if s.MinRequestCount <= 0 {
		s.MinRequestCount = 10
	}
}

// CircuitState is an observable snapshot of one circuit.
type CircuitState struct {
	Status         State     `json:"status"`
	FailureCount   int       `json:"failureCount"`
	SuccessCount   int       `json:"successCount"`
	LastFailure    time.Time `json:"lastFailure,omitempty"`
	LastSuccess    time.Time `json:"lastSuccess,omitempty"`
	NextAttempt    time.Time `json:"nextAttempt,omitempty"`
	TotalRequests  int64     `json:"totalRequests"`
	TotalFailures  int64     `json:"totalFailures"`
	TotalSuccesses int64     `json:"totalSuccesses"`
}

// windowSample is one recorded outcome, kept for the rate trip.
type windowSample struct {
	at time.Time
	ok bool
}

// circuit is the mutable per-key state. Guarded by the breaker mutex so
// transitions are totally ordered per key.
type circuit struct {
	state      CircuitState
	reopenRuns int // consecutive half-open -> open transitions
	window     []windowSample
	lastUsed   time.Time
}

// Breaker tracks failure state per key, typically a model id.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	settings Settings

	// now is swappable for tests.
	now func() time.Time
}

// New builds a Breaker. Zero settings get workable defaults.
func New(settings Settings) *Breaker {
	settings.defaults()
	return &Breaker{
		circuits: make(map[string]*circuit),
		settings: settings,
		now:      time.Now,
	}
}

// Allow reports whether a call for key may proceed right now. An open
// circuit whose reset time has passed transitions to half-open and
// allows the probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked(b.circuitLocked(key), key)
}

func (b *Breaker) allowLocked(c *circuit, key string) bool {
	c.lastUsed = b.now()
	switch c.state.Status {
	case StateClosed:
		return true
	case StateHalfOpen:
		return true
	case StateOpen:
		if !b.now().Before(c.state.NextAttempt) {
			b.transitionLocked(c, key, StateHalfOpen)
			return true
		}
		return false
	}
	return true
}

// RecordSuccess records a successful call for key.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(key)
	now := b.now()
	c.lastUsed = now
	c.state.TotalRequests++
	c.state.TotalSuccesses++
	c.state.SuccessCount++
	c.state.FailureCount = 0
	c.state.LastSuccess = now
	b.appendWindowLocked(c, true)

	if c.state.Status == StateHalfOpen && c.state.SuccessCount >= b.settings.SuccessThreshold {
		c.reopenRuns = 0
		b.transitionLocked(c, key, StateClosed)
	}
}

// RecordFailure records a failed call for key and applies the trip
// rules: consecutive failures past the threshold, a recent-window
// failure rate of 0.5 or worse, or any failure while half-open.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(key)
	now := b.now()
	c.lastUsed = now
	c.state.TotalRequests++
	c.state.TotalFailures++
	c.state.FailureCount++
	c.state.SuccessCount = 0
	c.state.LastFailure = now
	b.appendWindowLocked(c, false)

	switch c.state.Status {
	case StateHalfOpen:
		// The probe failed: immediate re-open with exponential backoff.
		c.reopenRuns++
		b.openLocked(c, key)
	case StateClosed:
		if int64(b.settings.MinRequestCount) > c.state.TotalRequests {
			return
		}
		if c.state.FailureCount >= b.settings.FailureThreshold || b.windowFailureRateLocked(c) >= 0.5 {
			b.openLocked(c, key)
		}
	}
}

// openLocked moves a circuit to open and schedules the next probe. The
// timeout doubles for each consecutive re-open, capped at MaxTimeout.
func (b *Breaker) openLocked(c *circuit, key string) {
	timeout := b.settings.Timeout
	for i := 0; i < c.reopenRuns && timeout < b.settings.MaxTimeout; i++ {
		timeout *= 2
	}
	if timeout > b.settings.MaxTimeout {
		timeout = b.settings.MaxTimeout
	}
	c.state.NextAttempt = b.now().Add(timeout)
	b.transitionLocked(c, key, StateOpen)
}

func (b *Breaker) transitionLocked(c *circuit, key string, to State) {
	from := c.state.Status
	if from == to {
		return
	}
	c.state.Status = to
	if to == StateClosed {
		c.state.FailureCount = 0
		c.state.SuccessCount = 0
		c.state.NextAttempt = time.Time{}
	}
	if to == StateHalfOpen {
		c.state.SuccessCount = 0
	}
	slog.Info("circuit transition", "key", key, "from", from, "to", to)
	if m := b.settings.Metrics; m != nil {
		m.CircuitTransitions.WithLabelValues(key, string(to)).Inc()
		m.UpdateCircuitState(key, string(to))
	}
}

// appendWindowLocked records an outcome sample and prunes old ones.
func (b *Breaker) appendWindowLocked(c *circuit, ok bool) {
	now := b.now()
	c.window = append(c.window, windowSample{at: now, ok: ok})
	cutoff := now.Add(-b.settings.Window)
	keep := c.window[:0]
	for _, s := range c.window {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	c.window = keep
}

// windowFailureRateLocked is the failure fraction over the recent
// window, zero until the window holds MinRequestCount samples.
func (b *Breaker) windowFailureRateLocked(c *circuit) float64 {
	if len(c.window) < b.settings.MinRequestCount {
		return 0
	}
	failures := 0
	for _, s := range c.window {
		if !s.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(c.window))
}

// ErrOpen is returned by Execute when the circuit is open and no
// fallback is available (or the fallback itself failed).
var ErrOpen = domain.NewError(domain.ErrCircuitOpen, "circuit open")

// Execute wraps op with circuit breaking for key. When the circuit is
// open and not yet due for a probe, fallback runs instead if provided;
// fallback outcomes bypass the counters, and a fallback failure
// surfaces the original circuit-open condition. Otherwise op runs and
// its outcome is recorded.
func (b *Breaker) Execute(ctx context.Context, key string, op func(context.Context) error, fallback func(context.Context) error) error {
	if !b.Allow(key) {
		if fallback != nil {
			if err := fallback(ctx); err != nil {
				return ErrOpen.WithDetail("fallback_error", err.Error())
			}
			return nil
		}
		return ErrOpen
	}

	if err := op(ctx); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// State returns a snapshot of one circuit. Unknown keys report a
// canonical closed circuit.
func (b *Breaker) State(key string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return CircuitState{Status: StateClosed}
}

// Snapshot returns the state of every known circuit.
func (b *Breaker) Snapshot() map[string]CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]CircuitState, len(b.circuits))
	for key, c := range b.circuits {
		out[key] = c.state
	}
	return out
}

// Reset returns key to the canonical closed state with zeroed counts.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, key)
	if m := b.settings.Metrics; m != nil {
		m.UpdateCircuitState(key, string(StateClosed))
	}
}

// Cleanup drops circuits idle longer than maxIdle and returns how many
// were removed.
func (b *Breaker) Cleanup(maxIdle time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-maxIdle)
	removed := 0
	for key, c := range b.circuits {
		if c.lastUsed.Before(cutoff) {
			delete(b.circuits, key)
			removed++
		}
	}
	return removed
}

func (b *Breaker) circuitLocked(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: CircuitState{Status: StateClosed}, lastUsed: b.now()}
		b.circuits[key] = c
	}
	return c
}
