// Package feedback runs the background jobs that keep the catalog,
// predictor, breaker, and cache coherent with reality. Each concern is
// its own cron job on an independent schedule; none of them blocks
// request serving.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"llmrouter/internal/cache"
	"llmrouter/internal/catalog"
	"llmrouter/internal/config"
	"llmrouter/internal/domain"
	"llmrouter/internal/predict"
	"llmrouter/internal/resilience"
	"llmrouter/internal/telemetry"
)

// JobStats is the observable record of one job.
type JobStats struct {
	Runs      int64     `json:"runs"`
	Errors    int64     `json:"errors"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

type job struct {
	name     string
	schedule time.Duration
	run      func(ctx context.Context) error

	running atomic.Bool

	mu    sync.Mutex
	stats JobStats
}

// Options wires a Loop's collaborators.
type Options struct {
	Catalog   *catalog.Catalog
	Predictor *predict.Predictor
	Breaker   *resilience.Breaker
	Cache     *cache.Cache
	Metrics   *telemetry.Metrics
	Config    config.FeedbackConfig
}

// Loop owns the cron scheduler and its jobs.
type Loop struct {
	catalog   *catalog.Catalog
	predictor *predict.Predictor
	breaker   *resilience.Breaker
	cache     *cache.Cache
	metrics   *telemetry.Metrics
	cfg       config.FeedbackConfig

	cron *cron.Cron
	jobs map[string]*job
}

// New builds a stopped Loop and wires the catalog's offline hook to
// cache invalidation.
func New(opts Options) *Loop {
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	l := &Loop{
		catalog:   opts.Catalog,
		predictor: opts.Predictor,
		breaker:   opts.Breaker,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		cfg:       opts.Config,
		jobs:      make(map[string]*job),
	}

	// A model that drops offline invalidates every cached response it
	// produced.
	if l.catalog != nil && l.cache != nil {
		l.catalog.OnOffline(func(modelID string) {
			n := l.cache.InvalidateTag("model:" + modelID)
			slog.Info("invalidated cache for offline model", "model", modelID, "entries", n)
		})
	}

	l.register("catalog-refresh", l.cfg.CatalogRefresh, l.refreshCatalog)
	l.register("pricing-refresh", l.cfg.PricingRefresh, l.refreshPricing)
	l.register("health-recompute", l.cfg.HealthRecompute, l.recomputeHealth)
	l.register("breaker-cleanup", l.cfg.BreakerCleanup, l.cleanupBreaker)
	l.register("cache-cleanup", l.cfg.CacheCleanup, l.cleanupCache)

	logger := cronLogger{}
	l.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))
	for name, j := range l.jobs {
		if j.schedule <= 0 {
			continue
		}
		name := name
		spec := fmt.Sprintf("@every %s", j.schedule)
		if _, err := l.cron.AddFunc(spec, func() { l.runJob(context.Background(), name) }); err != nil {
			slog.Error("scheduling feedback job failed", "job", name, "error", err)
		}
	}
	return l
}

func (l *Loop) register(name string, every time.Duration, run func(ctx context.Context) error) {
	l.jobs[name] = &job{name: name, schedule: every, run: run}
}

// Start launches the scheduler. It returns immediately.
func (l *Loop) Start() {
	l.cron.Start()
	slog.Info("feedback loop started", "jobs", len(l.jobs))
}

// Stop halts scheduling and waits for running jobs to finish.
func (l *Loop) Stop() {
	ctx := l.cron.Stop()
	<-ctx.Done()
	slog.Info("feedback loop stopped")
}

// Trigger runs one job by name immediately, on the caller's goroutine.
func (l *Loop) Trigger(ctx context.Context, name string) error {
	if _, ok := l.jobs[name]; !ok {
		return domain.Errorf(domain.ErrInvalidInput, "unknown feedback job %q", name)
	}
	return l.runJob(ctx, name)
}

// Names lists the registered jobs.
func (l *Loop) Names() []string {
	out := make([]string, 0, len(l.jobs))
	for name := range l.jobs {
		out = append(out, name)
	}
	return out
}

// Stats returns a snapshot per job.
func (l *Loop) Stats() map[string]JobStats {
	out := make(map[string]JobStats, len(l.jobs))
	for name, j := range l.jobs {
		j.mu.Lock()
		out[name] = j.stats
		j.mu.Unlock()
	}
	return out
}

// runJob executes one job with overlap protection and panic
// containment. A run that panics counts as an error, never as a crash.
func (l *Loop) runJob(ctx context.Context, name string) (err error) {
	j := l.jobs[name]
	if !j.running.CompareAndSwap(false, true) {
		l.metrics.FeedbackRuns.WithLabelValues(name, "skipped").Inc()
		return nil
	}
	defer j.running.Store(false)

	defer func() {
		if r := recover(); r != nil {
			err = domain.Errorf(domain.ErrInternal, "feedback job %s panicked: %v", name, r)
			slog.Error("feedback job panicked", "job", name, "panic", r)
		}
		status := "ok"
		j.mu.Lock()
		j.stats.Runs++
		j.stats.LastRun = time.Now()
		if err != nil {
			status = "error"
			j.stats.Errors++
			j.stats.LastError = err.Error()
		} else {
			j.stats.LastError = ""
		}
		j.mu.Unlock()
		l.metrics.FeedbackRuns.WithLabelValues(name, status).Inc()
	}()

	return j.run(ctx)
}

func (l *Loop) refreshCatalog(ctx context.Context) error {
	return l.catalog.Refresh(ctx)
}

func (l *Loop) refreshPricing(ctx context.Context) error {
	updated := l.catalog.RefreshPricing(ctx)
	if updated > 0 {
		slog.Info("pricing refreshed", "models", updated)
	}
	return nil
}

// recomputeHealth folds the predictor's rolling view back into the
// catalog so policy decisions see fresh performance numbers.
func (l *Loop) recomputeHealth(context.Context) error {
	for _, m := range l.catalog.List() {
		pred := l.predictor.Predict(m.ID, domain.TaskGeneral, domain.ComplexityModerate)
		if pred.SampleCount == 0 {
			continue
		}
		l.catalog.UpdatePerformance(m.ID, catalog.Performance{
			AvgLatencyMs: pred.AvgLatencyMs,
			SuccessRate:  pred.SuccessRate,
			QualityScore: pred.Quality,
			UpdatedAt:    time.Now(),
		})
	}
	return nil
}

func (l *Loop) cleanupBreaker(context.Context) error {
	maxIdle := l.cfg.BreakerMaxIdle
	if maxIdle <= 0 {
		maxIdle = 6 * time.Hour
	}
	if removed := l.breaker.Cleanup(maxIdle); removed > 0 {
		slog.Debug("breaker circuits cleaned", "removed", removed)
	}
	return nil
}

func (l *Loop) cleanupCache(context.Context) error {
	if removed := l.cache.Cleanup(); removed > 0 {
		slog.Debug("expired cache entries removed", "removed", removed)
	}
	return nil
}

// cronLogger bridges the cron package's logger to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	slog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	slog.Error("cron: "+msg, append(kv, "error", err)...)
}
