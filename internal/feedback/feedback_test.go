package feedback

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"llmrouter/internal/cache"
	"llmrouter/internal/catalog"
	"llmrouter/internal/config"
	"llmrouter/internal/domain"
	"llmrouter/internal/predict"
	"llmrouter/internal/resilience"
)

// fakeDiscovery yields a scripted model list per call.
type fakeDiscovery struct {
	batches [][]catalog.Model
	call    atomic.Int32
}

func (f *fakeDiscovery) Name() string { return "fake" }

func (f *fakeDiscovery) Discover(context.Context) ([]catalog.Model, error) {
	i := int(f.call.Add(1)) - 1
	if i >= len(f.batches) {
		i = len(f.batches) - 1
	}
	return f.batches[i], nil
}

func newTestLoop(t *testing.T, cat *catalog.Catalog) (*Loop, *predict.Predictor, *cache.Cache) {
	t.Helper()
	if cat == nil {
		cat = catalog.New(time.Hour)
	}
	predictor := predict.New(predict.Options{})
	store := cache.New(cache.Options{})
	l := New(Options{
		Catalog:   cat,
		Predictor: predictor,
		Breaker:   resilience.New(resilience.Settings{}),
		Cache:     store,
		Config: config.FeedbackConfig{
			Enabled:         true,
			CatalogRefresh:  time.Minute,
			PricingRefresh:  time.Hour,
			HealthRecompute: time.Minute,
			BreakerCleanup:  time.Hour,
			BreakerMaxIdle:  time.Hour,
			CacheCleanup:    30 * time.Second,
		},
	})
	return l, predictor, store
}

func TestLoopRegistersAllJobs(t *testing.T) {
	l, _, _ := newTestLoop(t, nil)

	want := []string{"catalog-refresh", "pricing-refresh", "health-recompute", "breaker-cleanup", "cache-cleanup"}
	names := strings.Join(l.Names(), ",")
	for _, name := range want {
		if !strings.Contains(names, name) {
			t.Errorf("Names() missing %q, got %s", name, names)
		}
	}
}

func TestTriggerUnknownJob(t *testing.T) {
	l, _, _ := newTestLoop(t, nil)
	err := l.Trigger(context.Background(), "does-not-exist")
	if domain.CodeOf(err) != domain.ErrInvalidInput {
		t.Errorf("Trigger(unknown) error = %v, want invalid-input", err)
	}
}

func TestTriggerUpdatesStats(t *testing.T) {
	l, _, _ := newTestLoop(t, nil)

	if err := l.Trigger(context.Background(), "cache-cleanup"); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	s := l.Stats()["cache-cleanup"]
	if s.Runs != 1 {
		t.Errorf("Runs = %d, want 1", s.Runs)
	}
	if s.Errors != 0 {
		t.Errorf("Errors = %d, want 0", s.Errors)
	}
	if s.LastRun.IsZero() {
		t.Error("LastRun not set after trigger")
	}
}

func TestRunJobContainsPanic(t *testing.T) {
	l, _, _ := newTestLoop(t, nil)
	l.jobs["boom"] = &job{
		name: "boom",
		run:  func(context.Context) error { panic("kaboom") },
	}

	err := l.Trigger(context.Background(), "boom")
	if err == nil {
		t.Fatal("Trigger(panicking job) error = nil, want contained panic")
	}
	if !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("error = %v, want panic message included", err)
	}
	if s := l.Stats()["boom"]; s.Errors != 1 {
		t.Errorf("Errors = %d, want 1", s.Errors)
	}
}

func TestRunJobSkipsOverlap(t *testing.T) {
	l, _, _ := newTestLoop(t, nil)

	release := make(chan struct{})
	var runs atomic.Int32
	l.jobs["slow"] = &job{
		name: "slow",
		run: func(context.Context) error {
			runs.Add(1)
			<-release
			return nil
		},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Trigger(context.Background(), "slow")
	}()

	deadline := time.Now().Add(time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(time.Millisecond)
	}

	// Second trigger while the first still runs: skipped, not queued.
	if err := l.Trigger(context.Background(), "slow"); err != nil {
		t.Errorf("overlapping Trigger() error = %v, want nil skip", err)
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1 while first is in flight", got)
	}

	close(release)
	<-done
}

func TestHealthRecomputeFoldsPredictorIntoCatalog(t *testing.T) {
	cat := catalog.New(time.Hour)
	cat.Upsert(catalog.Model{
		ID:           "model-a",
		Provider:     "test",
		Capabilities: []domain.Capability{domain.CapTextGeneration},
		Availability: catalog.Availability{Status: catalog.StatusOnline},
		Enabled:      true,
	})

	l, predictor, _ := newTestLoop(t, cat)
	for i := 0; i < 10; i++ {
		predictor.Record(domain.RequestMetric{
			RequestID:     "seed",
			ModelID:       "model-a",
			TaskType:      domain.TaskGeneral,
			Complexity:    domain.ComplexityModerate,
			LatencyMs:     100,
			QualitySignal: 0.88,
			Outcome:       domain.OutcomeOK,
		})
	}

	if err := l.Trigger(context.Background(), "health-recompute"); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	m, ok := cat.Get("model-a")
	if !ok {
		t.Fatal("model-a vanished from catalog")
	}
	if m.Performance.SuccessRate != 1.0 {
		t.Errorf("SuccessRate = %v, want 1.0", m.Performance.SuccessRate)
	}
	if m.Performance.QualityScore < 0.87 || m.Performance.QualityScore > 0.89 {
		t.Errorf("QualityScore = %v, want ~0.88", m.Performance.QualityScore)
	}
}

func TestCatalogRefreshInvalidatesOfflineModelCache(t *testing.T) {
	cat := catalog.New(time.Hour)
	cat.RegisterDiscovery(&fakeDiscovery{batches: [][]catalog.Model{
		{{
			ID:           "model-a",
			Provider:     "test",
			Capabilities: []domain.Capability{domain.CapTextGeneration},
			Availability: catalog.Availability{Status: catalog.StatusOnline},
			Enabled:      true,
		}},
		{}, // second refresh: the model is gone
	}})

	l, _, store := newTestLoop(t, cat)

	if err := l.Trigger(context.Background(), "catalog-refresh"); err != nil {
		t.Fatalf("first refresh error = %v", err)
	}

	key := cache.Key(domain.TaskGeneral, domain.ComplexityModerate, "cached question")
	store.Set(key, "cached question", domain.RouteResult{
		RequestID: "r1", ModelID: "model-a", Content: "answer",
	}, time.Hour, domain.PriorityMedium, []string{"model:model-a"})
	if !store.Has(key) {
		t.Fatal("Set() did not store the entry")
	}

	if err := l.Trigger(context.Background(), "catalog-refresh"); err != nil {
		t.Fatalf("second refresh error = %v", err)
	}
	if store.Has(key) {
		t.Error("cache entry survived the model going offline")
	}
}
