package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"llmrouter/internal/domain"
	"llmrouter/internal/telemetry"
)

// fakeRouter answers instantly or blocks, per script.
type fakeRouter struct {
	calls atomic.Int64
	block chan struct{} // when non-nil, Route waits for close
	err   error
}

func (f *fakeRouter) Route(ctx context.Context, req *domain.Request) (*domain.RouteResult, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &domain.RouteResult{
		RequestID: req.ID,
		ModelID:   "model-a",
		Outcome:   domain.OutcomeOK,
	}, nil
}

func testDispatcherConfig() DispatcherConfig {
	cfg := DefaultDispatcherConfig()
	cfg.MinWorkers = 2
	cfg.MaxWorkers = 4
	cfg.MaxQueuedRequests = 10
	cfg.QueueTimeout = 2 * time.Second
	return cfg
}

func TestDispatcherSubmitRoundTrip(t *testing.T) {
	router := &fakeRouter{}
	d := NewDispatcher(testDispatcherConfig(), router, telemetry.NewMetrics())
	d.Start()
	defer d.Stop()

	res, err := d.Submit(context.Background(), &domain.Request{ID: "req-1", Content: "hello", Priority: 2})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want req-1", res.RequestID)
	}
	if got := router.calls.Load(); got != 1 {
		t.Errorf("router calls = %d, want 1", got)
	}
}

func TestDispatcherPropagatesRouterError(t *testing.T) {
	want := domain.NewError(domain.ErrRoutingFailure, "no model")
	router := &fakeRouter{err: want}
	d := NewDispatcher(testDispatcherConfig(), router, telemetry.NewMetrics())
	d.Start()
	defer d.Stop()

	_, err := d.Submit(context.Background(), &domain.Request{ID: "req-1", Content: "hello"})
	if !errors.Is(err, want) && domain.CodeOf(err) != domain.ErrRoutingFailure {
		t.Errorf("Submit() error = %v, want routing failure", err)
	}
}

func TestDispatcherLaneSelection(t *testing.T) {
	d := NewDispatcher(testDispatcherConfig(), &fakeRouter{}, telemetry.NewMetrics())

	tests := []struct {
		priority int
		want     string
	}{
		{4, "high"},
		{3, "high"},
		{2, "normal"},
		{0, "normal"}, // unset defaults to medium
		{1, "low"},
	}
	for _, tt := range tests {
		if _, got := d.lane(tt.priority); got != tt.want {
			t.Errorf("lane(%d) = %q, want %q", tt.priority, got, tt.want)
		}
	}
}

func TestDispatcherRejectsWhenQueueFull(t *testing.T) {
	cfg := testDispatcherConfig()
	cfg.MaxQueuedRequests = 3 // one slot per lane
	router := &fakeRouter{}
	d := NewDispatcher(cfg, router, telemetry.NewMetrics())
	// Not started: nothing drains the lanes.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		d.Submit(ctx, &domain.Request{ID: "req-1", Content: "x", Priority: 4})
	}()

	// Wait until the first request occupies the high lane.
	deadline := time.Now().Add(time.Second)
	for len(d.highLane) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first request never enqueued")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := d.Submit(context.Background(), &domain.Request{ID: "req-2", Content: "y", Priority: 4})
	if domain.CodeOf(err) != domain.ErrRateLimited {
		t.Errorf("Submit() error = %v, want queue-full rejection", err)
	}

	cancel()
	<-firstDone
}

func TestDispatcherStopUnblocksWaiters(t *testing.T) {
	router := &fakeRouter{block: make(chan struct{})}
	d := NewDispatcher(testDispatcherConfig(), router, telemetry.NewMetrics())
	d.Start()

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := d.Submit(ctx, &domain.Request{ID: "req-1", Content: "x"})
		errCh <- err
	}()

	// Let the request reach a worker, then release it and stop.
	deadline := time.Now().Add(time.Second)
	for router.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never reached a worker")
		}
		time.Sleep(time.Millisecond)
	}
	close(router.block)
	d.Stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, ErrShuttingDown) {
			t.Errorf("Submit() after stop error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit() still blocked after Stop")
	}
}

func TestDispatcherStats(t *testing.T) {
	router := &fakeRouter{}
	d := NewDispatcher(testDispatcherConfig(), router, telemetry.NewMetrics())
	d.Start()
	defer d.Stop()

	for i := 0; i < 3; i++ {
		if _, err := d.Submit(context.Background(), &domain.Request{ID: "req", Content: "x"}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	s := d.Stats()
	if s.Received != 3 {
		t.Errorf("Received = %d, want 3", s.Received)
	}
	if s.Processed != 3 {
		t.Errorf("Processed = %d, want 3", s.Processed)
	}
	if s.Workers < int32(testDispatcherConfig().MinWorkers) {
		t.Errorf("Workers = %d, want >= %d", s.Workers, testDispatcherConfig().MinWorkers)
	}
	if !d.Healthy() {
		t.Error("Healthy() = false, want true")
	}
}
