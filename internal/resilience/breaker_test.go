package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"llmrouter/internal/domain"
)

func newTestBreaker(t *testing.T, s Settings) (*Breaker, *time.Time) {
	t.Helper()
	b := New(s)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{FailureThreshold: 3, SuccessThreshold: 2, MinRequestCount: 3, Timeout: 30 * time.Second})

	b.RecordFailure("m")
	b.RecordFailure("m")
	if got := b.State("m").Status; got != StateClosed {
		t.Fatalf("Status after 2 failures = %v, want %v", got, StateClosed)
	}

	// The third failure meets both failureThreshold and minRequestCount.
	b.RecordFailure("m")
	if got := b.State("m").Status; got != StateOpen {
		t.Fatalf("Status after 3 failures = %v, want %v", got, StateOpen)
	}
	if b.Allow("m") {
		t.Error("Allow() = true for a freshly opened circuit")
	}
}

func TestBreakerRespectsMinRequestCount(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{FailureThreshold: 2, SuccessThreshold: 1, MinRequestCount: 5, Timeout: time.Second})

	for i := 0; i < 4; i++ {
		b.RecordFailure("m")
	}
	if got := b.State("m").Status; got != StateClosed {
		t.Fatalf("Status with totalRequests < minRequestCount = %v, want %v", got, StateClosed)
	}
	b.RecordFailure("m")
	if got := b.State("m").Status; got != StateOpen {
		t.Fatalf("Status once minRequestCount reached = %v, want %v", got, StateOpen)
	}
}

func TestBreakerHalfOpenProbeAndClose(t *testing.T) {
	b, now := newTestBreaker(t, Settings{FailureThreshold: 2, SuccessThreshold: 2, MinRequestCount: 2, Timeout: 10 * time.Second})

	b.RecordFailure("m")
	b.RecordFailure("m")
	if got := b.State("m").Status; got != StateOpen {
		t.Fatalf("Status = %v, want open", got)
	}

	*now = now.Add(5 * time.Second)
	if b.Allow("m") {
		t.Fatal("Allow() = true before the reset timeout elapsed")
	}

	*now = now.Add(6 * time.Second)
	if !b.Allow("m") {
		t.Fatal("Allow() = false after the reset timeout elapsed")
	}
	if got := b.State("m").Status; got != StateHalfOpen {
		t.Fatalf("Status after probe allowed = %v, want %v", got, StateHalfOpen)
	}

	// Exactly successThreshold consecutive successes close the circuit.
	b.RecordSuccess("m")
	if got := b.State("m").Status; got != StateHalfOpen {
		t.Fatalf("Status after 1 of 2 successes = %v, want %v", got, StateHalfOpen)
	}
	b.RecordSuccess("m")
	if got := b.State("m").Status; got != StateClosed {
		t.Fatalf("Status after 2 successes = %v, want %v", got, StateClosed)
	}
}

func TestBreakerHalfOpenFailureReopensWithBackoff(t *testing.T) {
	b, now := newTestBreaker(t, Settings{FailureThreshold: 2, SuccessThreshold: 1, MinRequestCount: 2, Timeout: 10 * time.Second, MaxTimeout: time.Minute})

	b.RecordFailure("m")
	b.RecordFailure("m")
	opened := *now

	*now = now.Add(11 * time.Second)
	if !b.Allow("m") {
		t.Fatal("Allow() = false when probe was due")
	}

	b.RecordFailure("m")
	st := b.State("m")
	if st.Status != StateOpen {
		t.Fatalf("Status after failed probe = %v, want %v", st.Status, StateOpen)
	}
	// Re-open doubles the timeout: next attempt 20s out, not 10s.
	wantNext := now.Add(20 * time.Second)
	if !st.NextAttempt.Equal(wantNext) {
		t.Errorf("NextAttempt = %v, want %v (opened at %v)", st.NextAttempt, wantNext, opened)
	}
}

func TestBreakerWindowRateTrip(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{FailureThreshold: 100, SuccessThreshold: 1, MinRequestCount: 4, Window: time.Minute, Timeout: time.Second})

	// Alternate success/failure: the consecutive-failure counter never
	// reaches 100, but the window rate hits 0.5 with enough samples.
	b.RecordSuccess("m")
	b.RecordFailure("m")
	b.RecordSuccess("m")
	if got := b.State("m").Status; got != StateClosed {
		t.Fatalf("Status = %v, want closed before window fills", got)
	}
	b.RecordFailure("m")
	if got := b.State("m").Status; got != StateOpen {
		t.Fatalf("Status = %v, want open at 50%% window failure rate", got)
	}
}

func TestBreakerExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("success records and passes through", func(t *testing.T) {
		b, _ := newTestBreaker(t, Settings{FailureThreshold: 3, SuccessThreshold: 1, MinRequestCount: 1})
		err := b.Execute(ctx, "m", func(context.Context) error { return nil }, nil)
		if err != nil {
			t.Fatalf("Execute() = %v, want nil", err)
		}
		if got := b.State("m").TotalSuccesses; got != 1 {
			t.Errorf("TotalSuccesses = %d, want 1", got)
		}
	})

	t.Run("open without fallback fails circuit-open", func(t *testing.T) {
		b, _ := newTestBreaker(t, Settings{FailureThreshold: 1, SuccessThreshold: 1, MinRequestCount: 1, Timeout: time.Minute})
		b.RecordFailure("m")

		err := b.Execute(ctx, "m", func(context.Context) error { return nil }, nil)
		if domain.CodeOf(err) != domain.ErrCircuitOpen {
			t.Fatalf("CodeOf(err) = %v, want %v", domain.CodeOf(err), domain.ErrCircuitOpen)
		}
	})

	t.Run("open with fallback runs fallback without recording", func(t *testing.T) {
		b, _ := newTestBreaker(t, Settings{FailureThreshold: 1, SuccessThreshold: 1, MinRequestCount: 1, Timeout: time.Minute})
		b.RecordFailure("m")
		before := b.State("m").TotalRequests

		ran := false
		err := b.Execute(ctx, "m", func(context.Context) error { return errors.New("op must not run") },
			func(context.Context) error { ran = true; return nil })
		if err != nil {
			t.Fatalf("Execute() = %v, want nil via fallback", err)
		}
		if !ran {
			t.Error("fallback did not run")
		}
		if got := b.State("m").TotalRequests; got != before {
			t.Errorf("TotalRequests changed from %d to %d on the fallback path", before, got)
		}
	})

	t.Run("failing fallback surfaces circuit-open", func(t *testing.T) {
		b, _ := newTestBreaker(t, Settings{FailureThreshold: 1, SuccessThreshold: 1, MinRequestCount: 1, Timeout: time.Minute})
		b.RecordFailure("m")

		err := b.Execute(ctx, "m", func(context.Context) error { return nil },
			func(context.Context) error { return errors.New("fallback broke too") })
		if domain.CodeOf(err) != domain.ErrCircuitOpen {
			t.Fatalf("CodeOf(err) = %v, want %v", domain.CodeOf(err), domain.ErrCircuitOpen)
		}
	})
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{FailureThreshold: 1, SuccessThreshold: 1, MinRequestCount: 1})
	b.RecordFailure("m")
	b.Reset("m")

	st := b.State("m")
	if st.Status != StateClosed || st.TotalRequests != 0 || st.FailureCount != 0 {
		t.Errorf("State after Reset = %+v, want canonical closed", st)
	}
}

func TestBreakerCleanup(t *testing.T) {
	b, now := newTestBreaker(t, Settings{FailureThreshold: 5, SuccessThreshold: 1, MinRequestCount: 1})
	b.RecordSuccess("old")
	*now = now.Add(2 * time.Hour)
	b.RecordSuccess("fresh")

	if removed := b.Cleanup(time.Hour); removed != 1 {
		t.Fatalf("Cleanup() removed %d, want 1", removed)
	}
	if _, ok := b.Snapshot()["old"]; ok {
		t.Error("stale circuit survived Cleanup")
	}
	if _, ok := b.Snapshot()["fresh"]; !ok {
		t.Error("fresh circuit was removed by Cleanup")
	}
}

func TestBreakerCountersStayConsistentUnderConcurrency(t *testing.T) {
	b := New(Settings{FailureThreshold: 1000, SuccessThreshold: 1, MinRequestCount: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if (n+j)%3 == 0 {
					b.RecordFailure("m")
				} else {
					b.RecordSuccess("m")
				}
			}
		}(i)
	}
	wg.Wait()

	st := b.State("m")
	if st.TotalSuccesses+st.TotalFailures != st.TotalRequests {
		t.Errorf("TotalSuccesses(%d) + TotalFailures(%d) != TotalRequests(%d)",
			st.TotalSuccesses, st.TotalFailures, st.TotalRequests)
	}
	if st.TotalRequests != 800 {
		t.Errorf("TotalRequests = %d, want 800", st.TotalRequests)
	}
}
