package cache

import (
	"fmt"
	"testing"
	"time"

	"llmrouter/internal/domain"
)

func result(content string) domain.RouteResult {
	return domain.RouteResult{Content: content, ModelID: "m", Outcome: domain.OutcomeOK}
}

func TestSetGetRoundTrip(t *testing.T) {
	c := New(Options{MaxBytes: 1 << 20, MaxEntries: 10})
	key := Key(domain.TaskGeneral, domain.ComplexitySimple, "what is 2+2")

	if !c.Set(key, "what is 2+2", result("4"), time.Minute, domain.PriorityMedium, nil) {
		t.Fatal("Set() = false, want true")
	}
	got, ok := c.Get(key)
	if !ok {
		t.Fatal("Get() miss after Set")
	}
	if got.Content != "4" {
		t.Errorf("Get().Content = %q, want %q", got.Content, "4")
	}
}

func TestRemoveThenHas(t *testing.T) {
	c := New(Options{MaxBytes: 1 << 20, MaxEntries: 10})
	key := Key(domain.TaskGeneral, domain.ComplexitySimple, "x")
	c.Set(key, "x", result("y"), time.Minute, domain.PriorityMedium, nil)

	if !c.Remove(key) {
		t.Fatal("Remove() = false for existing key")
	}
	if c.Has(key) {
		t.Error("Has() = true after Remove")
	}
}

func TestEntryExpiresOnFirstGetPastTTL(t *testing.T) {
	c := New(Options{MaxBytes: 1 << 20, MaxEntries: 10})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	key := Key(domain.TaskGeneral, domain.ComplexitySimple, "x")
	c.Set(key, "x", result("y"), 10*time.Second, domain.PriorityMedium, nil)

	now = now.Add(9 * time.Second)
	if _, ok := c.Get(key); !ok {
		t.Fatal("Get() miss before TTL elapsed")
	}

	now = now.Add(2 * time.Second)
	if _, ok := c.Get(key); ok {
		t.Fatal("Get() hit after TTL elapsed")
	}
	if c.Stats().Entries != 0 {
		t.Error("expired entry not removed on access")
	}
}

func TestReplaceAccountsSizeDelta(t *testing.T) {
	c := New(Options{MaxBytes: 1 << 20, MaxEntries: 10})
	key := Key(domain.TaskGeneral, domain.ComplexitySimple, "x")

	c.Set(key, "x", result("short"), time.Minute, domain.PriorityMedium, nil)
	first := c.Stats()

	long := make([]byte, 1000)
	c.Set(key, "x", result(string(long)), time.Minute, domain.PriorityMedium, nil)
	second := c.Stats()

	if second.Entries != 1 {
		t.Fatalf("Entries after replace = %d, want 1", second.Entries)
	}
	if second.Bytes <= first.Bytes {
		t.Errorf("Bytes after larger replace = %d, want > %d", second.Bytes, first.Bytes)
	}
}

func TestBoundsHoldAfterEveryOp(t *testing.T) {
	c := New(Options{MaxBytes: 4096, MaxEntries: 5, Strategy: StrategyLRU})

	for i := 0; i < 50; i++ {
		content := fmt.Sprintf("request number %d", i)
		key := Key(domain.TaskGeneral, domain.ComplexitySimple, content)
		c.Set(key, content, result(content), time.Minute, domain.PriorityMedium, nil)

		s := c.Stats()
		if s.Bytes > 4096 {
			t.Fatalf("Bytes = %d exceeds MaxBytes after insert %d", s.Bytes, i)
		}
		if s.Entries > 5 {
			t.Fatalf("Entries = %d exceeds MaxEntries after insert %d", s.Entries, i)
		}
	}
}

func TestOversizedValueRefused(t *testing.T) {
	c := New(Options{MaxBytes: 512, MaxEntries: 10})
	huge := make([]byte, 1024)
	if c.Set("k", "x", result(string(huge)), time.Minute, domain.PriorityMedium, nil) {
		t.Error("Set() accepted a value larger than MaxBytes")
	}
}

func TestEvictionStrategies(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		// prepare touches entries after insertion; wantGone is the key
		// expected to be evicted when a fourth entry arrives.
		prepare  func(c *Cache, keys []string)
		wantGone int
	}{
		{
			name:     "lru evicts least recently accessed",
			strategy: StrategyLRU,
			prepare: func(c *Cache, keys []string) {
				c.Get(keys[0])
				c.Get(keys[2])
			},
			wantGone: 1,
		},
		{
			name:     "lfu evicts least frequently accessed",
			strategy: StrategyLFU,
			prepare: func(c *Cache, keys []string) {
				c.Get(keys[0])
				c.Get(keys[0])
				c.Get(keys[1])
				c.Get(keys[2])
				c.Get(keys[2])
			},
			wantGone: 1,
		},
		{
			name:     "fifo evicts oldest insertion",
			strategy: StrategyFIFO,
			prepare: func(c *Cache, keys []string) {
				c.Get(keys[0])
				c.Get(keys[0])
			},
			wantGone: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Options{MaxBytes: 1 << 20, MaxEntries: 3, Strategy: tt.strategy})
			now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			c.now = func() time.Time { return now }

			keys := make([]string, 3)
			for i := range keys {
				content := fmt.Sprintf("entry %d", i)
				keys[i] = Key(domain.TaskGeneral, domain.ComplexitySimple, content)
				c.Set(keys[i], content, result(content), time.Hour, domain.PriorityMedium, nil)
				now = now.Add(time.Second)
			}
			tt.prepare(c, keys)
			now = now.Add(time.Second)

			c.Set("overflow", "overflow", result("overflow"), time.Hour, domain.PriorityMedium, nil)

			for i, key := range keys {
				has := c.Has(key)
				if i == tt.wantGone && has {
					t.Errorf("entry %d survived, expected eviction", i)
				}
				if i != tt.wantGone && !has {
					t.Errorf("entry %d evicted, expected survival", i)
				}
			}
		})
	}
}

func TestAdaptiveEvictionPrefersLowPriority(t *testing.T) {
	c := New(Options{MaxBytes: 1 << 20, MaxEntries: 2, Strategy: StrategyAdaptive})

	critKey := Key(domain.TaskGeneral, domain.ComplexitySimple, "critical entry")
	lowKey := Key(domain.TaskGeneral, domain.ComplexitySimple, "low entry")
	c.Set(critKey, "critical entry", result("a"), time.Hour, domain.PriorityCritical, nil)
	c.Set(lowKey, "low entry", result("b"), time.Hour, domain.PriorityLow, nil)

	c.Set("overflow", "overflow", result("c"), time.Hour, domain.PriorityMedium, nil)

	if c.Has(lowKey) {
		t.Error("low-priority entry survived adaptive eviction")
	}
	if !c.Has(critKey) {
		t.Error("critical entry was evicted before the low-priority one")
	}
}

func TestGetSemantic(t *testing.T) {
	c := New(Options{MaxBytes: 1 << 20, MaxEntries: 100, SemanticThreshold: 0.8})

	stored := "please summarize the quarterly revenue report for the board meeting"
	key := Key(domain.TaskGeneral, domain.ComplexityModerate, stored)
	c.Set(key, stored, result("summary"), time.Minute, domain.PriorityMedium, nil)

	t.Run("near-identical content hits", func(t *testing.T) {
		query := "summarize the quarterly revenue report for the board meeting"
		got, score, ok := c.GetSemantic(domain.TaskGeneral, domain.ComplexityModerate, query)
		if !ok {
			t.Fatalf("GetSemantic() miss, similarity threshold 0.8")
		}
		if got.Content != "summary" {
			t.Errorf("content = %q, want %q", got.Content, "summary")
		}
		if score < 0.8 || score > 1.0 {
			t.Errorf("similarity = %v, want within [0.8, 1.0]", score)
		}
	})

	t.Run("identical content scores 1.0", func(t *testing.T) {
		_, score, ok := c.GetSemantic(domain.TaskGeneral, domain.ComplexityModerate, stored)
		if !ok || score != 1.0 {
			t.Errorf("GetSemantic(identical) = (%v, %v), want hit at 1.0", ok, score)
		}
	})

	t.Run("unrelated content misses", func(t *testing.T) {
		if _, _, ok := c.GetSemantic(domain.TaskGeneral, domain.ComplexityModerate, "write a haiku about autumn"); ok {
			t.Error("GetSemantic() hit for unrelated content")
		}
	})

	t.Run("different task type misses", func(t *testing.T) {
		if _, _, ok := c.GetSemantic(domain.TaskCodeGeneration, domain.ComplexityModerate, stored); ok {
			t.Error("GetSemantic() crossed task-type boundary")
		}
	})
}

func TestSemanticThresholdMonotonicity(t *testing.T) {
	stored := "explain the difference between tcp and udp protocols"
	query := "explain the difference between tcp and udp"

	hitAt := func(threshold float64) bool {
		c := New(Options{MaxBytes: 1 << 20, MaxEntries: 10, SemanticThreshold: threshold})
		key := Key(domain.TaskGeneral, domain.ComplexityModerate, stored)
		c.Set(key, stored, result("answer"), time.Minute, domain.PriorityMedium, nil)
		_, _, ok := c.GetSemantic(domain.TaskGeneral, domain.ComplexityModerate, query)
		return ok
	}

	// Raising the threshold can only turn hits into misses, never the
	// reverse.
	prev := true
	for _, threshold := range []float64{0.5, 0.7, 0.8, 0.9, 0.99} {
		got := hitAt(threshold)
		if got && !prev {
			t.Fatalf("threshold %v hit although a lower threshold missed", threshold)
		}
		prev = got
	}
}

func TestInvalidateTag(t *testing.T) {
	c := New(Options{MaxBytes: 1 << 20, MaxEntries: 10})

	c.Set("a", "a", result("1"), time.Minute, domain.PriorityMedium, []string{"model:gpt-4o", "task:general"})
	c.Set("b", "b", result("2"), time.Minute, domain.PriorityMedium, []string{"model:claude", "task:general"})
	c.Set("c", "c", result("3"), time.Minute, domain.PriorityMedium, []string{"model:gpt-4o"})

	if removed := c.InvalidateTag("model:gpt-4o"); removed != 2 {
		t.Fatalf("InvalidateTag() removed %d, want 2", removed)
	}
	if c.Has("a") || c.Has("c") {
		t.Error("tagged entries survived invalidation")
	}
	if !c.Has("b") {
		t.Error("unrelated entry was invalidated")
	}
}

func TestCleanupReapsExpired(t *testing.T) {
	c := New(Options{MaxBytes: 1 << 20, MaxEntries: 10})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("short", "a", result("1"), time.Second, domain.PriorityMedium, nil)
	c.Set("long", "b", result("2"), time.Hour, domain.PriorityMedium, nil)

	now = now.Add(time.Minute)
	if removed := c.Cleanup(); removed != 1 {
		t.Fatalf("Cleanup() removed %d, want 1", removed)
	}
	if !c.Has("long") {
		t.Error("live entry reaped by Cleanup")
	}
}

func TestTTLFor(t *testing.T) {
	tests := []struct {
		cx       domain.Complexity
		priority domain.Priority
		want     time.Duration
	}{
		{domain.ComplexitySimple, domain.PriorityLow, 90 * time.Minute},
		{domain.ComplexitySimple, domain.PriorityMedium, time.Hour},
		{domain.ComplexityModerate, domain.PriorityMedium, 30 * time.Minute},
		{domain.ComplexityComplex, domain.PriorityHigh, 675 * time.Second},
		{domain.ComplexityExpert, domain.PriorityCritical, 150 * time.Second},
	}

	for _, tt := range tests {
		t.Run(string(tt.cx)+"/"+string(tt.priority), func(t *testing.T) {
			if got := TTLFor(tt.cx, tt.priority); got != tt.want {
				t.Errorf("TTLFor(%s, %s) = %v, want %v", tt.cx, tt.priority, got, tt.want)
			}
		})
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{"identical", "hello world", "hello world", 1.0, 1.0},
		{"disjoint", "quantum physics lecture", "banana bread recipe", 0, 0.35},
		{"overlapping", "deploy the service to production", "deploy this service to production now", 0.6, 1.0},
		{"empty query", "", "something", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Similarity(tt.a, tt.b)
			if got < tt.min || got > tt.max {
				t.Errorf("Similarity(%q, %q) = %v, want within [%v, %v]", tt.a, tt.b, got, tt.min, tt.max)
			}
		})
	}
}
