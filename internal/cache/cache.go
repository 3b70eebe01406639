// Package cache is the bounded in-process response cache: exact lookup
// by request fingerprint, similarity-based semantic lookup, per-entry
// TTL, tag invalidation, and four eviction strategies. Byte and entry
// bounds hold after every mutation.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"llmrouter/internal/domain"
	"llmrouter/internal/telemetry"
)

// Strategy selects the eviction policy.
type Strategy string

const (
	StrategyLRU      Strategy = "lru"
	StrategyLFU      Strategy = "lfu"
	StrategyFIFO     Strategy = "fifo"
	StrategyAdaptive Strategy = "adaptive"
)

// Options configures a Cache.
type Options struct {
	MaxBytes          int64
	MaxEntries        int
	DefaultTTL        time.Duration
	Strategy          Strategy
	SemanticThreshold float64
	SemanticScanCap   int
	Metrics           *telemetry.Metrics
}

// Entry is one cached response with its bookkeeping.
type Entry struct {
	Key          string
	Value        domain.RouteResult
	Content      string // sanitized request content, for semantic comparison
	Size         int64
	TTL          time.Duration
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	Tags         []string
	Priority     domain.Priority
	seq          int64 // insertion order, for fifo
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(e.TTL))
}

// Stats is an observable cache summary.
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	SemanticHits int64   `json:"semanticHits"`
	Evictions    int64   `json:"evictions"`
	Expirations  int64   `json:"expirations"`
	Entries      int     `json:"entries"`
	Bytes        int64   `json:"bytes"`
	HitRate      float64 `json:"hitRate"`
}

// Cache is the shared response store. Safe for concurrent use; reads
// and writes are linearizable per key.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	bytes   int64
	seq     int64
	opts    Options

	hits, misses, semanticHits, evictions, expirations int64

	now func() time.Time
}

// New builds a Cache. Zero options get workable defaults.
func New(opts Options) *Cache {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 256 * 1024 * 1024
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 30 * time.Minute
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyAdaptive
	}
	if opts.SemanticThreshold <= 0 {
		opts.SemanticThreshold = 0.8
	}
	if opts.SemanticScanCap <= 0 {
		opts.SemanticScanCap = 200
	}
	return &Cache{
		entries: make(map[string]*Entry),
		opts:    opts,
		now:     time.Now,
	}
}

// Key builds the deterministic fingerprint for a request.
func Key(task domain.TaskType, cx domain.Complexity, content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("fp:v1:%s:%s:%s", task, cx, hex.EncodeToString(sum[:])[:16])
}

// keyPrefix groups entries sharing a (task, complexity) pair.
func keyPrefix(task domain.TaskType, cx domain.Complexity) string {
	return fmt.Sprintf("fp:v1:%s:%s:", task, cx)
}

// Get returns the live value for key. An entry past its TTL is removed
// and reported as a miss.
func (c *Cache) Get(key string) (*domain.RouteResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.recordLocked("miss", "")
		return nil, false
	}
	now := c.now()
	if e.expired(now) {
		c.removeLocked(key)
		c.expirations++
		c.misses++
		c.recordLocked("miss", "")
		return nil, false
	}

	e.LastAccessed = now
	e.AccessCount++
	c.hits++
	c.recordLocked("hit", "exact")
	value := e.Value
	return &value, true
}

// Has reports whether a live entry exists without touching access
// bookkeeping.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !e.expired(c.now())
}

// Set stores value under key, replacing any prior entry atomically. A
// value larger than the whole cache is refused. Returns whether the
// value was stored.
func (c *Cache) Set(key, content string, value domain.RouteResult, ttl time.Duration, priority domain.Priority, tags []string) bool {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	if priority == "" {
		priority = domain.PriorityMedium
	}

	size := entrySize(key, content, value)
	if size > c.opts.MaxBytes {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prior, ok := c.entries[key]; ok {
		c.bytes -= prior.Size
		delete(c.entries, key)
	}

	now := c.now()
	c.seq++
	e := &Entry{
		Key:          key,
		Value:        value,
		Content:      content,
		Size:         size,
		TTL:          ttl,
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  1,
		Tags:         tags,
		Priority:     priority,
		seq:          c.seq,
	}
	c.entries[key] = e
	c.bytes += size

	c.evictLocked()
	c.updateGaugesLocked()
	return true
}

// Remove deletes an entry. Returns whether it existed.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	if ok {
		c.removeLocked(key)
		c.updateGaugesLocked()
	}
	return ok
}

// GetSemantic scans live entries of the same (task, complexity) for
// the closest content match at or above the similarity threshold. The
// scan is capped at SemanticScanCap most-recent entries. The winning
// entry is marked accessed.
func (c *Cache) GetSemantic(task domain.TaskType, cx domain.Complexity, content string) (*domain.RouteResult, float64, bool) {
	prefix := keyPrefix(task, cx)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Most-recent first, capped. Entry counts are bounded by
	// MaxEntries, so collecting then sorting stays cheap.
	candidates := make([]*Entry, 0, 64)
	for key, e := range c.entries {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix || e.expired(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	sortEntriesByRecency(candidates)
	if len(candidates) > c.opts.SemanticScanCap {
		candidates = candidates[:c.opts.SemanticScanCap]
	}

	var best *Entry
	bestScore := 0.0
	for _, e := range candidates {
		score := Similarity(content, e.Content)
		if score > bestScore {
			bestScore = score
			best = e
		}
	}

	if best == nil || bestScore < c.opts.SemanticThreshold {
		c.misses++
		c.recordLocked("miss", "")
		return nil, 0, false
	}

	best.LastAccessed = now
	best.AccessCount++
	c.semanticHits++
	c.recordLocked("hit", "semantic")
	value := best.Value
	return &value, bestScore, true
}

// InvalidateTag removes every entry carrying tag and returns the
// count. Used when a model goes offline.
func (c *Cache) InvalidateTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		for _, t := range e.Tags {
			if t == tag {
				c.removeLocked(key)
				removed++
				break
			}
		}
	}
	if removed > 0 {
		c.updateGaugesLocked()
	}
	return removed
}

// Cleanup reaps expired entries and returns how many were removed.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(key)
			c.expirations++
			removed++
		}
	}
	if removed > 0 {
		c.updateGaugesLocked()
	}
	return removed
}

// Stats returns a consistent snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:         c.hits,
		Misses:       c.misses,
		SemanticHits: c.semanticHits,
		Evictions:    c.evictions,
		Expirations:  c.expirations,
		Entries:      len(c.entries),
		Bytes:        c.bytes,
	}
	if total := s.Hits + s.SemanticHits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits+s.SemanticHits) / float64(total)
	}
	return s
}

// evictLocked removes victims per the configured strategy until both
// bounds hold.
func (c *Cache) evictLocked() {
	for (c.bytes > c.opts.MaxBytes || len(c.entries) > c.opts.MaxEntries) && len(c.entries) > 0 {
		victim := c.victimLocked()
		if victim == "" {
			return
		}
		c.removeLocked(victim)
		c.evictions++
		if m := c.opts.Metrics; m != nil {
			m.CacheEvictions.WithLabelValues(string(c.opts.Strategy)).Inc()
		}
	}
}

// victimLocked picks the next eviction victim.
func (c *Cache) victimLocked() string {
	now := c.now()
	var victim string
	first := true

	var bestLRU time.Time
	var bestLFU int64
	var bestSeq int64
	var bestScore float64

	for key, e := range c.entries {
		switch c.opts.Strategy {
		case StrategyLRU:
			if first || e.LastAccessed.Before(bestLRU) {
				bestLRU, victim = e.LastAccessed, key
			}
		case StrategyLFU:
			if first || e.AccessCount < bestLFU {
				bestLFU, victim = e.AccessCount, key
			}
		case StrategyFIFO:
			if first || e.seq < bestSeq {
				bestSeq, victim = e.seq, key
			}
		default: // adaptive
			score := adaptiveScore(e, now)
			if first || score > bestScore {
				bestScore, victim = score, key
			}
		}
		first = false
	}
	return victim
}

// adaptiveScore ranks an entry for eviction; the highest score goes
// first. Lower priority, rare access, age, and bulk all raise it.
func adaptiveScore(e *Entry, now time.Time) float64 {
	// Invert the priority rank: critical entries score lowest.
	priorityRank := float64(5 - e.Priority.Rank())
	accessFreq := float64(e.AccessCount)
	if accessFreq < 1 {
		accessFreq = 1
	}
	ageHours := now.Sub(e.CreatedAt).Hours()
	sizeMB := float64(e.Size) / (1024 * 1024)
	return priorityRank + 2/accessFreq + 0.1*ageHours + 0.5*sizeMB
}

func (c *Cache) removeLocked(key string) {
	if e, ok := c.entries[key]; ok {
		c.bytes -= e.Size
		delete(c.entries, key)
	}
}

func (c *Cache) updateGaugesLocked() {
	if m := c.opts.Metrics; m != nil {
		m.CacheEntries.Set(float64(len(c.entries)))
		m.CacheBytes.Set(float64(c.bytes))
	}
}

func (c *Cache) recordLocked(result, kind string) {
	m := c.opts.Metrics
	if m == nil {
		return
	}
	if result == "hit" {
		m.CacheHits.WithLabelValues(kind).Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// entrySize approximates an entry's memory footprint.
func entrySize(key, content string, value domain.RouteResult) int64 {
	const overhead = 256
	return int64(len(key)+len(content)+len(value.Content)) + overhead
}

// ttlBase is the per-complexity TTL baseline.
var ttlBase = map[domain.Complexity]time.Duration{
	domain.ComplexitySimple:   time.Hour,
	domain.ComplexityModerate: 30 * time.Minute,
	domain.ComplexityComplex:  15 * time.Minute,
	domain.ComplexityExpert:   5 * time.Minute,
}

// ttlPriorityFactor scales the baseline: urgent answers go stale
// faster.
var ttlPriorityFactor = map[domain.Priority]float64{
	domain.PriorityLow:      1.5,
	domain.PriorityMedium:   1.0,
	domain.PriorityHigh:     0.75,
	domain.PriorityCritical: 0.5,
}

// TTLFor derives an entry TTL from complexity and priority.
func TTLFor(cx domain.Complexity, priority domain.Priority) time.Duration {
	base, ok := ttlBase[cx]
	if !ok {
		base = 30 * time.Minute
	}
	factor, ok := ttlPriorityFactor[priority]
	if !ok {
		factor = 1.0
	}
	return time.Duration(float64(base) * factor)
}

// sortEntriesByRecency orders entries newest CreatedAt first.
func sortEntriesByRecency(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
}
