// Package cache holds synthesized audio keyed by normalized response text.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// DefaultCapacity is used when New receives a non-positive capacity.
const DefaultCapacity = 100

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

// ResponseCache is a bounded FIFO cache. The entry inserted first is
// evicted first once capacity is reached; lookups do not refresh order.
// A single mutex covers lookup, insert, evict and the counters.
type ResponseCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string][]byte
	order    []string
	hits     int64
	misses   int64
}

// New returns an empty cache holding at most capacity entries.
func New(capacity int) *ResponseCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ResponseCache{
		capacity: capacity,
		entries:  make(map[string][]byte, capacity),
	}
}

// Normalize folds case, trims and collapses whitespace.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Key returns the cache key for a response text.
func Key(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached audio for text and counts a hit or miss.
func (c *ResponseCache) Get(text string) ([]byte, bool) {
	k := Key(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[k]
	if ok {
		c.hits++
		return b, true
	}
	c.misses++
	return nil, false
}

// Put stores audio for text. Empty audio is ignored. Re-inserting an
// existing key replaces the value without changing its eviction position.
func (c *ResponseCache) Put(text string, audio []byte) {
	if len(audio) == 0 {
		return
	}
	k := Key(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[k]; ok {
		c.entries[k] = audio
		return
	}
	for len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[k] = audio
	c.order = append(c.order, k)
}

// Contains reports whether text is cached without touching the counters.
func (c *ResponseCache) Contains(text string) bool {
	k := Key(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[k]
	return ok
}

// GetOrSynthesize returns cached audio for text or calls synth and caches
// a non-empty result. The second return value reports a cache hit.
func (c *ResponseCache) GetOrSynthesize(ctx context.Context, text string, synth func(context.Context, string) ([]byte, error)) ([]byte, bool, error) {
	if b, ok := c.Get(text); ok {
		return b, true, nil
	}
	b, err := synth(ctx, text)
	if err != nil {
		return nil, false, err
	}
	c.Put(text, b)
	return b, false, nil
}

// Stats returns size, capacity and hit/miss counters.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:     len(c.entries),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Clear drops all entries and zeroes the counters.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]byte, c.capacity)
	c.order = nil
	c.hits, c.misses = 0, 0
}
