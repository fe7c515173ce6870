package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Default bounds of the in-memory dedup cache.
const (
	DefaultDedupCapacity = 1000
	DefaultDedupTTL      = 5 * time.Minute
)

// DedupCache short-circuits rapid redelivery of the same event. It is a
// liveness optimization only; reconciliation stays idempotent without it.
type DedupCache interface {
	// CheckAndMark reports whether eventID was already seen and marks it seen.
	CheckAndMark(ctx context.Context, eventID string) bool
	// Forget clears the mark so a redelivery after a failed attempt is processed.
	Forget(ctx context.Context, eventID string)
}

// MemoryDedupCache is a bounded, time-limited LRU set of event ids.
type MemoryDedupCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, struct{}]
}

// DedupOption configures a MemoryDedupCache.
type DedupOption func(*dedupSettings)

type dedupSettings struct {
	capacity int
	ttl      time.Duration
}

// WithCapacity bounds the number of remembered event ids.
func WithCapacity(n int) DedupOption {
	return func(s *dedupSettings) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithTTL sets how long an event id is remembered.
func WithTTL(ttl time.Duration) DedupOption {
	return func(s *dedupSettings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewMemoryDedupCache builds a cache holding up to 1000 ids for five minutes
// unless overridden.
func NewMemoryDedupCache(opts ...DedupOption) *MemoryDedupCache {
	settings := dedupSettings{capacity: DefaultDedupCapacity, ttl: DefaultDedupTTL}
	for _, opt := range opts {
		opt(&settings)
	}
	return &MemoryDedupCache{lru: expirable.NewLRU[string, struct{}](settings.capacity, nil, settings.ttl)}
}

// CheckAndMark implements DedupCache. Blank ids are never remembered.
func (c *MemoryDedupCache) CheckAndMark(_ context.Context, eventID string) bool {
	if eventID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Get(eventID); ok {
		return true
	}
	c.lru.Add(eventID, struct{}{})
	return false
}

// Forget implements DedupCache.
func (c *MemoryDedupCache) Forget(_ context.Context, eventID string) {
	c.mu.Lock()
	c.lru.Remove(eventID)
	c.mu.Unlock()
}

// Len reports the number of live entries.
func (c *MemoryDedupCache) Len() int { return c.lru.Len() }

// NoopDedupCache never reports a duplicate.
type NoopDedupCache struct{}

// CheckAndMark implements DedupCache.
func (NoopDedupCache) CheckAndMark(context.Context, string) bool { return false }

// Forget implements DedupCache.
func (NoopDedupCache) Forget(context.Context, string) {}
