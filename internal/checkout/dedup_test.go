package checkout_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"donationcore/internal/checkout"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDedupMarksOnce(t *testing.T) {
	ctx := context.Background()
	cache := checkout.NewMemoryDedupCache()

	assert.False(t, cache.CheckAndMark(ctx, "evt_1"))
	assert.True(t, cache.CheckAndMark(ctx, "evt_1"))
	assert.False(t, cache.CheckAndMark(ctx, "evt_2"))
	assert.Equal(t, 2, cache.Len())

	assert.False(t, cache.CheckAndMark(ctx, ""))
	assert.False(t, cache.CheckAndMark(ctx, ""))
}

func TestMemoryDedupForget(t *testing.T) {
	ctx := context.Background()
	cache := checkout.NewMemoryDedupCache()
	cache.CheckAndMark(ctx, "evt_1")
	cache.Forget(ctx, "evt_1")
	assert.False(t, cache.CheckAndMark(ctx, "evt_1"))
}

func TestMemoryDedupEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	cache := checkout.NewMemoryDedupCache(checkout.WithCapacity(2))
	cache.CheckAndMark(ctx, "a")
	cache.CheckAndMark(ctx, "b")
	require.True(t, cache.CheckAndMark(ctx, "a"))
	cache.CheckAndMark(ctx, "c")

	assert.Equal(t, 2, cache.Len())
	assert.True(t, cache.CheckAndMark(ctx, "a"))
	assert.False(t, cache.CheckAndMark(ctx, "b"), "b was least recently used")
}

func TestMemoryDedupExpires(t *testing.T) {
	ctx := context.Background()
	cache := checkout.NewMemoryDedupCache(checkout.WithTTL(20 * time.Millisecond))
	require.False(t, cache.CheckAndMark(ctx, "evt"))
	require.Eventually(t, func() bool {
		return !cache.CheckAndMark(ctx, "evt")
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryDedupConcurrentFirstSeen(t *testing.T) {
	ctx := context.Background()
	cache := checkout.NewMemoryDedupCache()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark(ctx, "evt_storm") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fresh)
}

func TestNoopDedupNeverMatches(t *testing.T) {
	var cache checkout.NoopDedupCache
	assert.False(t, cache.CheckAndMark(context.Background(), "evt"))
	assert.False(t, cache.CheckAndMark(context.Background(), "evt"))
	cache.Forget(context.Background(), "evt")
}

type fakeRedis struct {
	mu      sync.Mutex
	keys    map[string]time.Duration
	failSet error
	failDel error
}

func newFakeRedis() *fakeRedis { return &fakeRedis{keys: map[string]time.Duration{}} }

func (f *fakeRedis) SetNX(_ context.Context, key string, _ any, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return redis.NewBoolResult(false, f.failSet)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDel != nil {
		return redis.NewIntResult(0, f.failDel)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			delete(f.keys, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisDedupUsesPrefixAndTTL(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	cache := checkout.NewRedisDedupCache(client, "test:", time.Minute, nil)

	assert.False(t, cache.CheckAndMark(ctx, "evt_1"))
	assert.True(t, cache.CheckAndMark(ctx, "evt_1"))
	assert.Equal(t, time.Minute, client.keys["test:evt_1"])

	cache.Forget(ctx, "evt_1")
	assert.NotContains(t, client.keys, "test:evt_1")
	assert.False(t, cache.CheckAndMark(ctx, "evt_1"))
	assert.False(t, cache.CheckAndMark(ctx, ""))
}

func TestRedisDedupDefaults(t *testing.T) {
	client := newFakeRedis()
	cache := checkout.NewRedisDedupCache(client, "", 0, nil)
	cache.CheckAndMark(context.Background(), "evt")
	assert.Equal(t, checkout.DefaultDedupTTL, client.keys["donationcore:event:evt"])
}

func TestRedisDedupDegradesToUnseen(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	client.failSet = errors.New("connection refused")
	client.failDel = errors.New("connection reset")
	cache := checkout.NewRedisDedupCache(client, "", time.Minute, nil)

	assert.False(t, cache.CheckAndMark(ctx, "evt"))
	assert.False(t, cache.CheckAndMark(ctx, "evt"))
	cache.Forget(ctx, "evt")
}
