package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftforge/mongoconfigs/cache"
)

func TestGetSingleFlight(t *testing.T) {
	c := cache.New[int](cache.Options{RecordStats: true})
	defer c.Close()

	var calls int64
	loader := func(context.Context) (int, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), "k", loader)
			require.NoError(t, err)
			results[idx] = v
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}

func TestGetDoesNotCacheErrors(t *testing.T) {
	c := cache.New[int](cache.Options{})
	defer c.Close()

	var calls int64
	_, err := c.Get(context.Background(), "k", func(context.Context) (int, error) {
		atomic.AddInt64(&calls, 1)
		return 0, assertErr{}
	})
	require.Error(t, err)

	_, err = c.Get(context.Background(), "k", func(context.Context) (int, error) {
		atomic.AddInt64(&calls, 1)
		return 7, nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestTTLExpiry(t *testing.T) {
	var evicted []string
	var mu sync.Mutex

	c := cache.New[int](cache.Options{
		TTL:             30 * time.Millisecond,
		JanitorInterval: 10 * time.Millisecond,
		OnEvict: func(key string, cause cache.Cause) {
			mu.Lock()
			defer mu.Unlock()
			evicted = append(evicted, key)
		},
	})
	defer c.Close()

	c.Put("k", 1)
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, evicted, "k")
}

func TestSizeEviction(t *testing.T) {
	c := cache.New[int](cache.Options{MaxSize: 2})
	defer c.Close()

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Size, 2)
}

func TestInvalidate(t *testing.T) {
	c := cache.New[int](cache.Options{RecordStats: true})
	defer c.Close()

	c.Put("k", 1)
	c.Invalidate("k")

	var calls int64
	v, err := c.Get(context.Background(), "k", func(context.Context) (int, error) {
		atomic.AddInt64(&calls, 1)
		return 99, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 99, v)
	assert.EqualValues(t, 1, calls)
}

func TestCancellation(t *testing.T) {
	c := cache.New[int](cache.Options{})
	defer c.Close()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	var cancelledErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, cancelledErr = c.Get(ctx, "shared-slow-key", func(context.Context) (int, error) {
			time.Sleep(40 * time.Millisecond)
			return 1, nil
		})
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	wg.Wait()
	require.Error(t, cancelledErr)

	// A concurrent, uncancelled caller attached to the same in-flight load
	// still receives the value once it resolves.
	v, err := c.Get(context.Background(), "shared-slow-key", func(context.Context) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}
