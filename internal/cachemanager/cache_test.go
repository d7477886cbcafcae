package cachemanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryCacheSetGetDelete(t *testing.T) {
	c := NewInMemoryCacheManager[[]string]("test", DefaultExpiration, DefaultCleanupInterval)
	ctx := context.Background()

	_, ok := c.Get(ctx, "missing")
	require.False(t, ok)

	c.Set(ctx, "k", []string{"a", "b"}, time.Minute)
	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, v)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok = c.Get(ctx, "k")
	require.False(t, ok)

	// Deleting nothing is fine.
	require.NoError(t, c.Delete(ctx))
}

func TestInMemoryCacheExpiry(t *testing.T) {
	c := NewInMemoryCacheManager[int]("test", DefaultExpiration, DefaultCleanupInterval)
	ctx := context.Background()

	c.Set(ctx, "k", 42, 20*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	_, ok := c.Get(ctx, "k")
	require.False(t, ok)
}

func TestInMemoryCacheFlush(t *testing.T) {
	c := NewInMemoryCacheManager[int]("test", DefaultExpiration, DefaultCleanupInterval)
	ctx := context.Background()

	c.Set(ctx, "a", 1, time.Minute)
	c.Set(ctx, "b", 2, time.Minute)
	require.NoError(t, c.Flush(ctx))

	_, ok := c.Get(ctx, "a")
	require.False(t, ok)
	_, ok = c.Get(ctx, "b")
	require.False(t, ok)
}

func TestReadThroughCacheLoadsOnce(t *testing.T) {
	ctx := context.Background()
	calls := 0
	loader := func(ctx context.Context, input string) ([]string, error) {
		calls++
		return []string{input}, nil
	}
	cache := NewInMemoryCacheManager[[]string]("test", DefaultExpiration, DefaultCleanupInterval)
	rtc := NewReadThroughCache(cache, loader, false)

	for i := 0; i < 3; i++ {
		v, err := rtc.Get(ctx, "key", "input", time.Minute)
		require.NoError(t, err)
		require.Equal(t, []string{"input"}, v)
	}
	require.Equal(t, 1, calls)

	// Invalidate forces a reload.
	require.NoError(t, rtc.Invalidate(ctx, "key"))
	_, err := rtc.Get(ctx, "key", "input", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestReadThroughCacheSkipMode(t *testing.T) {
	ctx := context.Background()
	calls := 0
	loader := func(ctx context.Context, input string) (int, error) {
		calls++
		return calls, nil
	}
	cache := NewInMemoryCacheManager[int]("test", DefaultExpiration, DefaultCleanupInterval)
	rtc := NewReadThroughCache(cache, loader, true)

	for i := 1; i <= 3; i++ {
		v, err := rtc.Get(ctx, "key", "input", time.Minute)
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
}

func TestReadThroughCacheDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("load failed")
	calls := 0
	loader := func(ctx context.Context, input string) (int, error) {
		calls++
		if calls == 1 {
			return 0, boom
		}
		return 7, nil
	}
	cache := NewInMemoryCacheManager[int]("test", DefaultExpiration, DefaultCleanupInterval)
	rtc := NewReadThroughCache(cache, loader, false)

	_, err := rtc.Get(ctx, "key", "input", time.Minute)
	require.ErrorIs(t, err, boom)

	v, err := rtc.Get(ctx, "key", "input", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 7, v)
	require.Equal(t, 2, calls)
}
