package ratelimit

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carinho/integracoes/internal/storage"
)

func newLimiter(t *testing.T, perMinute int, clock *time.Time) *Limiter {
	t.Helper()
	s, err := storage.NewSQLite(filepath.Join(t.TempDir(), "ratelimit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	l := New(s, perMinute, time.Hour)
	l.SetClock(func() time.Time { return *clock })
	return l
}

func TestAllow_SixtyFirstRequestRejected(t *testing.T) {
	clock := time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)
	l := newLimiter(t, 60, &clock)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		ok, err := l.Allow(ctx, "site")
		require.NoError(t, err)
		require.True(t, ok, "request %d", i+1)
	}
	exceeded, err := l.IsExceeded(ctx, "site")
	require.NoError(t, err)
	assert.False(t, exceeded)

	ok, err := l.Allow(ctx, "site")
	require.NoError(t, err)
	assert.False(t, ok)
	exceeded, err = l.IsExceeded(ctx, "site")
	require.NoError(t, err)
	assert.True(t, exceeded)

	// other clients are counted separately
	ok, err = l.Allow(ctx, "crm")
	require.NoError(t, err)
	assert.True(t, ok)

	// next window starts fresh
	clock = clock.Add(time.Minute)
	ok, err = l.Allow(ctx, "site")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllow_ConcurrentAdmitsExactlyLimit(t *testing.T) {
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newLimiter(t, 10, &clock)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Allow(ctx, "burst")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, admitted)
}

func TestCleanup(t *testing.T) {
	clock := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	l := newLimiter(t, 5, &clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Increment(ctx, fmt.Sprintf("client-%d", i))
		require.NoError(t, err)
	}
	clock = clock.Add(2 * time.Hour)
	_, err := l.Increment(ctx, "client-0")
	require.NoError(t, err)

	n, err := l.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestDisabledAndRetryAfter(t *testing.T) {
	clock := time.Date(2024, 3, 1, 12, 0, 45, 0, time.UTC)
	l := newLimiter(t, 0, &clock)
	ok, err := l.Allow(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 15*time.Second, l.RetryAfter())
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), Window(clock))
}
