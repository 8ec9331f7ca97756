// Package ratelimit counts ingestion requests per client in fixed one-minute
// windows kept in the database, so every API instance shares the same limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Store is the persistence the limiter needs.
type Store interface {
	IncrementRateLimit(ctx context.Context, clientID string, window time.Time) (int, error)
	GetRateLimitCount(ctx context.Context, clientID string, window time.Time) (int, error)
	PurgeRateLimits(ctx context.Context, before time.Time) (int64, error)
}

type Limiter struct {
	store     Store
	perMinute int
	retention time.Duration
	now       func() time.Time
}

func New(store Store, perMinute int, retention time.Duration) *Limiter {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Limiter{
		store:     store,
		perMinute: perMinute,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the limiter's time source.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Limiter) PerMinute() int {
	return l.perMinute
}

// Window is the start of the minute containing t.
func Window(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// Increment counts one request for client in the current window and returns
// the new count.
func (l *Limiter) Increment(ctx context.Context, client string) (int, error) {
	n, err := l.store.IncrementRateLimit(ctx, client, Window(l.now()))
	if err != nil {
		return 0, fmt.Errorf("increment rate limit: %w", err)
	}
	return n, nil
}

// IsExceeded reports whether client already went over the limit in the
// current window.
func (l *Limiter) IsExceeded(ctx context.Context, client string) (bool, error) {
	if l.perMinute <= 0 {
		return false, nil
	}
	n, err := l.store.GetRateLimitCount(ctx, client, Window(l.now()))
	if err != nil {
		return false, fmt.Errorf("get rate limit: %w", err)
	}
	return n > l.perMinute, nil
}

// Allow counts the request and reports whether it is within the limit.
// A limit of zero or less disables limiting.
func (l *Limiter) Allow(ctx context.Context, client string) (bool, error) {
	if l.perMinute <= 0 {
		return true, nil
	}
	n, err := l.Increment(ctx, client)
	if err != nil {
		return false, err
	}
	return n <= l.perMinute, nil
}

// RetryAfter is how long until the current window closes.
func (l *Limiter) RetryAfter() time.Duration {
	now := l.now()
	return Window(now).Add(time.Minute).Sub(now)
}

// Cleanup removes windows older than the retention period.
func (l *Limiter) Cleanup(ctx context.Context) (int64, error) {
	n, err := l.store.PurgeRateLimits(ctx, Window(l.now()).Add(-l.retention))
	if err != nil {
		return 0, fmt.Errorf("purge rate limits: %w", err)
	}
	return n, nil
}
