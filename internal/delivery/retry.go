package delivery

import (
	"math"
	"time"
)

// Backoff is the single retry schedule: Base * Multiplier^(n-1), clamped to Max.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 10 * time.Second, Multiplier: 3, Max: time.Hour}
}

// Delay returns the wait after the n-th failed attempt (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if b.Base <= 0 {
		b.Base = 10 * time.Second
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.Max <= 0 {
		b.Max = time.Hour
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(n-1))
	if d >= float64(b.Max) || math.IsInf(d, 0) {
		return b.Max
	}
	return time.Duration(d)
}

// Next is the absolute time of the attempt after the n-th failure.
func (b Backoff) Next(now time.Time, n int) time.Time {
	return now.Add(b.Delay(n)).UTC()
}

func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
