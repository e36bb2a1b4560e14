package client

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff decides how long to wait before redial number attempt (1-based).
type Backoff interface {
	Next(attempt int) time.Duration
}

// ConstantBackoff waits the same delay before every redial. A zero value
// redials immediately.
type ConstantBackoff time.Duration

// Next implements Backoff.
func (b ConstantBackoff) Next(int) time.Duration {
	return time.Duration(b)
}

// ExponentialBackoff grows the delay by Factor per attempt from Min up to Max.
// Jitter in [0,1] randomizes each delay by up to that fraction.
type ExponentialBackoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// DefaultBackoff returns the exponential policy used when none is configured:
// 1s doubling up to 30s with 20% jitter.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Min:    1 * time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: 0.2,
	}
}

// Next implements Backoff.
func (b *ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(b.Min) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		j := math.Min(b.Jitter, 1)
		d += d * j * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
