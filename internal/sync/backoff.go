package sync

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponential delays with jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter is the fraction of the delay randomized in both directions.
	Jitter float64
	// Rand returns a value in [0, 1); nil uses math/rand.
	Rand func() float64
}

// DefaultBackoff starts at 5s and caps at 5m with 20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: 5 * time.Second, Max: 5 * time.Minute, Jitter: 0.2}
}

// Delay returns the wait before attempt n+1 after n consecutive failures.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}

	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		delta := float64(d) * b.Jitter
		d = time.Duration(float64(d) - delta + 2*delta*r())
		if b.Max > 0 && d > b.Max {
			d = b.Max
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}
