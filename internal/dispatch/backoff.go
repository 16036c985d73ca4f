package dispatch

import (
	"math"
	"math/rand/v2"
	"time"

	"chatrelay/internal/relayerr"
)

// Backoff computes retry delays: min(Base·2^(k-1), Cap) plus up to
// Jitter of that value, for attempt k >= 1.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 5 * time.Minute, Jitter: 0.1}
}

// Raw is the delay for attempt k before jitter.
func (b Backoff) Raw(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if (b.Cap > 0 && d >= b.Cap) || d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Raw(attempt)
	if b.Jitter <= 0 {
		return d
	}
	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	return d + time.Duration(float64(d)*b.Jitter*rnd())
}

// Next is the delay after a failed attempt; a larger server hint wins.
func (b Backoff) Next(attempt int, err error) time.Duration {
	d := b.Delay(attempt)
	if hint := relayerr.RetryAfterOf(err); hint > d {
		return hint
	}
	return d
}
