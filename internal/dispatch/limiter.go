package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatrelay/internal/observability"
	"chatrelay/internal/relayerr"
)

// RateSpec is a token bucket: Capacity tokens, refilled at Refill per second.
type RateSpec struct {
	Capacity int
	Refill   float64
}

// Limiters holds one token bucket per platform+credential, created lazily
// from the platform's RateSpec. Pools take a token for the member they are
// about to use, so every credential in a pool has its own budget.
type Limiters struct {
	specs    map[string]RateSpec
	fallback RateSpec
	buckets  sync.Map // string -> *rate.Limiter
	now      func() time.Time
}

func NewLimiters(specs map[string]RateSpec, fallback RateSpec) *Limiters {
	if fallback.Capacity <= 0 {
		fallback.Capacity = 5
	}
	if fallback.Refill <= 0 {
		fallback.Refill = 1
	}
	return &Limiters{specs: specs, fallback: fallback, now: time.Now}
}

// SpecsFromConfig pairs per-platform capacity and refill maps.
func SpecsFromConfig(capacity map[string]int, refill map[string]float64) map[string]RateSpec {
	out := make(map[string]RateSpec, len(capacity))
	for p, c := range capacity {
		out[p] = RateSpec{Capacity: c, Refill: refill[p]}
	}
	for p, r := range refill {
		if _, ok := out[p]; !ok {
			out[p] = RateSpec{Refill: r}
		}
	}
	return out
}

func LimiterKey(platform, credential string) string {
	return platform + "+" + credential
}

func (l *Limiters) bucket(platform, credential string) *rate.Limiter {
	key := LimiterKey(platform, credential)
	if v, ok := l.buckets.Load(key); ok {
		return v.(*rate.Limiter)
	}
	spec, ok := l.specs[platform]
	if !ok {
		spec = l.fallback
	}
	if spec.Capacity <= 0 {
		spec.Capacity = l.fallback.Capacity
	}
	if spec.Refill <= 0 {
		spec.Refill = l.fallback.Refill
	}
	v, _ := l.buckets.LoadOrStore(key, rate.NewLimiter(rate.Limit(spec.Refill), spec.Capacity))
	return v.(*rate.Limiter)
}

// Reserve takes one token and reports how long the caller must wait before
// using it.
func (l *Limiters) Reserve(platform, credential string) (time.Duration, *rate.Reservation) {
	now := l.now()
	r := l.bucket(platform, credential).ReserveN(now, 1)
	return r.DelayFrom(now), r
}

// Wait blocks until a token for the credential is available and returns the
// time spent waiting. When the wait would outlast ctx's deadline the token is
// handed back at once and a rate-limited error carries the delay as a hint.
func (l *Limiters) Wait(ctx context.Context, platform, credential string) (time.Duration, error) {
	delay, r := l.Reserve(platform, credential)
	if delay <= 0 {
		return 0, nil
	}
	if dl, ok := ctx.Deadline(); ok && l.now().Add(delay).After(dl) {
		r.Cancel()
		return 0, relayerr.RateLimited("dispatch.ratelimit", context.DeadlineExceeded, delay)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		observability.RateLimitWait.WithLabelValues(platform).Observe(delay.Seconds())
		return delay, nil
	case <-ctx.Done():
		r.Cancel()
		return 0, relayerr.Transient("dispatch.ratelimit", ctx.Err())
	}
}
