package scheduler

import (
	"context"

	"golang.org/x/time/rate"
)

// tokenBucket paces task starts. Refill is computed lazily by rate.Limiter
// at each reservation; the wait is derived from the token deficit and
// slept on the scheduler clock, never polled.
type tokenBucket struct {
	lim   *rate.Limiter
	clock Clock
}

func newTokenBucket(requestsPerMinute, burst int, clock Clock) *tokenBucket {
	if clock == nil {
		clock = systemClock{}
	}
	perSecond := rate.Limit(float64(requestsPerMinute) / 60)
	return &tokenBucket{lim: rate.NewLimiter(perSecond, burst), clock: clock}
}

// wait consumes one token, sleeping until it is available. If ctx is done
// first the reservation is returned to the bucket.
func (b *tokenBucket) wait(ctx context.Context) error {
	now := b.clock.Now()
	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		// Only possible with burst < 1, which Config validation rejects.
		return context.Canceled
	}
	d := r.DelayFrom(now)
	if d <= 0 {
		return nil
	}
	select {
	case <-b.clock.After(d):
		return nil
	case <-ctx.Done():
		r.CancelAt(b.clock.Now())
		return ctx.Err()
	}
}

// tokens reports the tokens available right now.
func (b *tokenBucket) tokens() float64 {
	return b.lim.TokensAt(b.clock.Now())
}
