package scheduler

import (
	"errors"
	"math/rand"
	"time"
)

// backoffDelay returns how long to sleep before the next attempt of a task
// that has already made `attempts` attempts:
//
//	min(RetryBase * 2^attempts, RetryMaxDelay)
//
// A RetryAfter hint on the previous error replaces the exponential value.
// Jitter (if configured) is applied last and the result stays capped.
func backoffDelay(cfg Config, attempts int, lastErr error, rng *rand.Rand) time.Duration {
	if attempts <= 0 {
		return 0
	}
	maxD := cfg.RetryMaxDelay

	var d time.Duration
	var ra RetryAfterError
	if lastErr != nil && errors.As(lastErr, &ra) {
		d = ra.RetryAfter()
	} else {
		d = cfg.RetryBase
		for i := 0; i < attempts; i++ {
			d *= 2
			if d >= maxD {
				break
			}
		}
	}
	if d > maxD {
		d = maxD
	}
	if d < 0 {
		d = 0
	}

	if j := cfg.RetryJitter; j > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
		if d > maxD {
			d = maxD
		}
	}
	return d
}
