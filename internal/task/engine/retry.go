package engine

import (
	"math/rand"
	"time"
)

// backoffDelay doubles Base per attempt up to Max and applies ±Jitter.
func backoffDelay(p RetryPolicy, attempt int, rng *rand.Rand) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.Max {
			d = p.Max
			break
		}
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}
