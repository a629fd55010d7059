package stream

import (
	"math/rand"
	"time"
)

// backoff computes jittered exponential reconnect delays. Each call to Next
// doubles the base delay up to the cap, then scales it by a uniform factor in
// [0.5, 1.0) so that many connections reconnecting at once do not stampede
// the endpoint.
type backoff struct {
	current time.Duration
	max     time.Duration
	floor   time.Duration // last returned delay; keeps the sequence non-decreasing
	rng     *rand.Rand
}

func newBackoff(base, max time.Duration, rng *rand.Rand) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &backoff{current: base, max: max, rng: rng}
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *backoff) Next() time.Duration {
	d := b.current

	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}

	// Uniform jitter: 50-100% of the computed delay. Once the doubling caps
	// out, independent draws could shrink, so floor each delay at the
	// previous one to keep the sequence non-decreasing.
	jittered := time.Duration(float64(d) * (0.5 + 0.5*b.rng.Float64()))
	if jittered < b.floor {
		jittered = b.floor
	}
	if jittered > b.max {
		jittered = b.max
	}
	b.floor = jittered
	return jittered
}
