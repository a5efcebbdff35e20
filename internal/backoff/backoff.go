package backoff

import (
	"math/rand"
	"time"
)

// JitterFraction is the maximum additive jitter applied to a computed delay,
// expressed as a fraction of the base delay.
const JitterFraction = 0.1

// Delay computes the base exponential delay before retry number attempt
// (1-based): min(initial * factor^(attempt-1), max). The result never
// exceeds max and never goes below zero.
func Delay(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Prevent overflow by limiting the exponent
	if attempt > 30 {
		attempt = 30
	}
	if factor < 1 {
		factor = 1
	}
	if max < initial {
		max = initial
	}

	d := time.Duration(float64(initial) * pow(factor, attempt-1))
	if d < 0 || d > max {
		d = max
	}
	return d
}

// Jitter adds uniform jitter in [0, d*JitterFraction) to d. Jitter is
// strictly additive: the returned duration is never less than d.
func Jitter(d time.Duration) time.Duration {
	return JitterWith(d, rand.Float64)
}

// JitterWith is Jitter with an injectable random source for tests.
func JitterWith(d time.Duration, rnd func() float64) time.Duration {
	if d <= 0 {
		return d
	}
	j := time.Duration(float64(d) * JitterFraction * rnd())
	if j < 0 {
		j = 0
	}
	return d + j
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
