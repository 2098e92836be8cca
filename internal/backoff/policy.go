// Package backoff computes reconnect and retry delays.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy maps a 1-indexed attempt number to the delay before that attempt.
type Policy interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same duration before every attempt.
type Fixed time.Duration

// Delay implements Policy.
func (f Fixed) Delay(int) time.Duration {
	if f < 0 {
		return 0
	}
	return time.Duration(f)
}

// Exponential grows the delay by Factor per attempt up to Max, adding up
// to Jitter (a fraction of the base delay) of randomness.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the delay.
	Jitter float64

	// Rand returns a value in [0.0, 1.0). Nil uses math/rand.
	Rand func() float64
}

// Delay implements Policy.
func (p Exponential) Delay(attempt int) time.Duration {
	r := p.Rand
	if r == nil {
		r = rand.Float64 // #nosec G404 -- jitter does not require cryptographic randomness
	}
	return p.delayWithRand(attempt, r())
}

// delayWithRand computes min(max, base + base*jitter*random) where
// base = initial * factor^(attempt-1). Attempts below 1 count as 1.
func (p Exponential) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*randomValue
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	if total < 0 || math.IsNaN(total) {
		return 0
	}
	return time.Duration(math.Round(total))
}

// DefaultReconnect is the fixed three second reconnect delay the chat
// socket has always used.
func DefaultReconnect() Policy {
	return Fixed(3 * time.Second)
}

// DefaultExponential starts at 1s, doubles, caps at 30s with 10% jitter.
func DefaultExponential() Exponential {
	return Exponential{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}
