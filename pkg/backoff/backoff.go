// Package backoff computes retry delays with exponential growth, a hard cap,
// and optional jitter.
package backoff

import (
	"math/rand"
	"time"
)

// Calculator maps an attempt number to a delay.
type Calculator struct {
	// Base is the delay for the first attempt.
	Base time.Duration

	// Max caps the exponential growth.
	Max time.Duration

	// Jitter widens the capped delay into [d*(1-Jitter), d*(1+Jitter)].
	// Values <= 0 disable jitter.
	Jitter float64

	rng func() float64
}

// New creates a Calculator with the default random source.
func New(base, max time.Duration, jitter float64) *Calculator {
	return &Calculator{
		Base:   base,
		Max:    max,
		Jitter: jitter,
		rng:    rand.Float64,
	}
}

// Default returns the Calculator used by the engine when none is configured.
func Default() *Calculator {
	return New(1*time.Second, 30*time.Second, 0.2)
}

// SetRand replaces the random source (for testing).
func (c *Calculator) SetRand(rng func() float64) {
	c.rng = rng
}

// Delay returns the delay for the given attempt. Attempt numbers start at 1;
// values below 1 are treated as 1.
func (c *Calculator) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := c.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.Max {
			d = c.Max
			break
		}
	}
	if d > c.Max {
		d = c.Max
	}

	if c.Jitter <= 0 {
		return d
	}

	rng := c.rng
	if rng == nil {
		rng = rand.Float64
	}

	// Uniform sample from [d*(1-j), d*(1+j)].
	lo := float64(d) * (1 - c.Jitter)
	width := float64(d) * 2 * c.Jitter
	return time.Duration(lo + rng()*width)
}
