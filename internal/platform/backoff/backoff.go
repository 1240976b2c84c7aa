// Package backoff is bounded exponential backoff with jitter, grounded on
// the internal/jobs/orchestrator.computeBackoff.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

type Policy struct {
	MaxAttempts int
	MinBackoff  time.Duration // default 1s
	MaxBackoff  time.Duration // default 30s
	JitterFrac  float64       // default 0.20
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 3
	}
	return p.MaxAttempts
}

// Compute returns the delay before the given attempt (1-indexed).
func Compute(p Policy, attempt int) time.Duration {
	minB := p.MinBackoff
	maxB := p.MaxBackoff
	j := p.JitterFrac
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempt-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

// Retry calls fn until it succeeds or p.attempts() is exhausted, sleeping
// Compute(p, attempt) between tries. The internal bus/store failures this
// guards against are transient infrastructure errors (§7) — never a reason
// to give up on the first failure.
func Retry(p Policy, fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.attempts(); attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == p.attempts() {
			break
		}
		time.Sleep(Compute(p, attempt))
	}
	return err
}
