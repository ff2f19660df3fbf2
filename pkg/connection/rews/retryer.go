package rews

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retryer yields jittered, exponentially growing reconnect delays.
type Retryer struct {
	b *backoff.ExponentialBackOff
}

func NewRetryer(initial, max time.Duration) *Retryer {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return &Retryer{b: b}
}

// Next returns the delay before the next attempt.
func (r *Retryer) Next() time.Duration {
	return r.b.NextBackOff()
}

// Reset starts over from the initial delay, after a successful open.
func (r *Retryer) Reset() {
	r.b.Reset()
}
