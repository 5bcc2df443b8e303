package fetcher

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 60 * time.Second
	DefaultMultiplier      = 2.0
)

// Backoff is the wait applied after a rate limited response: it starts at the initial
// interval, grows by the multiplier up to the cap and drops back to the initial interval
// after any successful response. One Backoff belongs to exactly one Session.
type Backoff struct {
	eb *backoff.ExponentialBackOff
}

// NewBackoff returns a deterministic exponential backoff. Zero arguments take defaults.
func NewBackoff(initial, max time.Duration, multiplier float64) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialInterval
	}
	if max <= 0 {
		max = DefaultMaxInterval
	}
	if max < initial {
		max = initial
	}
	if multiplier < 1 {
		multiplier = DefaultMultiplier
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initial
	eb.MaxInterval = max
	eb.Multiplier = multiplier
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0 // bounded by MaxRetries and context instead
	eb.Reset()

	return &Backoff{eb: eb}
}

// Next returns the wait to apply now and advances to the following one.
func (b *Backoff) Next() time.Duration {
	return b.eb.NextBackOff()
}

// Reset returns the backoff to its initial interval.
func (b *Backoff) Reset() {
	b.eb.Reset()
}
