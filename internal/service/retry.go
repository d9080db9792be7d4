package service

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy spaces out attempts after transient gateway failures.
type RetryPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        30 * time.Second,
		Max:         30 * time.Minute,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before the next try after the given number of
// failed attempts: Base, 2*Base, 4*Base, ... capped at Max.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.Max,
	}
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Exhausted reports whether attempts has reached the limit.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
