package registry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffPolicy computes retry delays as Base * 2^retryCount, never more than Max
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

func (p BackoffPolicy) IsZero() bool {
	return p.Base == 0
}

// Delay returns the wait before the attempt that follows retryCount earlier retries
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}

	maxInterval := p.Max
	if maxInterval <= 0 {
		maxInterval = backoff.DefaultMaxInterval
	}
	if maxInterval < p.Base {
		maxInterval = p.Base
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < retryCount && delay < maxInterval; i++ {
		delay = b.NextBackOff()
	}

	return delay
}
