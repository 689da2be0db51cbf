package socket

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// ReconnectPolicy yields the delay before each automatic reconnect attempt.
// Delays double from min up to max; the limiter caps how often attempts may start.
// It is not safe for concurrent use; the channel's connection manager owns it.
type ReconnectPolicy struct {
	backoff *backoff.ExponentialBackOff
	limiter *rate.Limiter
}

// NewReconnectPolicy creates a policy. perSecond <= 0 disables the frequency cap.
func NewReconnectPolicy(min, max time.Duration, perSecond float64) *ReconnectPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &ReconnectPolicy{
		backoff: b,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Next returns the delay before the next attempt and advances the backoff.
func (p *ReconnectPolicy) Next() time.Duration {
	d := p.backoff.NextBackOff()
	if d == backoff.Stop {
		return p.backoff.MaxInterval
	}
	return d
}

// Reset returns the delay to its minimum.
func (p *ReconnectPolicy) Reset() {
	p.backoff.Reset()
}

// Wait blocks until the frequency cap admits another attempt.
func (p *ReconnectPolicy) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
