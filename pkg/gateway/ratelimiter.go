package gateway

import (
	"golang.org/x/time/rate"
)

const (
	defaultMessagesPerMinute = 30
	defaultBurst             = 5
)

// ClientRateLimiter bounds how fast one client may submit messages.
type ClientRateLimiter struct {
	limiter *rate.Limiter
}

func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(defaultMessagesPerMinute, defaultBurst)
}

// NewClientRateLimiterWithLimits allows perMinute messages on average with
// bursts of up to burst.
func NewClientRateLimiterWithLimits(perMinute, burst int) *ClientRateLimiter {
	if perMinute <= 0 {
		perMinute = defaultMessagesPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &ClientRateLimiter{limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), burst)}
}

// Allow consumes one token if available.
func (r *ClientRateLimiter) Allow() bool {
	return r.limiter.Allow()
}
