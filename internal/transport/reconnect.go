package transport

import (
	"math"
	"math/rand"
	"time"
)

// reconnector computes exponential backoff delays with jitter, bounded by
// a maximum interval. The attempt counter resets once a connection has
// stayed up for a minute, so a flaky link does not permanently climb to
// the max delay.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(base, max time.Duration, maxAttempts int) *reconnector {
	return &reconnector{
		baseDelay:   base,
		maxDelay:    max,
		maxAttempts: maxAttempts,
	}
}

// shouldReconnect reports whether another attempt is allowed.
// maxAttempts == 0 means retry forever.
func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

// markConnected records a successful connection.
func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay returns the backoff before the next attempt and bumps the
// attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
