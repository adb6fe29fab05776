package roomsync

import (
	"math"
	"math/rand"
	"time"
)

// reconnector computes jittered exponential delays between attempts to
// (re)open a channel. It is not safe for concurrent use.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
	now         func() time.Time
}

func newReconnector(cfg *Config) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
		now:         cfg.Clock.Now,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts <= 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = r.now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that stayed up for a minute earns a fresh backoff.
	if !r.connectedAt.IsZero() && r.now().Sub(r.connectedAt) > 60*time.Second {
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
