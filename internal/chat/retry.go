package chat

import "time"

// Default backoff constants for automatic resend.
const (
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultMaxRetries = 3
)

// RetryPolicy computes the bounded exponential-backoff schedule for
// automatic resends. Manual retries bypass the schedule entirely.
type RetryPolicy struct {
	MaxRetries int           // retry attempts after the initial send
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // backoff cap
}

// DefaultRetryPolicy returns the standard schedule: three retries at
// 1s, 2s, 4s, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of completed failed attempts.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxRetries
}

// DelayFor returns min(BaseDelay * 2^attempt, MaxDelay) for attempt ≥ 0.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 { // <= 0 guards shift overflow
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
