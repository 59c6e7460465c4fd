package resilience

import (
	"math"
	"time"
)

// ReconnectPolicy bounds how often a dropped stream is re-dialed.
// The delay before attempt n is min(BaseDelay*2^n, MaxDelay); it depends on
// nothing but the attempt count.
type ReconnectPolicy struct {
	MaxAttempts int           // Maximum number of reconnection attempts
	BaseDelay   time.Duration // Delay before the first attempt
	MaxDelay    time.Duration // Maximum backoff duration
}

// DefaultReconnectPolicy returns the reference policy: 5 attempts, 1s doubling, capped at 30s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the backoff to wait before reconnect attempt number attempt (0-based).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	return CalculateBackoff(attempt, p.BaseDelay, p.MaxDelay, 2.0)
}

// Exhausted reports whether attempt has reached the attempt ceiling.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// CalculateBackoff calculates the backoff duration for a given attempt
func CalculateBackoff(attempt int, initialBackoff time.Duration, maxBackoff time.Duration, multiplier float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := float64(initialBackoff) * math.Pow(multiplier, float64(attempt))
	if backoff > float64(maxBackoff) || math.IsInf(backoff, 1) {
		return maxBackoff
	}
	return time.Duration(backoff)
}
