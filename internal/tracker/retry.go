package tracker

import "time"

// RetryPolicy bounds how often a failed task goes back to Pending and how
// long it waits first.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Delay returns base * 2^(attempt-1), capped at MaxBackoff.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Backoff <= 0 {
		return 0
	}
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Retryable reports whether a task that has used attempts may run again.
func (p RetryPolicy) Retryable(attempts int) bool {
	return attempts < p.MaxRetries
}
