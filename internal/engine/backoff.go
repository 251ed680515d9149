package engine

import "time"

// BackoffPolicy is the retry schedule for transient failures.
type BackoffPolicy struct {
	Base   time.Duration // delay before the first retry
	Factor float64       // multiplier per subsequent retry
	Cap    time.Duration // upper bound on any delay
}

// DefaultBackoff is base 1s, factor 2, capped at 60s.
var DefaultBackoff = BackoffPolicy{
	Base:   time.Second,
	Factor: 2,
	Cap:    60 * time.Second,
}

// Delay returns the wait before attempt number attempt (1-based: the delay
// scheduled after the attempt'th failure). Pure function of its inputs, so
// the schedule is testable without any I/O.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
		if p.Cap > 0 && d >= float64(p.Cap) {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}
