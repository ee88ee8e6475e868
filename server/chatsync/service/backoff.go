package service

import "time"

// BackoffPolicy doubles the delay after every failed attempt up to Max and
// gives up after MaxAttempts.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 8}
}

// Delay returns the wait before the given attempt, counted from 1.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		if d >= p.Max/2 {
			return p.Max
		}
		d *= 2
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

func (p BackoffPolicy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}
