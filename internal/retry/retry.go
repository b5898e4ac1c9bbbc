// Package retry computes when failed pipeline work may run again.
package retry

import "time"

// Policy doubles the delay per attempt up to Max
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given attempt (1-based)
func (p Policy) Delay(attempt int) time.Duration {
	base, max := p.Base, p.Max
	if base <= 0 {
		base = time.Minute
	}
	if max < base {
		max = base
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

// Next returns now plus the delay for attempt, in UTC
func (p Policy) Next(now time.Time, attempt int) time.Time {
	return now.UTC().Add(p.Delay(attempt))
}
