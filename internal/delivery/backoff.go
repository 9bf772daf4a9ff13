package delivery

import "time"

// Backoff is an exponential retry delay capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Next returns the delay after the given number of failed attempts:
// Base, 2*Base, 4*Base ... never above Max.
func (b Backoff) Next(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
