package queue

import "time"

// Backoff computes the delay before a retried job becomes claimable again
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base * 2^(attempt-1), capped at Max. attempt is the number of
// attempts already made, so the first retry waits Base.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		// Stop doubling once capped so large attempt counts cannot overflow
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}

	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
