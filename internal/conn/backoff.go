package conn

import "time"

// Backoff tracks consecutive connection failures and yields the delay before
// the next attempt. The delay doubles from base up to max. Once the failure
// count reaches the attempt budget Next reports exhaustion and the stream is
// abandoned.
type Backoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	attempts    int
}

// NewBackoff builds a Backoff from the raw configuration values.
func NewBackoff(base, max time.Duration, maxAttempts int) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Backoff{base: base, max: max, maxAttempts: maxAttempts}
}

// Next records a failure and returns the delay before the next attempt. The
// second return value is false when the failure budget is exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	b.attempts++
	if b.attempts >= b.maxAttempts {
		return 0, false
	}

	delay := b.base
	for i := 1; i < b.attempts; i++ {
		delay *= 2
		if delay >= b.max {
			delay = b.max
			break
		}
	}
	if delay > b.max {
		delay = b.max
	}
	return delay, true
}

// Reset clears the failure count. Called once a connection opens successfully
// so a later disconnect starts the schedule from the base delay again.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the number of consecutive failures recorded so far.
func (b *Backoff) Attempts() int {
	return b.attempts
}
