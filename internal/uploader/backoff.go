package uploader

import "time"

// Backoff doubles the wait after each consecutive failure, up to Max.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	next time.Duration
}

func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	return &Backoff{Min: min, Max: max, next: min}
}

// Next returns the wait before the next attempt and advances the state.
func (b *Backoff) Next() time.Duration {
	if b.next < b.Min {
		b.next = b.Min
	}
	d := b.next
	b.next *= 2
	if b.next > b.Max || b.next <= 0 {
		b.next = b.Max
	}
	return d
}

// Peek returns what Next would return without advancing.
func (b *Backoff) Peek() time.Duration {
	if b.next < b.Min {
		return b.Min
	}
	return b.next
}

func (b *Backoff) Reset() {
	b.next = b.Min
}
