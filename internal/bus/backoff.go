package bus

import (
	"context"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: Initial doubled per consecutive
// failure, capped at Max, each spread by ±Jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64 // fraction of the delay, 0 disables

	attempt int
	rnd     func() float64 // [0, 1)
}

// NewBackoff returns a Backoff from 1s to 60s with ±25% jitter.
func NewBackoff() *Backoff {
	return &Backoff{
		Initial: time.Second,
		Max:     time.Minute,
		Jitter:  0.25,
		rnd:     rand.Float64, //nolint:gosec // timing jitter only
	}
}

// Next returns the delay before the next attempt and counts a failure.
func (b *Backoff) Next() time.Duration {
	d := b.Initial
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++

	if b.Jitter > 0 && b.rnd != nil {
		d += time.Duration(float64(d) * b.Jitter * (b.rnd()*2 - 1))
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Attempts returns the number of failures since the last Reset.
func (b *Backoff) Attempts() int { return b.attempt }

// Reset starts over from Initial after a success.
func (b *Backoff) Reset() { b.attempt = 0 }

// Sleep waits for d or until ctx is done. It reports whether the full wait
// elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
