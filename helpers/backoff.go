package helpers

import (
	"sync/atomic"
	"time"

	"github.com/temoto/atomic_clock"
)

// Limited exponential backoff for retry delays.
// K=1 gives fixed interval Min.
// First delay is always 0.
// Failure() increases next delay by K and counts attempt, Reset() clears both.
type Backoff struct {
	next     int64 // atomic align
	attempts int64
	last     atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Use scenario:
//
//	for {
//	  time.Sleep(backoff.DelayBefore())
//	  err := op()
//	  backoff.Update(err==nil)
//	}
func (b *Backoff) DelayBefore() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		return 0
	}
	delay := b.limit(next)
	since := atomic_clock.Since(&b.last)
	if since >= delay {
		return 0
	}
	return b.round(delay - since)
}

// Failure increases next delay and returns number of failures since Reset.
func (b *Backoff) Failure() int {
	next := time.Duration(atomic.LoadInt64(&b.next))
	k := b.K
	if k < 1 {
		k = 1
	}
	next = b.limit(time.Duration(float32(next) * k))
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(next))
	return int(atomic.AddInt64(&b.attempts, 1))
}

func (b *Backoff) Attempts() int { return int(atomic.LoadInt64(&b.attempts)) }

func (b *Backoff) Reset() {
	b.last.SetNow()
	atomic.StoreInt64(&b.next, 0)
	atomic.StoreInt64(&b.attempts, 0)
}

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
