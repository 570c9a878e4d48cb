package notify

import (
	"sync"
	"time"
)

// Throttler is a token bucket limiting how often a chat gets messages.
type Throttler struct {
	rate       float64 // tokens per second
	bucketSize float64
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewThrottler allows ratePerMinute messages with bursts up to bucketSize.
func NewThrottler(ratePerMinute int, bucketSize int) *Throttler {
	return newThrottlerWithClock(ratePerMinute, bucketSize, time.Now)
}

func newThrottlerWithClock(ratePerMinute int, bucketSize int, now func() time.Time) *Throttler {
	if ratePerMinute <= 0 {
		ratePerMinute = 20
	}
	if bucketSize <= 0 {
		bucketSize = ratePerMinute
	}
	return &Throttler{
		rate:       float64(ratePerMinute) / 60.0,
		bucketSize: float64(bucketSize),
		tokens:     float64(bucketSize),
		lastUpdate: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (t *Throttler) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.tokens += t.rate * now.Sub(t.lastUpdate).Seconds()
	if t.tokens > t.bucketSize {
		t.tokens = t.bucketSize
	}
	t.lastUpdate = now

	if t.tokens >= 1 {
		t.tokens--
		return true
	}
	return false
}
