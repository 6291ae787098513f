package alerts

import (
	"sync"
	"time"
)

// Throttler caps outgoing notifications with a token bucket.
type Throttler struct {
	rate       float64 // tokens per second
	bucketSize float64 // max tokens
	tokens     float64 // current tokens
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewThrottler creates a new throttler
func NewThrottler(ratePerMinute int, bucketSize int) *Throttler {
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
		lastUpdate: time.Now(),
		now:        time.Now,
	}
}

// Allow checks if an action is allowed
func (t *Throttler) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.refill()

	if t.tokens >= 1 {
		t.tokens--
		return true
	}
	return false
}

// RetryAfter returns the time until the next token is available
func (t *Throttler) RetryAfter() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.refill()
	if t.tokens >= 1 {
		return 0
	}
	needed := 1 - t.tokens
	return time.Duration(needed / t.rate * float64(time.Second))
}

func (t *Throttler) refill() {
	now := t.now()
	elapsed := now.Sub(t.lastUpdate).Seconds()
	t.lastUpdate = now

	t.tokens += t.rate * elapsed
	if t.tokens > t.bucketSize {
		t.tokens = t.bucketSize
	}
}

// Tokens returns the current number of tokens
func (t *Throttler) Tokens() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.refill()
	return t.tokens
}
