package bus

import (
	"math/rand"
	"time"
)

// jitterWindow bounds the uniform jitter added to every retry delay.
const jitterWindow = 100 * time.Millisecond

// Policy is the retry and dead-letter policy stores apply on release.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// NextAvailableAt computes when a released claim becomes reclaimable:
// now + min(base * 2^attempts, max) + jitter[0, 100ms). attempts is the
// count after the failed attempt was recorded.
func (p Policy) NextAvailableAt(now time.Time, attempts int) time.Time {
	delay := p.BackoffBase
	for i := 0; i < attempts && delay < p.BackoffMax; i++ {
		delay *= 2
	}
	if delay > p.BackoffMax {
		delay = p.BackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(jitterWindow)))
	return now.Add(delay + jitter)
}

// Exhausted reports whether the attempt budget is spent.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
