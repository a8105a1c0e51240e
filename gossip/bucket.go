package gossip

import (
	"math"
	"sync"
	"time"
)

// tokensPerMbps converts a megabit-per-second budget into tokens per
// second, where one token covers roughly 1KB of traffic.
const tokensPerMbps = 125000.0 / 1024.0

// TokenBucket paces outbound traffic within a bandwidth budget. Tokens
// accumulate lazily against the wall clock and are spent per send.
type TokenBucket struct {
	mu     sync.Mutex
	tokens float64
	max    float64
	rate   float64 // tokens per second
	last   time.Time
	now    func() time.Time
}

// NewTokenBucket builds a bucket for the target rate in Mbps. The bucket
// starts full at maxTokens.
func NewTokenBucket(rateMbps, maxTokens float64) *TokenBucket {
	if maxTokens < 1 {
		maxTokens = 1
	}
	rate := rateMbps * tokensPerMbps
	if rate <= 0 {
		rate = tokensPerMbps
	}
	b := &TokenBucket{
		tokens: maxTokens,
		max:    maxTokens,
		rate:   rate,
		now:    time.Now,
	}
	b.last = b.now()
	return b
}

func (b *TokenBucket) refillLocked(now time.Time) {
	if now.Before(b.last) {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.max, b.tokens+elapsed*b.rate)
	b.last = now
}

// TryConsume atomically takes n tokens if available. It returns false
// without mutating the balance when the bucket holds fewer than n.
func (b *TokenBucket) TryConsume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// TimeUntilAvailable reports how long until n tokens accumulate, zero if
// they already have.
func (b *TokenBucket) TimeUntilAvailable(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	if b.tokens >= n {
		return 0
	}
	seconds := (n - b.tokens) / b.rate
	return time.Duration(seconds * float64(time.Second))
}

// Tokens returns the current balance after a refill.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	return b.tokens
}
