// Package ratelimit implements per-key token buckets with lazy refill.
// Buckets are sharded across a striped lock table so hot keys on different
// shards never contend.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

// Config describes one bucket's capacity and refill schedule.
type Config struct {
	Capacity         int64
	RefillRate       int64 // tokens added per interval
	RefillIntervalMs int64
}

// DefaultConfig applies to keys that were never configured explicitly.
var DefaultConfig = Config{Capacity: 100, RefillRate: 10, RefillIntervalMs: 1000}

// Result reports the outcome of a check or consume.
type Result struct {
	Allowed    bool
	Remaining  int64
	ResetAt    int64 // unix ms when the bucket is full again
	RetryAfter int64 // ms until the request would succeed; set when denied
}

type bucket struct {
	cfg          Config
	tokens       int64
	lastRefillMs int64
}

const shardCount = 64

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is a striped table of token buckets. The limiter never sleeps;
// callers decide whether to honor RetryAfter.
type Limiter struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// New creates a Limiter using the real clock.
func New() *Limiter {
	return NewWithClock(time.Now)
}

// NewWithClock creates a Limiter with an injectable clock for tests.
func NewWithClock(now func() time.Time) *Limiter {
	l := &Limiter{now: now}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// Configure sets the bucket parameters for key, resetting it to full.
func (l *Limiter) Configure(key string, cfg Config) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig.Capacity
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = DefaultConfig.RefillRate
	}
	if cfg.RefillIntervalMs <= 0 {
		cfg.RefillIntervalMs = DefaultConfig.RefillIntervalMs
	}

	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[key] = &bucket{
		cfg:          cfg,
		tokens:       cfg.Capacity,
		lastRefillMs: l.now().UnixMilli(),
	}
}

// Check refills the bucket and reports whether one token is available
// without consuming it.
func (l *Limiter) Check(key string) Result {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b := l.bucketLocked(s, key)
	l.refillLocked(b)
	return l.resultLocked(b, 1, b.tokens >= 1)
}

// Consume refills, then atomically tests-and-decrements n tokens. A denied
// consume does not mutate the bucket.
func (l *Limiter) Consume(key string, n int64) Result {
	if n <= 0 {
		n = 1
	}

	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b := l.bucketLocked(s, key)
	l.refillLocked(b)

	if b.tokens >= n {
		b.tokens -= n
		return l.resultLocked(b, n, true)
	}
	return l.resultLocked(b, n, false)
}

// Reset restores the bucket for key to full capacity.
func (l *Limiter) Reset(key string) {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b := l.bucketLocked(s, key)
	b.tokens = b.cfg.Capacity
	b.lastRefillMs = l.now().UnixMilli()
}

func (l *Limiter) bucketLocked(s *shard, key string) *bucket {
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{
			cfg:          DefaultConfig,
			tokens:       DefaultConfig.Capacity,
			lastRefillMs: l.now().UnixMilli(),
		}
		s.buckets[key] = b
	}
	return b
}

// refillLocked credits whole elapsed intervals and advances lastRefill by
// exactly the credited intervals so partial intervals are never lost.
func (l *Limiter) refillLocked(b *bucket) {
	nowMs := l.now().UnixMilli()
	elapsed := nowMs - b.lastRefillMs
	if elapsed < b.cfg.RefillIntervalMs {
		return
	}

	intervals := elapsed / b.cfg.RefillIntervalMs
	b.tokens = min(b.cfg.Capacity, b.tokens+intervals*b.cfg.RefillRate)
	b.lastRefillMs += intervals * b.cfg.RefillIntervalMs
}

func (l *Limiter) resultLocked(b *bucket, n int64, allowed bool) Result {
	res := Result{
		Allowed:   allowed,
		Remaining: b.tokens,
	}

	// Time until the bucket is back at capacity.
	deficit := b.cfg.Capacity - b.tokens
	if deficit > 0 {
		intervalsToFull := (deficit + b.cfg.RefillRate - 1) / b.cfg.RefillRate
		res.ResetAt = b.lastRefillMs + intervalsToFull*b.cfg.RefillIntervalMs
	} else {
		res.ResetAt = l.now().UnixMilli()
	}

	if !allowed {
		need := n - b.tokens
		intervals := (need + b.cfg.RefillRate - 1) / b.cfg.RefillRate
		res.RetryAfter = intervals * b.cfg.RefillIntervalMs
	}
	return res
}
