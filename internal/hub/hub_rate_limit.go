package hub

import (
	"sync"
	"time"
)

const (
	hubRateLimit  = 2.0             // requests per second per key
	hubBurstLimit = 10.0            // max burst
	hubBucketAge  = 5 * time.Minute // evict idle buckets

	// rateLimiterShards controls how many independent shards the rate
	// limiter uses. Each shard has its own mutex, which reduces lock
	// contention when many distinct users hit the hub at once.
	rateLimiterShards = 16
)

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// rateLimiter implements a sharded per-key token-bucket rate limiter.
// Keys are mapped to one of [rateLimiterShards] independent shards via FNV
// hashing so that concurrent allow() calls on different keys rarely
// contend on the same mutex.
type rateLimiter struct {
	shards [rateLimiterShards]rateLimiterShard
}

type rateLimiterShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{}
	for i := range rl.shards {
		rl.shards[i].buckets = make(map[string]*bucket)
	}
	return rl
}

func (rl *rateLimiter) shard(key string) *rateLimiterShard {
	return &rl.shards[shardIndex(key)]
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(rateLimiterShards))
}

func (rl *rateLimiter) allow(key string) bool {
	s := rl.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: hubBurstLimit, lastCheck: now}
		s.buckets[key] = b
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * hubRateLimit
	if b.tokens > hubBurstLimit {
		b.tokens = hubBurstLimit
	}
	b.lastCheck = now

	if b.tokens < 1.0 {
		return false
	}
	b.tokens--
	return true
}

// cleanup evicts idle rate-limit buckets across all shards. Called
// periodically by the janitor so the hot allow() path never iterates the
// maps.
func (rl *rateLimiter) cleanup() {
	now := time.Now()
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for k, v := range s.buckets {
			if now.Sub(v.lastCheck) > hubBucketAge {
				delete(s.buckets, k)
			}
		}
		s.mu.Unlock()
	}
}
