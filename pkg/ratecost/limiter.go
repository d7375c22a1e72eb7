package ratecost

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	RetryAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// SlidingLimiter counts events inside a trailing window per key. Keys are
// sharded so unrelated principals never contend on one lock.
type SlidingLimiter struct {
	window time.Duration
	shards [shardCount]limiterShard
}

type limiterShard struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	ops  int
}

func NewSliding(window time.Duration) *SlidingLimiter {
	if window <= 0 {
		window = time.Minute
	}
	l := &SlidingLimiter{window: window}
	for i := range l.shards {
		l.shards[i].hits = map[string][]time.Time{}
	}
	return l
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (l *SlidingLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	cutoff := now.Add(-l.window)
	s := &l.shards[shardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	if s.ops%512 == 0 {
		s.sweep(cutoff)
	}
	hits := pruneBefore(s.hits[key], cutoff)
	if len(hits) >= limit {
		s.hits[key] = hits
		return Decision{
			Allowed:   false,
			Count:     len(hits),
			Limit:     limit,
			Remaining: 0,
			RetryAt:   hits[0].Add(l.window),
		}
	}
	hits = append(hits, now)
	s.hits[key] = hits
	return Decision{
		Allowed:   true,
		Count:     len(hits),
		Limit:     limit,
		Remaining: limit - len(hits),
		RetryAt:   hits[0].Add(l.window),
	}
}

func pruneBefore(hits []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(hits) && !hits[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return hits
	}
	return append(hits[:0:0], hits[idx:]...)
}

func (s *limiterShard) sweep(cutoff time.Time) {
	for k, hits := range s.hits {
		pruned := pruneBefore(hits, cutoff)
		if len(pruned) == 0 {
			delete(s.hits, k)
			continue
		}
		s.hits[k] = pruned
	}
}
