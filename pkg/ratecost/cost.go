package ratecost

import (
	"sync"
	"time"
)

// CostTracker accumulates token spend per principal per UTC day.
type CostTracker interface {
	Add(principal string, tokens int64) int64
	Total(principal string) int64
}

type DailyCosts struct {
	shards [shardCount]costShard
}

type costShard struct {
	mu     sync.Mutex
	totals map[string]costEntry
	ops    int
}

type costEntry struct {
	total     int64
	expiresAt time.Time
}

func NewDailyCosts() *DailyCosts {
	c := &DailyCosts{}
	for i := range c.shards {
		c.shards[i].totals = map[string]costEntry{}
	}
	return c
}

func dayKey(principal string, now time.Time) (string, time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	// kept one extra day so a total remains readable just after rollover
	return principal + "|" + day.Format("2006-01-02"), day.Add(48 * time.Hour)
}

func (c *DailyCosts) Add(principal string, tokens int64) int64 {
	if tokens < 0 {
		tokens = 0
	}
	now := time.Now()
	key, expires := dayKey(principal, now)
	s := &c.shards[shardIndex(principal)]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	if s.ops%512 == 0 {
		s.sweep(now.UTC())
	}
	entry := s.totals[key]
	entry.total += tokens
	entry.expiresAt = expires
	s.totals[key] = entry
	return entry.total
}

func (c *DailyCosts) Total(principal string) int64 {
	key, _ := dayKey(principal, time.Now())
	s := &c.shards[shardIndex(principal)]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[key].total
}

func (s *costShard) sweep(now time.Time) {
	for k, v := range s.totals {
		if now.After(v.expiresAt) {
			delete(s.totals, k)
		}
	}
}
