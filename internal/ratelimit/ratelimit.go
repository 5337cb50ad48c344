// Package ratelimit implements per-source token bucket limiting for the
// report intake.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per source id. The least recently seen
// sources are evicted once the cache is full; an evicted source starts over
// with a full bucket.
type Limiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// New creates a limiter allowing perSecond reports per source with the
// given burst. perSecond <= 0 disables limiting and returns nil; a nil
// *Limiter allows everything.
func New(perSecond float64, burst, sources int) (*Limiter, error) {
	if perSecond <= 0 {
		return nil, nil
	}
	if burst < 1 {
		return nil, fmt.Errorf("rate limit burst must be >= 1, got %d", burst)
	}
	cache, err := lru.New[string, *rate.Limiter](sources)
	if err != nil {
		return nil, fmt.Errorf("rate limit cache: %w", err)
	}
	return &Limiter{
		buckets: cache,
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}, nil
}

// Allow consumes a token for id. When the bucket is empty it returns false
// and the time until a token will be available.
func (l *Limiter) Allow(id string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}

	l.mu.Lock()
	bucket, ok := l.buckets.Get(id)
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(id, bucket)
	}
	l.mu.Unlock()

	now := l.now()
	r := bucket.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, delay
}

// Len returns the number of tracked sources.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	return l.buckets.Len()
}

// RetryAfterSeconds rounds d up to whole seconds for a Retry-After header.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
