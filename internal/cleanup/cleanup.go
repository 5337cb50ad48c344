// Package cleanup periodically drops sources that stopped reporting.
package cleanup

import (
	"context"
	"time"

	"github.com/folderagg/folderagg/internal/logging"
	"github.com/folderagg/folderagg/internal/metrics"
)

// Expirer removes sources older than a threshold and returns their ids.
type Expirer interface {
	Expire(threshold time.Duration) []string
}

// Scheduler runs Expire on a fixed period.
type Scheduler struct {
	store     Expirer
	interval  time.Duration
	threshold time.Duration
	onExpire  func(ids []string)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// OnExpire registers a hook called with the ids removed by each pass that
// removed anything. It runs on the scheduler goroutine.
func OnExpire(fn func(ids []string)) Option {
	return func(s *Scheduler) {
		s.onExpire = fn
	}
}

// New creates a scheduler expiring sources older than threshold every
// interval. An interval <= 0 uses threshold.
func New(store Expirer, interval, threshold time.Duration, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = threshold
	}
	s := &Scheduler{
		store:     store,
		interval:  interval,
		threshold: threshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run expires sources every interval until ctx is done. It always returns
// nil so it can sit in an errgroup next to the servers.
func (s *Scheduler) Run(ctx context.Context) error {
	logging.Info("cleanup scheduler starting",
		logging.Duration("interval", s.interval),
		logging.Duration("threshold", s.threshold))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info("cleanup scheduler stopped")
			return nil
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single expiry pass and returns the removed ids.
func (s *Scheduler) RunOnce() []string {
	start := time.Now()
	expired := s.store.Expire(s.threshold)
	metrics.RecordCleanup(len(expired), time.Since(start))

	if len(expired) == 0 {
		return nil
	}
	logging.Info("expired sources",
		logging.Strings("sources", expired),
		logging.Int("count", len(expired)))
	if s.onExpire != nil {
		s.onExpire(expired)
	}
	return expired
}
