// Package sweeper periodically expires collectors that stopped reporting.
package sweeper

import (
	"context"
	"time"

	"github.com/worldland/slurmwatch/internal/clock"
	"github.com/worldland/slurmwatch/internal/logger"
)

// Store is the aggregator operation the sweeper drives.
type Store interface {
	SweepExpired(now time.Time, window time.Duration) int
}

// Sweeper calls SweepExpired on a fixed interval.
type Sweeper struct {
	store    Store
	interval time.Duration
	window   time.Duration
	clock    clock.Clock
	log      logger.Logger
}

// New creates a Sweeper. interval should be shorter than window.
func New(store Store, interval, window time.Duration, clk clock.Clock, log logger.Logger) *Sweeper {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logger.NewTestLogger()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		window:   window,
		clock:    clk,
		log:      log.WithComponent("sweeper"),
	}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Dur("window", s.window).Msg("Expiry sweeper started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.Chan():
			if n := s.store.SweepExpired(now, s.window); n > 0 {
				s.log.Info().Int("marked_stale", n).Msg("Sweep finished")
			}
		}
	}
}
