package idempotency

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweptRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_idempotency_swept_total",
		Help: "Expired idempotency records removed by the sweeper.",
	})
	sweepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_idempotency_sweep_failures_total",
		Help: "Sweeper passes that failed.",
	})
)

const DefaultSweepInterval = 10 * time.Minute

// Sweeper periodically removes expired idempotency records.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	clock    clock.Clock
}

func NewSweeper(registry *Registry, interval time.Duration, clk clock.Clock) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Sweeper{registry: registry, interval: interval, clock: clk}
}

// Run sweeps once per interval until ctx is done. A failed pass is logged
// and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	logger.Infof("sweeping expired idempotency records every %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.interval):
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := s.clock.Now().UTC()
	n, err := s.registry.SweepExpired(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			sweepFailures.Inc()
			logger.Errorf("idempotency sweep failed: %v", err)
		}
		return
	}
	sweptRecords.Add(float64(n))
	if n > 0 {
		logger.Debugf("swept %d expired idempotency records", n)
	}
}
