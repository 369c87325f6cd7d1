// Package sweep runs the fixed-interval backstops of the auction engine:
// reconciliation (start and close whatever timers missed) and the refund
// retry for reservations whose release failed.
package sweep

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/store"
)

// Transitions is the part of the engine the sweeper drives.
type Transitions interface {
	Activate(ctx context.Context, auctionID string, now time.Time, src auction.Source) (bool, error)
	Close(ctx context.Context, auctionID string, now time.Time, src auction.Source) (bool, error)
	RefundPending(ctx context.Context, limit int) (int, error)
	Now() time.Time
}

// Config sets the sweep cadence.
type Config struct {
	Interval       time.Duration
	RefundInterval time.Duration
	RefundBatch    int
}

// Result summarizes one reconciliation pass.
type Result struct {
	Activated int
	Closed    int
	Failed    int
}

// Sweeper ensures auctions reach the state their instants call for even
// when no timer fired.
type Sweeper struct {
	store  store.Store
	engine Transitions
	cfg    Config
	logger zerolog.Logger
}

// New creates a sweeper.
func New(st store.Store, engine Transitions, cfg Config, logger zerolog.Logger) *Sweeper {
	return &Sweeper{store: st, engine: engine, cfg: cfg, logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	reconcile := time.NewTicker(s.cfg.Interval)
	defer reconcile.Stop()
	refund := time.NewTicker(s.cfg.RefundInterval)
	defer refund.Stop()

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Dur("refund_interval", s.cfg.RefundInterval).
		Msg("sweeper started")

	s.reconcileAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped")
			return nil
		case <-reconcile.C:
			s.reconcileAndLog(ctx)
		case <-refund.C:
			s.refundAndLog(ctx)
		}
	}
}

func (s *Sweeper) reconcileAndLog(ctx context.Context) {
	res, err := s.Reconcile(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("reconciliation failed")
		return
	}
	if res.Activated+res.Closed+res.Failed > 0 {
		s.logger.Info().
			Int("activated", res.Activated).
			Int("closed", res.Closed).
			Int("failed", res.Failed).
			Msg("reconciliation applied transitions")
	}
}

func (s *Sweeper) refundAndLog(ctx context.Context) {
	n, err := s.Refund(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("refund sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int("refunded", n).Msg("refund sweep released reservations")
	}
}

// Reconcile activates every SCHEDULED auction whose start has passed and
// closes every ACTIVE auction whose effective close instant has passed.
// A failure on one auction does not stop the pass.
func (s *Sweeper) Reconcile(ctx context.Context) (res Result, err error) {
	timer := prometheus.NewTimer(metrics.SweepDuration.WithLabelValues("reconcile"))
	defer func() {
		timer.ObserveDuration()
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.SweepCycles.WithLabelValues("reconcile", result).Inc()
	}()

	now := s.engine.Now()

	starting, err := s.store.ListDueToStart(ctx, now)
	if err != nil {
		return res, err
	}
	for _, a := range starting {
		changed, err := s.engine.Activate(ctx, a.ID, now, auction.SourceSweep)
		if err != nil {
			res.Failed++
			s.logger.Warn().Err(err).Str("auction_id", a.ID).Msg("sweep activation failed")
			continue
		}
		if changed {
			res.Activated++
		}
	}

	closing, err := s.store.ListDueToClose(ctx, now)
	if err != nil {
		return res, err
	}
	for _, a := range closing {
		changed, err := s.engine.Close(ctx, a.ID, now, auction.SourceSweep)
		if err != nil {
			res.Failed++
			s.logger.Warn().Err(err).Str("auction_id", a.ID).Msg("sweep close failed")
			continue
		}
		if changed {
			res.Closed++
		}
	}
	return res, nil
}

// Refund retries the release of up to RefundBatch pending reservations.
func (s *Sweeper) Refund(ctx context.Context) (n int, err error) {
	timer := prometheus.NewTimer(metrics.SweepDuration.WithLabelValues("refund"))
	defer func() {
		timer.ObserveDuration()
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.SweepCycles.WithLabelValues("refund", result).Inc()
	}()
	return s.engine.RefundPending(ctx, s.cfg.RefundBatch)
}
