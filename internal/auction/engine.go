// Package auction is the single authority for auction state: the lifecycle
// transitions (activate, close, cancel) and the bid engine. Timers, the
// reconciliation sweep and the HTTP API all funnel through the Engine.
//
// Every mutation runs under the per-auction store lock. Wallet releases,
// timer rescheduling and broadcasts happen only after the locked write has
// committed.
package auction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atmx/auction-engine/internal/broadcast"
	"github.com/atmx/auction-engine/internal/directory"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
	"github.com/atmx/auction-engine/internal/timer"
	"github.com/atmx/auction-engine/internal/wallet"
)

// Source labels who triggered a transition.
type Source string

const (
	SourceTimer   Source = "timer"
	SourceSweep   Source = "sweep"
	SourceAdmin   Source = "admin"
	SourceRequest Source = "request"
)

const (
	timerCallTimeout  = 30 * time.Second
	sideEffectTimeout = 5 * time.Second
)

// Engine accepts bids and drives auctions through their lifecycle.
type Engine struct {
	store  store.Store
	wallet wallet.Wallet
	pub    broadcast.Publisher
	dir    directory.Directory
	timers *timer.Scheduler
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the engine's clock. The timer scheduler shares it.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDirectory sets the display-name lookup used in live updates.
func WithDirectory(d directory.Directory) Option {
	return func(e *Engine) { e.dir = d }
}

// WithLogger sets the engine's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine and its timer scheduler.
func New(st store.Store, w wallet.Wallet, pub broadcast.Publisher, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		wallet: w,
		pub:    pub,
		dir:    directory.NewStatic(nil),
		cfg:    cfg,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pub == nil {
		e.pub = broadcast.Discard{}
	}
	e.timers = timer.NewScheduler(e.fire,
		timer.WithClock(e.now),
		timer.WithLogger(e.logger.With().Str("component", "scheduler").Logger()),
	)
	return e
}

// Timers exposes the scheduler for inspection.
func (e *Engine) Timers() *timer.Scheduler { return e.timers }

// Stop disarms all timers and waits for running callbacks.
func (e *Engine) Stop() { e.timers.Stop() }

// Now returns the engine clock's current instant.
func (e *Engine) Now() time.Time { return e.now() }

// CreateParams describes a new auction.
type CreateParams struct {
	ID             string
	Title          string
	StartingPrice  int64
	StartTime      time.Time
	RegularEndTime time.Time
}

// CreateAuction persists a SCHEDULED auction and arms its start timer.
func (e *Engine) CreateAuction(ctx context.Context, p CreateParams) (*model.Auction, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidAuction)
	}
	if p.StartingPrice < 0 {
		return nil, fmt.Errorf("%w: starting price must not be negative", ErrInvalidAuction)
	}
	if p.StartTime.IsZero() || !p.RegularEndTime.After(p.StartTime) {
		return nil, fmt.Errorf("%w: regular end time must be after start time", ErrInvalidAuction)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	now := e.now().UTC()
	a := &model.Auction{
		ID:             p.ID,
		Title:          p.Title,
		Status:         model.AuctionScheduled,
		StartingPrice:  p.StartingPrice,
		StartTime:      p.StartTime.UTC(),
		RegularEndTime: p.RegularEndTime.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateAuction(ctx, a); err != nil {
		return nil, fmt.Errorf("create auction: %w", err)
	}

	e.timers.ScheduleStart(a.ID, a.StartTime)
	e.logger.Info().
		Str("auction_id", a.ID).
		Time("start_time", a.StartTime).
		Time("regular_end_time", a.RegularEndTime).
		Msg("auction created")
	return a, nil
}

// Get returns the stored auction.
func (e *Engine) Get(ctx context.Context, auctionID string) (*model.Auction, error) {
	return e.store.GetAuction(ctx, auctionID)
}

// Snapshot returns the display view of an auction. It never mutates state.
func (e *Engine) Snapshot(ctx context.Context, auctionID string) (model.Snapshot, error) {
	a, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return model.Snapshot{}, err
	}
	return a.Snapshot(), nil
}

// ListBids returns an auction's bid history in placement order.
func (e *Engine) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	if _, err := e.store.GetAuction(ctx, auctionID); err != nil {
		return nil, err
	}
	return e.store.ListBids(ctx, auctionID)
}

// Restore arms timers for every pending auction. Run once at boot, before
// the sweep starts.
func (e *Engine) Restore(ctx context.Context) error {
	scheduled, err := e.store.ListAuctionsByStatus(ctx, model.AuctionScheduled)
	if err != nil {
		return fmt.Errorf("restore scheduled: %w", err)
	}
	for _, a := range scheduled {
		e.timers.ScheduleStart(a.ID, a.StartTime)
	}

	active, err := e.store.ListAuctionsByStatus(ctx, model.AuctionActive)
	if err != nil {
		return fmt.Errorf("restore active: %w", err)
	}
	for _, a := range active {
		e.timers.ScheduleEnd(a.ID, a.CloseAt())
	}

	e.logger.Info().
		Int("scheduled", len(scheduled)).
		Int("active", len(active)).
		Msg("timers restored")
	return nil
}

// fire is the timer callback. A timer that fires before its transition
// is due (the close instant moved, or clocks drifted) re-arms itself.
func (e *Engine) fire(auctionID string, purpose timer.Purpose) {
	ctx, cancel := context.WithTimeout(context.Background(), timerCallTimeout)
	defer cancel()
	now := e.now()

	switch purpose {
	case timer.Start:
		a, changed, err := e.activate(ctx, auctionID, now, SourceTimer)
		if err != nil {
			e.logger.Warn().Err(err).Str("auction_id", auctionID).Msg("timed activation failed, sweep will retry")
			return
		}
		if !changed && a.Status == model.AuctionScheduled {
			e.timers.ScheduleStart(auctionID, a.StartTime)
		}

	case timer.End:
		a, changed, err := e.close(ctx, auctionID, now, SourceTimer)
		if err != nil {
			e.logger.Warn().Err(err).Str("auction_id", auctionID).Msg("timed close failed, sweep will retry")
			return
		}
		if !changed && a.Status == model.AuctionActive {
			e.timers.ScheduleEnd(auctionID, a.CloseAt())
		}
	}
}

// sideEffectContext detaches post-commit work from the caller's
// cancellation and bounds it.
func sideEffectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
}

func (e *Engine) publish(ctx context.Context, u broadcast.Update) {
	if err := e.pub.Publish(ctx, u); err != nil {
		e.logger.Warn().Err(err).
			Str("auction_id", u.AuctionID).
			Str("type", u.Type).
			Msg("broadcast failed")
	}
}

func (e *Engine) displayName(ctx context.Context, userID string) string {
	name, err := e.dir.DisplayName(ctx, userID)
	if err != nil {
		e.logger.Debug().Err(err).Str("bidder_id", userID).Msg("display name lookup failed")
		return ""
	}
	return name
}
