package auction

import (
	"context"
	"fmt"
	"time"

	"github.com/atmx/auction-engine/internal/broadcast"
	"github.com/atmx/auction-engine/internal/log"
	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
	"github.com/atmx/auction-engine/internal/timer"
)

// Activate moves a SCHEDULED auction to ACTIVE once now >= startTime. It
// reports whether the transition happened; any other state or an early
// call is a no-op.
func (e *Engine) Activate(ctx context.Context, auctionID string, now time.Time, src Source) (bool, error) {
	_, changed, err := e.activate(ctx, auctionID, now, src)
	return changed, err
}

func (e *Engine) activate(ctx context.Context, auctionID string, now time.Time, src Source) (*model.Auction, bool, error) {
	var (
		state   *model.Auction
		changed bool
	)
	err := e.store.WithAuctionLock(ctx, auctionID, func(tx store.Tx, a *model.Auction) error {
		state = a.Clone()
		if a.Status != model.AuctionScheduled || now.Before(a.StartTime) {
			return nil
		}
		a.Status = model.AuctionActive
		a.UpdatedAt = now
		if err := tx.UpdateAuction(ctx, a); err != nil {
			return err
		}
		state = a.Clone()
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("activate %s: %w", auctionID, err)
	}
	if !changed {
		return state, false, nil
	}

	metrics.Transitions.WithLabelValues("activate", string(src)).Inc()
	e.logger.Info().
		Str("auction_id", auctionID).
		Str("source", string(src)).
		Time("close_at", state.CloseAt()).
		Msg("auction activated")

	e.timers.Cancel(auctionID, timer.Start)
	e.timers.ScheduleEnd(auctionID, state.CloseAt())

	sctx, cancel := sideEffectContext(ctx)
	defer cancel()
	e.publish(sctx, updateFor(broadcast.TypeAuctionStarted, state))
	return state, true, nil
}

// Close moves an ACTIVE auction to ENDED once now >= its effective close
// instant. The ACTIVE bid becomes WINNING; bids still awaiting a refund
// become LOST and are released after the commit.
func (e *Engine) Close(ctx context.Context, auctionID string, now time.Time, src Source) (bool, error) {
	_, changed, err := e.close(ctx, auctionID, now, src)
	return changed, err
}

func (e *Engine) close(ctx context.Context, auctionID string, now time.Time, src Source) (*model.Auction, bool, error) {
	var (
		state   *model.Auction
		changed bool
		pending []model.Bid
	)
	err := e.store.WithAuctionLock(ctx, auctionID, func(tx store.Tx, a *model.Auction) error {
		state = a.Clone()
		if a.Status != model.AuctionActive || now.Before(a.CloseAt()) {
			return nil
		}

		unrefunded, err := tx.BidsWithStatus(ctx, model.BidOutbid, model.BidLost)
		if err != nil {
			return err
		}
		winner, err := tx.ActiveBid(ctx)
		if err != nil {
			return err
		}
		if winner != nil {
			if err := tx.SetBidStatus(ctx, winner.ID, model.BidWinning); err != nil {
				return err
			}
		}
		for i := range unrefunded {
			if unrefunded[i].Status == model.BidOutbid {
				if err := tx.SetBidStatus(ctx, unrefunded[i].ID, model.BidLost); err != nil {
					return err
				}
				unrefunded[i].Status = model.BidLost
			}
		}

		a.Status = model.AuctionEnded
		a.UpdatedAt = now
		if err := tx.UpdateAuction(ctx, a); err != nil {
			return err
		}
		state = a.Clone()
		pending = unrefunded
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("close %s: %w", auctionID, err)
	}
	if !changed {
		return state, false, nil
	}

	metrics.Transitions.WithLabelValues("close", string(src)).Inc()
	e.logger.Info().
		Str("auction_id", auctionID).
		Str("source", string(src)).
		Str("winner_id", state.CurrentBidderID).
		Int64("price", state.CurrentPrice).
		Int("pending_refunds", len(pending)).
		Msg("auction closed")

	e.timers.CancelAll(auctionID)

	sctx, cancel := sideEffectContext(ctx)
	defer cancel()
	for i := range pending {
		e.refund(sctx, &pending[i])
	}
	u := updateFor(broadcast.TypeAuctionEnded, state)
	u.WinnerID = state.CurrentBidderID
	e.publish(sctx, u)
	return state, true, nil
}

// Cancel moves a SCHEDULED or ACTIVE auction to CANCELLED and releases
// every outstanding reservation, the current leader's included. Cancelling
// a CANCELLED auction is a no-op; an ENDED one yields ErrInvalidTransition.
func (e *Engine) Cancel(ctx context.Context, auctionID, reason string) (bool, error) {
	now := e.now()
	var (
		state   *model.Auction
		changed bool
		pending []model.Bid
	)
	err := e.store.WithAuctionLock(ctx, auctionID, func(tx store.Tx, a *model.Auction) error {
		state = a.Clone()
		switch a.Status {
		case model.AuctionCancelled:
			return nil
		case model.AuctionEnded:
			return ErrInvalidTransition
		}

		unrefunded, err := tx.BidsWithStatus(ctx, model.BidOutbid, model.BidLost)
		if err != nil {
			return err
		}
		leader, err := tx.ActiveBid(ctx)
		if err != nil {
			return err
		}
		if leader != nil {
			if err := tx.SetBidStatus(ctx, leader.ID, model.BidLost); err != nil {
				return err
			}
			leader.Status = model.BidLost
			unrefunded = append(unrefunded, *leader)
		}

		a.Status = model.AuctionCancelled
		a.CancelReason = reason
		a.UpdatedAt = now
		if err := tx.UpdateAuction(ctx, a); err != nil {
			return err
		}
		state = a.Clone()
		pending = unrefunded
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", auctionID, err)
	}
	if !changed {
		return false, nil
	}

	metrics.Transitions.WithLabelValues("cancel", string(SourceAdmin)).Inc()
	e.logger.Info().
		Str("auction_id", auctionID).
		Str("reason", reason).
		Int("pending_refunds", len(pending)).
		Msg("auction cancelled")

	e.timers.CancelAll(auctionID)

	sctx, cancel := sideEffectContext(ctx)
	defer cancel()
	for i := range pending {
		e.refund(sctx, &pending[i])
	}
	u := updateFor(broadcast.TypeAuctionCancelled, state)
	u.Reason = reason
	e.publish(sctx, u)
	return true, nil
}

// RefundPending releases up to limit reservations of OUTBID or LOST bids
// whose earlier release failed or never ran. It returns how many bids
// reached REFUNDED.
func (e *Engine) RefundPending(ctx context.Context, limit int) (int, error) {
	bids, err := e.store.ListAwaitingRefund(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list awaiting refund: %w", err)
	}
	refunded := 0
	for i := range bids {
		if ctx.Err() != nil {
			break
		}
		if e.refund(ctx, &bids[i]) {
			refunded++
		}
	}
	return refunded, nil
}

// refund releases a bid's reservation and marks it REFUNDED. Failures are
// logged and left for RefundPending; the wallet reference makes a repeated
// release harmless.
func (e *Engine) refund(ctx context.Context, b *model.Bid) bool {
	logger := log.WithAuctionID(e.logger, b.AuctionID).With().
		Str("bid_id", b.ID).
		Str("bidder_id", b.BidderID).
		Logger()

	if err := e.wallet.Release(ctx, b.BidderID, b.Amount, b.ID); err != nil {
		metrics.Refunds.WithLabelValues("release_failed").Inc()
		logger.Warn().Err(err).Int64("amount", b.Amount).Msg("release failed, left for refund sweep")
		return false
	}
	ok, err := e.store.MarkRefunded(ctx, b.ID)
	if err != nil {
		metrics.Refunds.WithLabelValues("mark_failed").Inc()
		logger.Warn().Err(err).Msg("released but not marked refunded")
		return false
	}
	if ok {
		metrics.Refunds.WithLabelValues("released").Inc()
		logger.Debug().Int64("amount", b.Amount).Msg("reservation released")
	}
	return ok
}

func updateFor(typ string, a *model.Auction) broadcast.Update {
	return broadcast.Update{
		Type:         typ,
		AuctionID:    a.ID,
		Status:       a.Status,
		CurrentPrice: a.CurrentPrice,
		BidderID:     a.CurrentBidderID,
		CloseAt:      a.CloseAt(),
		TotalBids:    a.TotalBids,
	}
}
