package auction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/auction-engine/internal/broadcast"
	"github.com/atmx/auction-engine/internal/log"
	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
	"github.com/atmx/auction-engine/internal/wallet"
)

// BidRequest is one bid attempt.
type BidRequest struct {
	AuctionID string
	BidderID  string
	Amount    int64
}

// BidResult describes an accepted bid.
type BidResult struct {
	BidID     string    `json:"bid_id"`
	AuctionID string    `json:"auction_id"`
	Price     int64     `json:"price"`
	BidderID  string    `json:"bidder_id"`
	PlacedAt  time.Time `json:"placed_at"`
	EndTime   time.Time `json:"end_time"`
	Extended  bool      `json:"extended"`
	TotalBids int64     `json:"total_bids"`
}

// PlaceBid validates and accepts a bid. Refusals are *Rejection errors and
// leave no trace; store failures are returned wrapped.
//
// The amount is reserved from the bidder's wallet before the auction lock
// is taken, and every check is repeated under the lock. A bid that loses
// the race there hands its reservation back.
func (e *Engine) PlaceBid(ctx context.Context, req BidRequest) (res *BidResult, err error) {
	start := time.Now()
	defer func() {
		metrics.BidLatency.Observe(time.Since(start).Seconds())
		outcome := "accepted"
		if rej, ok := AsRejection(err); ok {
			outcome = string(rej.Code)
		} else if err != nil {
			outcome = "error"
		}
		metrics.BidsTotal.WithLabelValues(outcome).Inc()
	}()

	if strings.TrimSpace(req.BidderID) == "" {
		return nil, fmt.Errorf("%w: bidder id is required", ErrInvalidBid)
	}
	logger := log.WithAuctionID(e.logger, req.AuctionID).With().
		Str("bidder_id", req.BidderID).
		Int64("amount", req.Amount).
		Logger()

	current, err := e.store.GetAuction(ctx, req.AuctionID)
	if err != nil {
		return nil, fmt.Errorf("place bid: %w", err)
	}
	if rej := e.check(current, req, e.now()); rej != nil {
		logger.Debug().Str("code", string(rej.Code)).Msg("bid rejected")
		return nil, rej
	}

	bid := &model.Bid{
		ID:        uuid.NewString(),
		AuctionID: req.AuctionID,
		BidderID:  req.BidderID,
		Amount:    req.Amount,
		Status:    model.BidActive,
	}
	if err := e.wallet.Reserve(ctx, req.BidderID, req.Amount, bid.ID); err != nil {
		if errors.Is(err, wallet.ErrInsufficientBalance) {
			logger.Debug().Msg("bid rejected: insufficient balance")
			return nil, reject(CodeInsufficientBalance, "balance below %d", req.Amount)
		}
		return nil, fmt.Errorf("reserve for bid: %w", err)
	}

	var (
		outbid   *model.Bid
		state    *model.Auction
		extended bool
	)
	lockStart := time.Now()
	waited := time.Duration(-1)
	lockCtx := store.WithLockWait(ctx, e.cfg.LockTimeout)
	err = e.store.WithAuctionLock(lockCtx, req.AuctionID, func(tx store.Tx, a *model.Auction) error {
		waited = time.Since(lockStart)
		now := e.now()
		if rej := e.check(a, req, now); rej != nil {
			return rej
		}

		prev, err := tx.ActiveBid(ctx)
		if err != nil {
			return err
		}
		if prev != nil {
			if err := tx.SetBidStatus(ctx, prev.ID, model.BidOutbid); err != nil {
				return err
			}
			prev.Status = model.BidOutbid
			outbid = prev
		}

		bid.PlacedAt = now
		bid.UpdatedAt = now
		if err := tx.InsertBid(ctx, bid); err != nil {
			return err
		}

		a.CurrentPrice = req.Amount
		a.CurrentBidderID = req.BidderID
		a.TotalBids++
		if end, ok := e.cfg.extendedClose(a, now); ok {
			a.Extend(end)
			extended = true
		}
		a.UpdatedAt = now
		if err := tx.UpdateAuction(ctx, a); err != nil {
			return err
		}
		state = a.Clone()
		return nil
	})
	if waited < 0 {
		waited = time.Since(lockStart)
	}
	metrics.LockWait.Observe(waited.Seconds())

	sctx, done := sideEffectContext(ctx)
	defer done()

	if err != nil {
		if rerr := e.wallet.Release(sctx, req.BidderID, req.Amount, bid.ID); rerr != nil {
			logger.Error().Err(rerr).Str("bid_id", bid.ID).Msg("could not release reservation of refused bid")
		}
		if rej, ok := AsRejection(err); ok {
			logger.Debug().Str("code", string(rej.Code)).Msg("bid rejected under lock")
			return nil, rej
		}
		if errors.Is(err, store.ErrLockTimeout) {
			logger.Warn().Dur("timeout", e.cfg.LockTimeout).Msg("bid rejected: auction lock busy")
			return nil, reject(CodeBusy, "auction is busy, retry")
		}
		return nil, fmt.Errorf("place bid: %w", err)
	}

	if outbid != nil {
		e.refund(sctx, outbid)
	}
	e.timers.ScheduleEnd(state.ID, state.CloseAt())
	if extended {
		metrics.Extensions.Inc()
	}

	u := updateFor(broadcast.TypeBidPlaced, state)
	u.BidderDisplayName = e.displayName(sctx, req.BidderID)
	placedAt := bid.PlacedAt
	u.BidTime = &placedAt
	if extended {
		end := state.CloseAt()
		u.NewEndTime = &end
	}
	e.publish(sctx, u)

	logger.Info().
		Str("bid_id", bid.ID).
		Bool("extended", extended).
		Time("close_at", state.CloseAt()).
		Msg("bid accepted")

	return &BidResult{
		BidID:     bid.ID,
		AuctionID: state.ID,
		Price:     state.CurrentPrice,
		BidderID:  state.CurrentBidderID,
		PlacedAt:  bid.PlacedAt,
		EndTime:   state.CloseAt(),
		Extended:  extended,
		TotalBids: state.TotalBids,
	}, nil
}

// check applies the acceptance rules to a at instant now. A bid not above
// the current price is BID_TOO_LOW whatever the auction's state.
func (e *Engine) check(a *model.Auction, req BidRequest, now time.Time) *Rejection {
	if a.HasBids() && req.Amount <= a.CurrentPrice {
		return reject(CodeTooLow, "%d does not exceed current price %d", req.Amount, a.CurrentPrice)
	}
	if !a.HasBids() && req.Amount < e.cfg.MinimumBid(a) {
		return reject(CodeTooLow, "%d is below starting price %d", req.Amount, e.cfg.MinimumBid(a))
	}
	if a.Status != model.AuctionActive {
		return reject(CodeNotActive, "auction is %s", a.Status)
	}
	if !now.Before(a.CloseAt()) {
		return reject(CodeClosed, "auction closed at %s", a.CloseAt().Format(time.RFC3339))
	}
	if minBid := e.cfg.MinimumBid(a); req.Amount < minBid {
		return reject(CodeTooLow, "minimum bid is %d", minBid)
	}
	if a.CurrentBidderID == req.BidderID {
		return reject(CodeSelfOutbid, "bidder already holds the highest bid")
	}
	return nil
}
