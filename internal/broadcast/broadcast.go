// Package broadcast fans auction updates out to live viewers. Delivery is
// best-effort: a full buffer or a slow client drops messages rather than
// blocking the publisher.
package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/auction-engine/internal/model"
)

// Update types.
const (
	TypeAuctionStarted   = "auction_started"
	TypeBidPlaced        = "bid_placed"
	TypeAuctionEnded     = "auction_ended"
	TypeAuctionCancelled = "auction_cancelled"
)

// ErrDropped is returned when an update could not be queued.
var ErrDropped = errors.New("broadcast: update dropped")

// Update is the JSON message pushed to subscribers of one auction.
type Update struct {
	Type              string              `json:"type"`
	AuctionID         string              `json:"auction_id"`
	Status            model.AuctionStatus `json:"status"`
	CurrentPrice      int64               `json:"current_price"`
	BidderID          string              `json:"bidder_id,omitempty"`
	BidderDisplayName string              `json:"bidder_display_name,omitempty"`
	BidTime           *time.Time          `json:"bid_time,omitempty"`
	NewEndTime        *time.Time          `json:"new_end_time,omitempty"` // only when an extension occurred
	CloseAt           time.Time           `json:"close_at"`
	TotalBids         int64               `json:"total_bids"`
	WinnerID          string              `json:"winner_id,omitempty"`
	Reason            string              `json:"reason,omitempty"`
}

// Publisher publishes updates keyed by auction id.
type Publisher interface {
	Publish(ctx context.Context, u Update) error
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, Update) error { return nil }
