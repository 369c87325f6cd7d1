// Package model defines the core domain types shared across the auction engine.
// Prices and amounts are integer point values.
package model

import "time"

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	AuctionScheduled AuctionStatus = "SCHEDULED"
	AuctionActive    AuctionStatus = "ACTIVE"
	AuctionEnded     AuctionStatus = "ENDED"
	AuctionCancelled AuctionStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s AuctionStatus) Terminal() bool {
	return s == AuctionEnded || s == AuctionCancelled
}

// BidStatus is the lifecycle state of a single bid.
type BidStatus string

const (
	BidActive   BidStatus = "ACTIVE"
	BidOutbid   BidStatus = "OUTBID"
	BidWinning  BidStatus = "WINNING"
	BidLost     BidStatus = "LOST"
	BidRefunded BidStatus = "REFUNDED"
)

// AwaitingRefund reports whether the bid's reservation still has to be
// released back to the bidder.
func (s BidStatus) AwaitingRefund() bool {
	return s == BidOutbid || s == BidLost
}

// bidPredecessors lists, per target status, the statuses a bid may move
// from. REFUNDED and WINNING are never left.
var bidPredecessors = map[BidStatus][]BidStatus{
	BidOutbid:   {BidActive},
	BidWinning:  {BidActive},
	BidLost:     {BidActive, BidOutbid},
	BidRefunded: {BidOutbid, BidLost},
}

// Predecessors returns the statuses from which a bid may move to s.
func (s BidStatus) Predecessors() []BidStatus {
	return bidPredecessors[s]
}

// CanMoveTo reports whether a bid in status s may move to next.
func (s BidStatus) CanMoveTo(next BidStatus) bool {
	for _, p := range bidPredecessors[next] {
		if p == s {
			return true
		}
	}
	return false
}

// Auction is the single consistent state of one time-boxed item.
// Mutated only through the state-machine entry points under the
// per-auction lock. CurrentPrice and CurrentBidderID are zero until the
// first bid.
type Auction struct {
	ID              string        `json:"id" db:"id"`
	Title           string        `json:"title" db:"title"`
	Status          AuctionStatus `json:"status" db:"status"`
	StartingPrice   int64         `json:"starting_price" db:"starting_price"`
	StartTime       time.Time     `json:"start_time" db:"start_time"`
	RegularEndTime  time.Time     `json:"regular_end_time" db:"regular_end_time"`
	OvertimeStarted bool          `json:"overtime_started" db:"overtime_started"`
	OvertimeEndTime *time.Time    `json:"overtime_end_time,omitempty" db:"overtime_end_time"`
	CurrentPrice    int64         `json:"current_price" db:"current_price"`
	CurrentBidderID string        `json:"current_bidder_id,omitempty" db:"current_bidder_id"`
	TotalBids       int64         `json:"total_bids" db:"total_bids"`
	CancelReason    string        `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// CloseAt returns the effective close instant: the overtime end when
// overtime has started, else the regular end.
func (a *Auction) CloseAt() time.Time {
	if a.OvertimeStarted && a.OvertimeEndTime != nil {
		return *a.OvertimeEndTime
	}
	return a.RegularEndTime
}

// HasBids reports whether at least one bid has been accepted.
func (a *Auction) HasBids() bool {
	return a.CurrentBidderID != ""
}

// Extend moves the effective close instant to end and marks overtime.
func (a *Auction) Extend(end time.Time) {
	t := end
	a.OvertimeStarted = true
	a.OvertimeEndTime = &t
}

// Snapshot returns the read-only view used for display.
func (a *Auction) Snapshot() Snapshot {
	return Snapshot{
		AuctionID:       a.ID,
		Title:           a.Title,
		Status:          a.Status,
		StartingPrice:   a.StartingPrice,
		StartTime:       a.StartTime,
		CurrentPrice:    a.CurrentPrice,
		CurrentBidderID: a.CurrentBidderID,
		CloseAt:         a.CloseAt(),
		Overtime:        a.OvertimeStarted,
		TotalBids:       a.TotalBids,
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (a *Auction) Clone() *Auction {
	c := *a
	if a.OvertimeEndTime != nil {
		t := *a.OvertimeEndTime
		c.OvertimeEndTime = &t
	}
	return &c
}

// Bid is one accepted bid. Bids are never deleted, only moved to a
// terminal status.
type Bid struct {
	ID        string    `json:"id" db:"id"`
	AuctionID string    `json:"auction_id" db:"auction_id"`
	BidderID  string    `json:"bidder_id" db:"bidder_id"`
	Amount    int64     `json:"amount" db:"amount"`
	Status    BidStatus `json:"status" db:"status"`
	PlacedAt  time.Time `json:"placed_at" db:"placed_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Snapshot is the display view of an auction.
type Snapshot struct {
	AuctionID       string        `json:"auction_id"`
	Title           string        `json:"title,omitempty"`
	Status          AuctionStatus `json:"status"`
	StartingPrice   int64         `json:"starting_price"`
	StartTime       time.Time     `json:"start_time"`
	CurrentPrice    int64         `json:"current_price"`
	CurrentBidderID string        `json:"current_bidder_id,omitempty"`
	CloseAt         time.Time     `json:"close_at"`
	Overtime        bool          `json:"overtime"`
	TotalBids       int64         `json:"total_bids"`
}
