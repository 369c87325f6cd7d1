// Package store defines the ledger persistence interface for the auction
// engine. Implementations include PostgreSQL (source of truth, row locks),
// Redis (read-through snapshot cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/auction-engine/internal/model"
)

var (
	// ErrNotFound is returned when an auction or bid does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating an auction whose id is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrLockTimeout is returned when the per-auction lock could not be
	// acquired before the caller's deadline.
	ErrLockTimeout = errors.New("store: timed out waiting for auction lock")
)

type lockWaitKey struct{}

// WithLockWait returns a context that bounds only the wait for the auction
// lock in WithAuctionLock. Statements run after the lock is held are
// bounded by ctx alone.
func WithLockWait(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, lockWaitKey{}, d)
}

// lockWait returns the lock wait carried by ctx, if any.
func lockWait(ctx context.Context) (time.Duration, bool) {
	d, ok := ctx.Value(lockWaitKey{}).(time.Duration)
	return d, ok && d > 0
}

// Store is the persistence interface. Every mutation of an auction or its
// bids goes through WithAuctionLock.
type Store interface {
	// --- Auction operations ---

	// CreateAuction persists a new auction.
	CreateAuction(ctx context.Context, a *model.Auction) error

	// GetAuction reads an auction without locking it.
	GetAuction(ctx context.Context, id string) (*model.Auction, error)

	// ListAuctionsByStatus returns all auctions in the given status.
	ListAuctionsByStatus(ctx context.Context, status model.AuctionStatus) ([]model.Auction, error)

	// ListDueToStart returns SCHEDULED auctions with start_time <= now.
	ListDueToStart(ctx context.Context, now time.Time) ([]model.Auction, error)

	// ListDueToClose returns ACTIVE auctions whose effective close instant
	// is <= now.
	ListDueToClose(ctx context.Context, now time.Time) ([]model.Auction, error)

	// --- Bids ---

	// ListBids returns the bids of an auction in placement order.
	ListBids(ctx context.Context, auctionID string) ([]model.Bid, error)

	// ListAwaitingRefund returns up to limit OUTBID/LOST bids across all
	// auctions, oldest first.
	ListAwaitingRefund(ctx context.Context, limit int) ([]model.Bid, error)

	// MarkRefunded moves an OUTBID or LOST bid to REFUNDED. It reports
	// false when the bid was not awaiting a refund.
	MarkRefunded(ctx context.Context, bidID string) (bool, error)

	// --- Locked read-modify-write ---

	// WithAuctionLock acquires the exclusive lock on one auction row,
	// passes the locked auction to fn, and commits the writes staged on tx
	// if fn returns nil. Returns ErrLockTimeout if ctx expires, or the
	// WithLockWait bound elapses, while waiting and ErrNotFound if the
	// auction does not exist.
	WithAuctionLock(ctx context.Context, auctionID string, fn func(tx Tx, a *model.Auction) error) error
}

// Tx is the write surface available while holding an auction lock.
type Tx interface {
	// UpdateAuction stages the new state of the locked auction.
	UpdateAuction(ctx context.Context, a *model.Auction) error

	// ActiveBid returns the auction's ACTIVE bid, or nil if none.
	ActiveBid(ctx context.Context) (*model.Bid, error)

	// BidsWithStatus returns the auction's bids in any of the statuses.
	BidsWithStatus(ctx context.Context, statuses ...model.BidStatus) ([]model.Bid, error)

	// InsertBid stages a new bid on the locked auction.
	InsertBid(ctx context.Context, b *model.Bid) error

	// SetBidStatus stages a status change for a bid of the locked auction.
	// A change the bid's status no longer allows when the write lands (a
	// REFUNDED bid never becomes LOST) is skipped without error.
	SetBidStatus(ctx context.Context, bidID string, status model.BidStatus) error
}
