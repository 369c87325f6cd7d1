package auction

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
)

// Config holds the bidding rules.
type Config struct {
	// MinIncrement is the smallest step over the current price.
	MinIncrement int64
	// IncrementRate, when positive, raises the step to
	// ceil(currentPrice * IncrementRate).
	IncrementRate decimal.Decimal
	// ExtensionWindow: a bid landing this close to the effective close
	// instant triggers overtime.
	ExtensionWindow time.Duration
	// ExtensionIncrement is how far past the bid instant overtime runs.
	ExtensionIncrement time.Duration
	// LockTimeout bounds the wait for the per-auction lock.
	LockTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinIncrement:       1,
		IncrementRate:      decimal.Zero,
		ExtensionWindow:    2 * time.Minute,
		ExtensionIncrement: 2 * time.Minute,
		LockTimeout:        2 * time.Second,
	}
}

// RequiredIncrement returns the smallest raise accepted over price.
func (c Config) RequiredIncrement(price int64) int64 {
	inc := c.MinIncrement
	if c.IncrementRate.IsPositive() {
		byRate := decimal.NewFromInt(price).Mul(c.IncrementRate).Ceil().IntPart()
		if byRate > inc {
			inc = byRate
		}
	}
	return inc
}

// MinimumBid returns the lowest amount the next bid on a may carry.
func (c Config) MinimumBid(a *model.Auction) int64 {
	if !a.HasBids() {
		if a.StartingPrice < 1 {
			return 1
		}
		return a.StartingPrice
	}
	return a.CurrentPrice + c.RequiredIncrement(a.CurrentPrice)
}

// extendedClose returns the new effective close instant for a bid placed
// at now, and whether overtime applies. The close instant never moves
// earlier.
func (c Config) extendedClose(a *model.Auction, now time.Time) (time.Time, bool) {
	closeAt := a.CloseAt()
	if closeAt.Sub(now) > c.ExtensionWindow {
		return closeAt, false
	}
	end := now.Add(c.ExtensionIncrement)
	if !end.After(closeAt) {
		return closeAt, false
	}
	return end, true
}
