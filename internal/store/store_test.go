package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/auction-engine/internal/model"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// seedAuction creates an auction directly in the store.
func seedAuction(t *testing.T, st Store, status model.AuctionStatus, start, end time.Time) *model.Auction {
	t.Helper()
	a := &model.Auction{
		ID:             uuid.NewString(),
		Title:          "test lot",
		Status:         status,
		StartTime:      start,
		RegularEndTime: end,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
	require.NoError(t, st.CreateAuction(context.Background(), a))
	return a
}

func placeActiveBid(t *testing.T, st Store, auctionID, bidder string, amount int64, at time.Time) *model.Bid {
	t.Helper()
	b := &model.Bid{
		ID:        uuid.NewString(),
		AuctionID: auctionID,
		BidderID:  bidder,
		Amount:    amount,
		Status:    model.BidActive,
		PlacedAt:  at,
	}
	err := st.WithAuctionLock(context.Background(), auctionID, func(tx Tx, a *model.Auction) error {
		ctx := context.Background()
		prev, err := tx.ActiveBid(ctx)
		if err != nil {
			return err
		}
		if prev != nil {
			if err := tx.SetBidStatus(ctx, prev.ID, model.BidOutbid); err != nil {
				return err
			}
		}
		if err := tx.InsertBid(ctx, b); err != nil {
			return err
		}
		a.CurrentPrice = amount
		a.CurrentBidderID = bidder
		a.TotalBids++
		return tx.UpdateAuction(ctx, a)
	})
	require.NoError(t, err)
	return b
}

// runStoreContract exercises behaviour every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create and get", func(t *testing.T) {
		st := newStore(t)
		a := seedAuction(t, st, model.AuctionScheduled, t0, t0.Add(time.Hour))

		got, err := st.GetAuction(context.Background(), a.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AuctionScheduled, got.Status)
		assert.True(t, got.RegularEndTime.Equal(a.RegularEndTime))
		assert.False(t, got.HasBids())
	})

	t.Run("duplicate id", func(t *testing.T) {
		st := newStore(t)
		a := seedAuction(t, st, model.AuctionScheduled, t0, t0.Add(time.Hour))
		err := st.CreateAuction(context.Background(), a)
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("missing auction", func(t *testing.T) {
		st := newStore(t)
		_, err := st.GetAuction(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		err = st.WithAuctionLock(context.Background(), "nope", func(Tx, *model.Auction) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("outbid keeps one active bid", func(t *testing.T) {
		st := newStore(t)
		a := seedAuction(t, st, model.AuctionActive, t0, t0.Add(time.Hour))
		first := placeActiveBid(t, st, a.ID, "alice", 100, t0.Add(time.Minute))
		second := placeActiveBid(t, st, a.ID, "bob", 150, t0.Add(2*time.Minute))

		bids, err := st.ListBids(context.Background(), a.ID)
		require.NoError(t, err)
		require.Len(t, bids, 2)
		assert.Equal(t, first.ID, bids[0].ID)
		assert.Equal(t, model.BidOutbid, bids[0].Status)
		assert.Equal(t, second.ID, bids[1].ID)
		assert.Equal(t, model.BidActive, bids[1].Status)

		got, err := st.GetAuction(context.Background(), a.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(150), got.CurrentPrice)
		assert.Equal(t, "bob", got.CurrentBidderID)
		assert.Equal(t, int64(2), got.TotalBids)
	})

	t.Run("failed fn rolls back", func(t *testing.T) {
		st := newStore(t)
		a := seedAuction(t, st, model.AuctionActive, t0, t0.Add(time.Hour))
		boom := errors.New("boom")

		err := st.WithAuctionLock(context.Background(), a.ID, func(tx Tx, locked *model.Auction) error {
			locked.CurrentPrice = 999
			if err := tx.UpdateAuction(context.Background(), locked); err != nil {
				return err
			}
			if err := tx.InsertBid(context.Background(), &model.Bid{
				ID: uuid.NewString(), AuctionID: a.ID, BidderID: "x", Amount: 999,
				Status: model.BidActive, PlacedAt: t0,
			}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := st.GetAuction(context.Background(), a.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.CurrentPrice)
		bids, err := st.ListBids(context.Background(), a.ID)
		require.NoError(t, err)
		assert.Empty(t, bids)
	})

	t.Run("due lists", func(t *testing.T) {
		st := newStore(t)
		now := t0.Add(time.Hour)
		due := seedAuction(t, st, model.AuctionScheduled, now.Add(-time.Minute), now.Add(time.Hour))
		seedAuction(t, st, model.AuctionScheduled, now.Add(time.Minute), now.Add(time.Hour))
		ending := seedAuction(t, st, model.AuctionActive, t0, now.Add(-time.Second))
		extended := seedAuction(t, st, model.AuctionActive, t0, now.Add(-time.Minute))
		require.NoError(t, st.WithAuctionLock(context.Background(), extended.ID, func(tx Tx, a *model.Auction) error {
			a.Extend(now.Add(time.Minute))
			return tx.UpdateAuction(context.Background(), a)
		}))

		starting, err := st.ListDueToStart(context.Background(), now)
		require.NoError(t, err)
		require.Len(t, starting, 1)
		assert.Equal(t, due.ID, starting[0].ID)

		closing, err := st.ListDueToClose(context.Background(), now)
		require.NoError(t, err)
		require.Len(t, closing, 1)
		assert.Equal(t, ending.ID, closing[0].ID)

		active, err := st.ListAuctionsByStatus(context.Background(), model.AuctionActive)
		require.NoError(t, err)
		assert.Len(t, active, 2)
	})

	t.Run("refund bookkeeping", func(t *testing.T) {
		st := newStore(t)
		a := seedAuction(t, st, model.AuctionActive, t0, t0.Add(time.Hour))
		first := placeActiveBid(t, st, a.ID, "alice", 100, t0.Add(time.Minute))
		placeActiveBid(t, st, a.ID, "bob", 150, t0.Add(2*time.Minute))

		pending, err := st.ListAwaitingRefund(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, first.ID, pending[0].ID)

		ok, err := st.MarkRefunded(context.Background(), first.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = st.MarkRefunded(context.Background(), first.ID)
		require.NoError(t, err)
		assert.False(t, ok, "second refund must not apply")

		pending, err = st.ListAwaitingRefund(context.Background(), 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("refunded bid is never reopened", func(t *testing.T) {
		st := newStore(t)
		a := seedAuction(t, st, model.AuctionActive, t0, t0.Add(time.Hour))
		first := placeActiveBid(t, st, a.ID, "alice", 100, t0.Add(time.Minute))
		placeActiveBid(t, st, a.ID, "bob", 150, t0.Add(2*time.Minute))

		err := st.WithAuctionLock(context.Background(), a.ID, func(tx Tx, _ *model.Auction) error {
			ctx := context.Background()
			outbid, err := tx.BidsWithStatus(ctx, model.BidOutbid)
			if err != nil {
				return err
			}
			require.Len(t, outbid, 1)

			// The post-commit refund of an earlier bid lands while the
			// lock is held.
			ok, err := st.MarkRefunded(ctx, first.ID)
			require.NoError(t, err)
			require.True(t, ok)

			return tx.SetBidStatus(ctx, outbid[0].ID, model.BidLost)
		})
		require.NoError(t, err)

		bids, err := st.ListBids(context.Background(), a.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BidRefunded, bids[0].Status)

		ok, err := st.MarkRefunded(context.Background(), first.ID)
		require.NoError(t, err)
		assert.False(t, ok, "refund must not be counted twice")
	})

	t.Run("lock serializes writers", func(t *testing.T) {
		st := newStore(t)
		a := seedAuction(t, st, model.AuctionActive, t0, t0.Add(time.Hour))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := st.WithAuctionLock(context.Background(), a.ID, func(tx Tx, locked *model.Auction) error {
					locked.TotalBids++
					return tx.UpdateAuction(context.Background(), locked)
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := st.GetAuction(context.Background(), a.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(20), got.TotalBids, "no lost updates")
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_LockTimeout(t *testing.T) {
	st := NewMemoryStore()
	a := seedAuction(t, st, model.AuctionActive, t0, t0.Add(time.Hour))

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = st.WithAuctionLock(context.Background(), a.ID, func(Tx, *model.Auction) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := st.WithAuctionLock(ctx, a.ID, func(Tx, *model.Auction) error {
		t.Fatal("fn must not run without the lock")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestMemoryStore_LocksAreIndependentPerAuction(t *testing.T) {
	st := NewMemoryStore()
	a := seedAuction(t, st, model.AuctionActive, t0, t0.Add(time.Hour))
	b := seedAuction(t, st, model.AuctionActive, t0, t0.Add(time.Hour))

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = st.WithAuctionLock(context.Background(), a.ID, func(Tx, *model.Auction) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := st.WithAuctionLock(ctx, b.ID, func(Tx, *model.Auction) error { return nil })
	assert.NoError(t, err)
}

func TestMemoryStore_SecondActiveBidRejected(t *testing.T) {
	st := NewMemoryStore()
	a := seedAuction(t, st, model.AuctionActive, t0, t0.Add(time.Hour))
	placeActiveBid(t, st, a.ID, "alice", 100, t0)

	err := st.WithAuctionLock(context.Background(), a.ID, func(tx Tx, _ *model.Auction) error {
		return tx.InsertBid(context.Background(), &model.Bid{
			ID: uuid.NewString(), AuctionID: a.ID, BidderID: "bob", Amount: 200,
			Status: model.BidActive, PlacedAt: t0,
		})
	})
	assert.Error(t, err)
}

func TestMemoryStore_LockWaitBoundsOnlyAcquisition(t *testing.T) {
	st := NewMemoryStore()
	a := seedAuction(t, st, model.AuctionActive, t0, t0.Add(time.Hour))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = st.WithAuctionLock(context.Background(), a.ID, func(Tx, *model.Auction) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx := WithLockWait(context.Background(), 20*time.Millisecond)
	err := st.WithAuctionLock(ctx, a.ID, func(Tx, *model.Auction) error { return nil })
	assert.ErrorIs(t, err, ErrLockTimeout)
	close(release)
	<-done

	err = st.WithAuctionLock(ctx, a.ID, func(_ Tx, _ *model.Auction) error {
		time.Sleep(50 * time.Millisecond)
		assert.NoError(t, ctx.Err(), "the wait bound does not expire the held lock")
		return nil
	})
	assert.NoError(t, err)
}
