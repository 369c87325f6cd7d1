package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/auction-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Each auction has its own lock (a one-slot channel so acquisition can
// honour ctx); the data maps are guarded by a single RWMutex held only
// for the duration of a read or a commit.
type MemoryStore struct {
	mu        sync.RWMutex
	auctions  map[string]*model.Auction
	bids      map[string]*model.Bid
	byAuction map[string][]string // auction id -> bid ids in placement order

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions:  make(map[string]*model.Auction),
		bids:      make(map[string]*model.Bid),
		byAuction: make(map[string][]string),
		locks:     make(map[string]chan struct{}),
	}
}

func (s *MemoryStore) CreateAuction(_ context.Context, a *model.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auctions[a.ID]; ok {
		return fmt.Errorf("create auction %s: %w", a.ID, ErrAlreadyExists)
	}
	s.auctions[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id string) (*model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[id]
	if !ok {
		return nil, fmt.Errorf("get auction %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListAuctionsByStatus(_ context.Context, status model.AuctionStatus) ([]model.Auction, error) {
	return s.filterAuctions(func(a *model.Auction) bool { return a.Status == status }), nil
}

func (s *MemoryStore) ListDueToStart(_ context.Context, now time.Time) ([]model.Auction, error) {
	return s.filterAuctions(func(a *model.Auction) bool {
		return a.Status == model.AuctionScheduled && !a.StartTime.After(now)
	}), nil
}

func (s *MemoryStore) ListDueToClose(_ context.Context, now time.Time) ([]model.Auction, error) {
	return s.filterAuctions(func(a *model.Auction) bool {
		return a.Status == model.AuctionActive && !a.CloseAt().After(now)
	}), nil
}

func (s *MemoryStore) filterAuctions(keep func(*model.Auction) bool) []model.Auction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Auction
	for _, a := range s.auctions {
		if keep(a) {
			out = append(out, *a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) ListBids(_ context.Context, auctionID string) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byAuction[auctionID]
	out := make([]model.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.bids[id])
	}
	return out, nil
}

func (s *MemoryStore) ListAwaitingRefund(_ context.Context, limit int) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Bid
	for _, b := range s.bids {
		if b.Status.AwaitingRefund() {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkRefunded(_ context.Context, bidID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bids[bidID]
	if !ok {
		return false, fmt.Errorf("mark refunded %s: %w", bidID, ErrNotFound)
	}
	if !b.Status.AwaitingRefund() {
		return false, nil
	}
	b.Status = model.BidRefunded
	b.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) WithAuctionLock(ctx context.Context, auctionID string, fn func(tx Tx, a *model.Auction) error) error {
	unlock, err := s.lock(ctx, auctionID)
	if err != nil {
		return err
	}
	defer unlock()

	a, err := s.GetAuction(ctx, auctionID)
	if err != nil {
		return err
	}

	tx := &memTx{store: s, auctionID: auctionID, staged: make(map[string]*model.Bid)}
	if err := fn(tx, a); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// lock blocks until the auction's lock is free or ctx is done.
func (s *MemoryStore) lock(ctx context.Context, auctionID string) (func(), error) {
	s.locksMu.Lock()
	ch, ok := s.locks[auctionID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[auctionID] = ch
	}
	s.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	default:
	}

	var expired <-chan time.Time
	if d, ok := lockWait(ctx); ok {
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-expired:
		return nil, fmt.Errorf("lock auction %s: %w", auctionID, ErrLockTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("lock auction %s: %w", auctionID, ErrLockTimeout)
	}
}

// memTx stages writes until fn returns successfully.
type memTx struct {
	store     *MemoryStore
	auctionID string
	auction   *model.Auction
	staged    map[string]*model.Bid
	inserted  []string
}

func (t *memTx) UpdateAuction(_ context.Context, a *model.Auction) error {
	if a.ID != t.auctionID {
		return fmt.Errorf("update auction %s: not the locked auction %s", a.ID, t.auctionID)
	}
	t.auction = a.Clone()
	return nil
}

// bids returns the committed bids of the auction overlaid with staged ones.
func (t *memTx) bids() []model.Bid {
	t.store.mu.RLock()
	ids := t.store.byAuction[t.auctionID]
	out := make([]model.Bid, 0, len(ids)+len(t.inserted))
	for _, id := range ids {
		b := *t.store.bids[id]
		if staged, ok := t.staged[id]; ok {
			b = *staged
		}
		out = append(out, b)
	}
	t.store.mu.RUnlock()

	for _, id := range t.inserted {
		out = append(out, *t.staged[id])
	}
	return out
}

func (t *memTx) ActiveBid(_ context.Context) (*model.Bid, error) {
	for _, b := range t.bids() {
		if b.Status == model.BidActive {
			bid := b
			return &bid, nil
		}
	}
	return nil, nil
}

func (t *memTx) BidsWithStatus(_ context.Context, statuses ...model.BidStatus) ([]model.Bid, error) {
	var out []model.Bid
	for _, b := range t.bids() {
		for _, st := range statuses {
			if b.Status == st {
				out = append(out, b)
				break
			}
		}
	}
	return out, nil
}

func (t *memTx) InsertBid(_ context.Context, b *model.Bid) error {
	if b.AuctionID != t.auctionID {
		return fmt.Errorf("insert bid %s: auction %s is not locked", b.ID, b.AuctionID)
	}
	if b.Status == model.BidActive {
		if active, _ := t.ActiveBid(context.Background()); active != nil {
			return fmt.Errorf("insert bid %s: auction %s already has active bid %s", b.ID, t.auctionID, active.ID)
		}
	}
	c := *b
	t.staged[b.ID] = &c
	t.inserted = append(t.inserted, b.ID)
	return nil
}

func (t *memTx) SetBidStatus(_ context.Context, bidID string, status model.BidStatus) error {
	if staged, ok := t.staged[bidID]; ok {
		staged.Status = status
		return nil
	}

	t.store.mu.RLock()
	b, ok := t.store.bids[bidID]
	var c model.Bid
	if ok {
		c = *b
	}
	t.store.mu.RUnlock()

	if !ok || c.AuctionID != t.auctionID {
		return fmt.Errorf("set bid status %s: %w", bidID, ErrNotFound)
	}
	if !c.Status.CanMoveTo(status) {
		return nil
	}
	c.Status = status
	t.staged[bidID] = &c
	return nil
}

func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if t.auction != nil {
		s.auctions[t.auctionID] = t.auction
	}

	inserted := make(map[string]bool, len(t.inserted))
	for _, id := range t.inserted {
		inserted[id] = true
		s.byAuction[t.auctionID] = append(s.byAuction[t.auctionID], id)
	}
	for id, b := range t.staged {
		if !inserted[id] {
			// MarkRefunded does not take the auction lock, so the bid may
			// have moved on since it was staged.
			if cur := s.bids[id]; !cur.Status.CanMoveTo(b.Status) {
				continue
			}
			b.UpdatedAt = now
		}
		s.bids[id] = b
	}
}
