package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/auction-engine/internal/model"
)

// fillScript caches an auction row only if no locked write has committed
// since the reader sampled the generation.
// KEYS[1] row, KEYS[2] generation; ARGV[1] sampled generation, ARGV[2] row, ARGV[3] ttl ms.
var fillScript = redis.NewScript(`
if (redis.call('GET', KEYS[2]) or '0') ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// generationTTL bounds how long an idle auction's generation key lives.
const generationTTL = 24 * time.Hour

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for auction reads. Locked writes go to the primary store and
// invalidate the cache after commit; reads check Redis first then fall
// back to the primary.
//
// The bid engine re-reads the auction under its row lock, so a stale
// cached row can only affect snapshot reads and the unlocked pre-check.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	if err := s.primary.CreateAuction(ctx, a); err != nil {
		return err
	}
	s.cacheAuction(ctx, a)
	return nil
}

func (s *CachedStore) WithAuctionLock(ctx context.Context, auctionID string, fn func(tx Tx, a *model.Auction) error) error {
	if err := s.primary.WithAuctionLock(ctx, auctionID, fn); err != nil {
		return err
	}
	// Bump the generation so a reader that loaded the pre-commit row
	// cannot cache it, then invalidate.
	wctx := context.WithoutCancel(ctx)
	_, _ = s.rdb.TxPipelined(wctx, func(p redis.Pipeliner) error {
		p.Incr(wctx, generationKey(auctionID))
		p.Expire(wctx, generationKey(auctionID), generationTTL)
		p.Del(wctx, auctionKey(auctionID))
		return nil
	})
	return nil
}

func (s *CachedStore) MarkRefunded(ctx context.Context, bidID string) (bool, error) {
	return s.primary.MarkRefunded(ctx, bidID)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, auctionKey(id)).Bytes()
	if err == nil {
		var a model.Auction
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: sample the generation, then read from primary.
	gen, err := s.rdb.Get(ctx, generationKey(id)).Result()
	switch {
	case err == redis.Nil:
		gen = "0"
	case err != nil:
		gen = ""
	}

	a, err := s.primary.GetAuction(ctx, id)
	if err != nil {
		return nil, err
	}

	if gen != "" {
		s.fillAuction(ctx, a, gen)
	}
	return a, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAuctionsByStatus(ctx context.Context, status model.AuctionStatus) ([]model.Auction, error) {
	return s.primary.ListAuctionsByStatus(ctx, status)
}

func (s *CachedStore) ListDueToStart(ctx context.Context, now time.Time) ([]model.Auction, error) {
	return s.primary.ListDueToStart(ctx, now)
}

func (s *CachedStore) ListDueToClose(ctx context.Context, now time.Time) ([]model.Auction, error) {
	return s.primary.ListDueToClose(ctx, now)
}

func (s *CachedStore) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	return s.primary.ListBids(ctx, auctionID)
}

func (s *CachedStore) ListAwaitingRefund(ctx context.Context, limit int) ([]model.Bid, error) {
	return s.primary.ListAwaitingRefund(ctx, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAuction(ctx context.Context, a *model.Auction) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, auctionKey(a.ID), data, s.ttl)
	}
}

func (s *CachedStore) fillAuction(ctx context.Context, a *model.Auction, gen string) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	fillScript.Run(ctx, s.rdb,
		[]string{auctionKey(a.ID), generationKey(a.ID)},
		gen, data, s.ttl.Milliseconds())
}

func auctionKey(id string) string    { return fmt.Sprintf("auction:{%s}", id) }
func generationKey(id string) string { return fmt.Sprintf("auction:{%s}:gen", id) }
