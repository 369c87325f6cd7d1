package auction_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/broadcast"
	"github.com/atmx/auction-engine/internal/directory"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
	"github.com/atmx/auction-engine/internal/wallet"
)

// T is the scenario's regular end time.
var T = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// recorder is a Publisher that keeps every update.
type recorder struct {
	mu      sync.Mutex
	updates []broadcast.Update
	fail    bool
}

func (r *recorder) Publish(_ context.Context, u broadcast.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("channel down")
	}
	r.updates = append(r.updates, u)
	return nil
}

func (r *recorder) ofType(typ string) []broadcast.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast.Update
	for _, u := range r.updates {
		if u.Type == typ {
			out = append(out, u)
		}
	}
	return out
}

// flakyWallet fails releases while failRelease is set.
type flakyWallet struct {
	*wallet.MemoryWallet
	failRelease atomic.Bool
}

func (w *flakyWallet) Release(ctx context.Context, userID string, amount int64, ref string) error {
	if w.failRelease.Load() {
		return errors.New("wallet unavailable")
	}
	return w.MemoryWallet.Release(ctx, userID, amount, ref)
}

type testEnv struct {
	engine *auction.Engine
	store  *store.MemoryStore
	wallet *flakyWallet
	pub    *recorder
	clock  *clock
}

func testConfig() auction.Config {
	cfg := auction.DefaultConfig()
	cfg.LockTimeout = time.Second
	return cfg
}

func newTestEnv(t *testing.T, cfg auction.Config) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  store.NewMemoryStore(),
		wallet: &flakyWallet{MemoryWallet: wallet.NewMemoryWallet()},
		pub:    &recorder{},
		clock:  &clock{t: T.Add(-time.Hour)},
	}
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		env.wallet.Deposit(u, 10_000)
	}
	env.engine = auction.New(env.store, env.wallet, env.pub, cfg,
		auction.WithClock(env.clock.Now),
		auction.WithDirectory(directory.NewStatic(map[string]string{"bob": "Bob B."})),
	)
	t.Cleanup(env.engine.Stop)
	return env
}

// activeAuction creates an auction running from T-30m to T and activates it.
func (env *testEnv) activeAuction(t *testing.T) *model.Auction {
	t.Helper()
	ctx := context.Background()
	a, err := env.engine.CreateAuction(ctx, auction.CreateParams{
		Title:          "signed jersey",
		StartingPrice:  10,
		StartTime:      T.Add(-30 * time.Minute),
		RegularEndTime: T,
	})
	require.NoError(t, err)

	env.clock.Set(T.Add(-10 * time.Minute))
	_, err = env.engine.Activate(ctx, a.ID, env.clock.Now(), auction.SourceAdmin)
	require.NoError(t, err)

	got, err := env.store.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, model.AuctionActive, got.Status)
	return got
}

func (env *testEnv) bidAt(at time.Time, auctionID, bidder string, amount int64) (*auction.BidResult, error) {
	env.clock.Set(at)
	return env.engine.PlaceBid(context.Background(), auction.BidRequest{
		AuctionID: auctionID,
		BidderID:  bidder,
		Amount:    amount,
	})
}

func (env *testEnv) bidStatuses(t *testing.T, auctionID string) map[string]model.BidStatus {
	t.Helper()
	bids, err := env.store.ListBids(context.Background(), auctionID)
	require.NoError(t, err)
	out := make(map[string]model.BidStatus, len(bids))
	for _, b := range bids {
		out[b.ID] = b.Status
	}
	return out
}

func requireRejection(t *testing.T, err error, code auction.Code) {
	t.Helper()
	rej, ok := auction.AsRejection(err)
	require.Truef(t, ok, "expected rejection %s, got %v", code, err)
	require.Equal(t, code, rej.Code)
}
