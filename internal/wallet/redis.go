package wallet

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// reserveScript atomically checks the balance and records the hold.
// KEYS[1] balance, KEYS[2] hold; ARGV[1] amount.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 1
end
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if balance < amount then
	return 0
end
redis.call('DECRBY', KEYS[1], amount)
redis.call('HSET', KEYS[2], 'amount', amount, 'state', 'held')
return 1
`)

// releaseScript credits a hold back exactly once.
// KEYS[1] balance, KEYS[2] hold.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'state') ~= 'held' then
	return 0
end
redis.call('INCRBY', KEYS[1], redis.call('HGET', KEYS[2], 'amount'))
redis.call('HSET', KEYS[2], 'state', 'released')
return 1
`)

// RedisWallet implements Wallet on Redis. Balances and holds of one user
// share a hash tag so the scripts stay single-slot on a cluster.
type RedisWallet struct {
	rdb *redis.Client
}

// NewRedisWallet creates a Redis-backed wallet.
func NewRedisWallet(rdb *redis.Client) *RedisWallet {
	return &RedisWallet{rdb: rdb}
}

func balanceKey(userID string) string   { return fmt.Sprintf("wallet:{%s}:balance", userID) }
func holdKey(userID, ref string) string { return fmt.Sprintf("wallet:{%s}:hold:%s", userID, ref) }

// Deposit credits amount to userID.
func (w *RedisWallet) Deposit(ctx context.Context, userID string, amount int64) error {
	return w.rdb.IncrBy(ctx, balanceKey(userID), amount).Err()
}

// Balance returns userID's available balance.
func (w *RedisWallet) Balance(ctx context.Context, userID string) (int64, error) {
	n, err := w.rdb.Get(ctx, balanceKey(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (w *RedisWallet) Reserve(ctx context.Context, userID string, amount int64, ref string) error {
	ok, err := reserveScript.Run(ctx, w.rdb,
		[]string{balanceKey(userID), holdKey(userID, ref)}, amount).Int()
	if err != nil {
		return fmt.Errorf("reserve %d for %s: %w", amount, userID, err)
	}
	if ok == 0 {
		return fmt.Errorf("reserve %d for %s: %w", amount, userID, ErrInsufficientBalance)
	}
	return nil
}

func (w *RedisWallet) Release(ctx context.Context, userID string, _ int64, ref string) error {
	if err := releaseScript.Run(ctx, w.rdb,
		[]string{balanceKey(userID), holdKey(userID, ref)}).Err(); err != nil {
		return fmt.Errorf("release %s for %s: %w", ref, userID, err)
	}
	return nil
}
