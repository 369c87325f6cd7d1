package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ChannelPrefix prefixes the per-auction Redis pub/sub channel.
const ChannelPrefix = "auction-updates:"

// RedisPublisher publishes updates on Redis so every engine instance's
// Relay can deliver them to its own WebSocket viewers.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher creates a Redis-backed publisher.
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, ChannelPrefix+u.AuctionID, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", u.AuctionID, err)
	}
	return nil
}

// Relay forwards updates received on Redis to a local Publisher,
// normally the Hub.
type Relay struct {
	rdb    *redis.Client
	local  Publisher
	logger zerolog.Logger
}

// NewRelay creates a relay from Redis to local.
func NewRelay(rdb *redis.Client, local Publisher, logger zerolog.Logger) *Relay {
	return &Relay{rdb: rdb, local: local, logger: logger}
}

// Run subscribes to every auction channel and forwards until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.PSubscribe(ctx, ChannelPrefix+"*")
	defer sub.Close()

	// Wait for the subscription to be confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s*: %w", ChannelPrefix, err)
	}
	r.logger.Info().Str("pattern", ChannelPrefix+"*").Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(ctx, msg)
		}
	}
}

func (r *Relay) forward(ctx context.Context, msg *redis.Message) {
	var u Update
	if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
		r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("undecodable update")
		return
	}
	if u.AuctionID == "" {
		u.AuctionID = strings.TrimPrefix(msg.Channel, ChannelPrefix)
	}
	if err := r.local.Publish(ctx, u); err != nil {
		r.logger.Debug().Err(err).Str("auction_id", u.AuctionID).Msg("relay delivery dropped")
	}
}
