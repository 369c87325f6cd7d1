// Package directory resolves bidder ids to the display names shown to live
// viewers. Lookups are best-effort: an unknown user yields "".
package directory

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Directory looks up user display names.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Static is an in-memory Directory.
type Static struct {
	mu    sync.RWMutex
	names map[string]string
}

// NewStatic creates a Static directory seeded with names.
func NewStatic(names map[string]string) *Static {
	s := &Static{names: make(map[string]string, len(names))}
	for id, n := range names {
		s.names[id] = n
	}
	return s
}

// Set records a display name.
func (s *Static) Set(userID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[userID] = name
}

func (s *Static) DisplayName(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.names[userID], nil
}

// HashKey is the Redis hash mapping user id to display name.
const HashKey = "users:display_name"

// Redis reads display names from a Redis hash maintained by the user
// service.
type Redis struct {
	rdb *redis.Client
}

// NewRedis creates a Redis-backed directory.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (d *Redis) DisplayName(ctx context.Context, userID string) (string, error) {
	name, err := d.rdb.HGet(ctx, HashKey, userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return name, err
}
