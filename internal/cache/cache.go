// Package cache is the Redis side of ephemeral state shared across instances.
//
// Key layout:
//   - im:presence:{userID} -> deviceID (String, TTL = presence TTL)
//   - im:unread:{userID}   -> Hash(roomID -> unread count)
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// decrFloorZero decrements a hash field without letting it go negative.
var decrFloorZero = redis.NewScript(`
local v = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if v <= 1 then
  redis.call('HDEL', KEYS[1], ARGV[1])
  return 0
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
`)

type Cache struct {
	rdb redis.UniversalClient
}

// Connect dials addr and verifies the connection with PING.
func Connect(ctx context.Context, addr string) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb), nil
}

func New(rdb redis.UniversalClient) *Cache {
	return &Cache{rdb: rdb}
}

func (c *Cache) ensure() error {
	if c == nil || c.rdb == nil {
		return errors.New("redis client is nil")
	}
	return nil
}

func presenceKey(userID int64) string { return fmt.Sprintf("im:presence:%d", userID) }

func unreadKey(userID int64) string { return fmt.Sprintf("im:unread:%d", userID) }

func (c *Cache) SetPresence(ctx context.Context, userID int64, deviceID string, ttl time.Duration) error {
	if err := c.ensure(); err != nil {
		return err
	}
	return c.rdb.Set(ctx, presenceKey(userID), deviceID, ttl).Err()
}

// PresenceDevice returns the device that last touched presence for userID.
func (c *Cache) PresenceDevice(ctx context.Context, userID int64) (string, bool, error) {
	if err := c.ensure(); err != nil {
		return "", false, err
	}
	v, err := c.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *Cache) IncrUnread(ctx context.Context, userID, roomID int64) (int64, error) {
	if err := c.ensure(); err != nil {
		return 0, err
	}
	return c.rdb.HIncrBy(ctx, unreadKey(userID), strconv.FormatInt(roomID, 10), 1).Result()
}

func (c *Cache) DecrUnread(ctx context.Context, userID, roomID int64) (int64, error) {
	if err := c.ensure(); err != nil {
		return 0, err
	}
	return decrFloorZero.Run(ctx, c.rdb, []string{unreadKey(userID)}, strconv.FormatInt(roomID, 10)).Int64()
}

// Unread returns roomID -> count for userID.
func (c *Cache) Unread(ctx context.Context, userID int64) (map[int64]int64, error) {
	if err := c.ensure(); err != nil {
		return nil, err
	}
	raw, err := c.rdb.HGetAll(ctx, unreadKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(raw))
	for field, value := range raw {
		roomID, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		out[roomID] = n
	}
	return out, nil
}

func (c *Cache) Ping(ctx context.Context) error {
	if err := c.ensure(); err != nil {
		return err
	}
	return c.rdb.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
