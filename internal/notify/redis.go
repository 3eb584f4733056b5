// Package notify keeps the per-trip dedupe flags used by the notification
// sender. Tracking only clears them at session boundaries so every session
// may notify again.
package notify

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "notify:trip"

func Connect(addr, password string) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}

// RedisFlags stores one key per (trip, flag).
type RedisFlags struct {
	client *redis.Client
	prefix string
}

func NewRedisFlags(client *redis.Client, prefix string) *RedisFlags {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisFlags{client: client, prefix: prefix}
}

func (f *RedisFlags) key(tripID, flag string) string {
	return fmt.Sprintf("%s:%s:%s", f.prefix, tripID, flag)
}

// ClearTripNotificationFlags deletes every flag of the trip.
func (f *RedisFlags) ClearTripNotificationFlags(ctx context.Context, tripID string) error {
	pattern := f.key(tripID, "*")
	var cursor uint64
	for {
		keys, next, err := f.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return errors.Wrap(err, "scan notification flags")
		}
		if len(keys) > 0 {
			if err := f.client.Del(ctx, keys...).Err(); err != nil {
				return errors.Wrap(err, "delete notification flags")
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (f *RedisFlags) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}
