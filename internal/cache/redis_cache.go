package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var (
	_ SentRecorder = (*RedisCache)(nil)
	_ Deduper      = (*RedisCache)(nil)
)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

func sentKey(scheduledID string) string {
	return "sched:sent:" + scheduledID
}

func seenKey(tenantID, contact, providerMessageID string) string {
	return fmt.Sprintf("msgseen:%s:%s:%s", tenantID, contact, providerMessageID)
}

func (c *RedisCache) StoreSent(ctx context.Context, scheduledID, remoteMessageID string, sentAt time.Time) error {
	val := sentValue{
		RemoteMessageID: remoteMessageID,
		SentAt:          sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, sentKey(scheduledID), b, c.ttl).Err()
}

// Sent returns the recorded remote id for a scheduled message, if any.
func (c *RedisCache) Sent(ctx context.Context, scheduledID string) (string, time.Time, bool, error) {
	raw, err := c.rdb.Get(ctx, sentKey(scheduledID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}

	var v sentValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", time.Time{}, false, err
	}
	return v.RemoteMessageID, v.SentAt, true, nil
}

func (c *RedisCache) Seen(ctx context.Context, tenantID, contact, providerMessageID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, seenKey(tenantID, contact, providerMessageID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) MarkSeen(ctx context.Context, tenantID, contact, providerMessageID string) error {
	return c.rdb.Set(ctx, seenKey(tenantID, contact, providerMessageID), 1, c.ttl).Err()
}
