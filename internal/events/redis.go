package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "engine:events:"

func Channel(tenantID string) string {
	return channelPrefix + tenantID
}

// RedisPublisher sends events to Redis so every engine instance can forward
// them to its own websocket clients.
type RedisPublisher struct {
	rdb *redis.Client
}

var _ Publisher = (*RedisPublisher)(nil)

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, Channel(e.TenantID), b).Err()
}

// RedisRelay forwards events published by any instance into a local Bus.
type RedisRelay struct {
	rdb    *redis.Client
	bus    *Bus
	logger *slog.Logger
}

func NewRedisRelay(rdb *redis.Client, bus *Bus, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{rdb: rdb, bus: bus, logger: logger}
}

// Run blocks until ctx is done or the subscription fails.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	r.logger.Info("event relay subscribed", "pattern", channelPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				r.logger.Warn("event relay: bad payload", "channel", msg.Channel, "error", err)
				continue
			}
			if e.TenantID == "" {
				e.TenantID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			_ = r.bus.Publish(ctx, e)
		}
	}
}
