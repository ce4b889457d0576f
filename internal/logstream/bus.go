package logstream

import (
	"context"
	"encoding/json"

	"github.com/launchforge/engine/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisChannelPrefix = "logstream:"

// Bus couples the in-process hub with an optional redis pub/sub bridge so
// entries produced in the worker process reach subscribers attached to an
// API replica. Redis delivery is best-effort like the hub itself.
type Bus struct {
	hub *Hub
	rdb *redis.Client
}

// NewBus creates a bus. rdb may be nil for single-process setups and tests.
func NewBus(hub *Hub, rdb *redis.Client) *Bus {
	return &Bus{hub: hub, rdb: rdb}
}

// Publish delivers the entry locally and republishes it over redis.
func (b *Bus) Publish(ctx context.Context, e Entry) {
	b.hub.Publish(e)
	if b.rdb == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		logger.L().Warn("encode log entry for redis failed", zap.Error(err))
		return
	}
	if err := b.rdb.Publish(ctx, redisChannelPrefix+e.Scope, payload).Err(); err != nil {
		logger.L().Warn("redis publish failed", zap.String("scope", e.Scope), zap.Error(err))
	}
}

// Subscribe returns live entries for a scope.
func (b *Bus) Subscribe(scope string) (<-chan Entry, func()) {
	return b.hub.Subscribe(scope)
}

// Run bridges redis-published entries into the local hub until ctx ends.
// Entries published by this process come back around; subscribers dedupe
// by sequence number so the double delivery is harmless.
func (b *Bus) Run(ctx context.Context) {
	if b.rdb == nil {
		return
	}
	ps := b.rdb.PSubscribe(ctx, redisChannelPrefix+"*")
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var e Entry
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				logger.L().Warn("decode redis log entry failed", zap.Error(err))
				continue
			}
			b.hub.Publish(e)
		}
	}
}
