// Package cachebus fans encoding cache invalidations out to every API instance
// sharing a Redis server.
package cachebus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel is the Redis pub/sub channel carrying invalidations.
const Channel = "faceattend:cache:invalidate"

// Bus publishes and receives invalidations. A Bus without a client is a no-op.
type Bus struct {
	client *redis.Client
	origin string
	log    *zap.Logger
}

// New creates a bus. client may be nil when Redis is not configured.
func New(client *redis.Client, log *zap.Logger) *Bus {
	return &Bus{client: client, origin: uuid.NewString(), log: log}
}

// Enabled reports whether the bus talks to Redis.
func (b *Bus) Enabled() bool { return b != nil && b.client != nil }

// Publish announces that this instance invalidated its cache.
func (b *Bus) Publish(ctx context.Context) error {
	if !b.Enabled() {
		return nil
	}
	return b.client.Publish(ctx, Channel, b.origin).Err()
}

// Listen calls invalidate for every message published by another instance.
// It blocks until ctx is done.
func (b *Bus) Listen(ctx context.Context, invalidate func()) error {
	if !b.Enabled() {
		<-ctx.Done()
		return nil
	}
	sub := b.client.Subscribe(ctx, Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == b.origin {
				continue
			}
			b.log.Debug("remote cache invalidation", zap.String("origin", msg.Payload))
			invalidate()
		}
	}
}

// Local is the in-process cache being kept coherent.
type Local interface {
	Invalidate()
}

// Notifier invalidates the local cache synchronously and then tells the other
// instances.
type Notifier struct {
	Local Local
	Bus   *Bus
	Log   *zap.Logger
}

// Invalidate implements samples.Invalidator.
func (n *Notifier) Invalidate() {
	n.Local.Invalidate()
	if !n.Bus.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.Bus.Publish(ctx); err != nil {
		n.Log.Warn("publish cache invalidation failed", zap.Error(err))
	}
}
