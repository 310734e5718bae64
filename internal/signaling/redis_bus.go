package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peercall-backend/internal/database"
	"peercall-backend/internal/domain"
	"peercall-backend/pkg/logger"
)

// RedisBus routes signaling messages over Redis Pub/Sub so the two parties
// of a call can live on different service instances.
type RedisBus struct {
	redis *database.RedisClient
}

// NewRedisBus creates a Redis-backed signaling bus.
func NewRedisBus(redis *database.RedisClient) *RedisBus {
	return &RedisBus{redis: redis}
}

// Publish marshals and publishes a message to a topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, msg *domain.SignalingMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal signaling message: %w", err)
	}
	if err := b.redis.SafePublish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish signaling message: %w", err)
	}
	return nil
}

// Subscribe opens a Pub/Sub subscription on a topic. The returned
// subscription's channel closes when ctx is cancelled or the connection
// drops.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := b.redis.SafeSubscribe(ctx, topic)
	if pubsub == nil {
		return nil, fmt.Errorf("redis is in degraded mode, subscribe skipped")
	}

	// Force the subscription onto the wire before returning so a message
	// published right after Subscribe is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan *domain.SignalingMessage, 64),
	}
	go sub.pump(ctx, topic)
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan *domain.SignalingMessage
}

func (s *redisSubscription) pump(ctx context.Context, topic string) {
	defer close(s.out)
	ch := s.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg domain.SignalingMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				logger.Warn("dropping malformed signaling message",
					zap.String("topic", topic),
					zap.Error(err))
				continue
			}
			select {
			case s.out <- &msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan *domain.SignalingMessage {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
