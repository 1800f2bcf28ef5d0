package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"storylab-backend/pkg/constants"
	"storylab-backend/pkg/logger"
)

// RedisBus carries frames over Redis Pub/Sub, so participants connected to
// different call-service nodes share a topic.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus wraps an existing client
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish sends payload on the Redis channel named topic
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe subscribes to the Redis channel named topic and waits for the
// subscription to be confirmed before returning.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, topic)

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan []byte, constants.SubscriptionBuffer),
	}
	go sub.pump(ctx, topic)

	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []byte
	once   sync.Once
}

func (s *redisSubscription) pump(ctx context.Context, topic string) {
	defer close(s.out)

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			select {
			case s.out <- []byte(msg.Payload):
			default:
				logger.Warn("Dropping signaling frame for slow subscriber",
					zap.String("topic", topic))
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}
