package signaling

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"storylab-backend/pkg/constants"
	"storylab-backend/pkg/logger"
)

// MemoryBus fans frames out to in-process subscribers. It backs tests and
// single-node deployments; a full subscriber queue drops the frame.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySubscription]struct{}
	closed bool
	buffer int
}

type memorySubscription struct {
	bus   *MemoryBus
	topic string
	ch    chan []byte
	done  chan struct{}
	once  sync.Once
}

// NewMemoryBus creates an empty bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		topics: make(map[string]map[*memorySubscription]struct{}),
		buffer: constants.SubscriptionBuffer,
	}
}

// Publish delivers payload to every current subscriber of topic, the
// publisher's own subscriptions included.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	for sub := range b.topics[topic] {
		frame := make([]byte, len(payload))
		copy(frame, payload)

		select {
		case sub.ch <- frame:
		default:
			logger.Warn("Dropping signaling frame for slow subscriber",
				zap.String("topic", topic))
		}
	}
	return nil
}

// Subscribe registers a subscriber on topic until Close or ctx is done
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:   b,
		topic: topic,
		ch:    make(chan []byte, b.buffer),
		done:  make(chan struct{}),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySubscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Subscribers returns the number of live subscriptions on topic
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close ends every subscription and rejects further use
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySubscription
	for _, set := range b.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if set, ok := s.bus.topics[s.topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.topics, s.topic)
			}
		}
		close(s.ch)
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}
