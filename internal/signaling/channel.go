package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storylab-backend/pkg/logger"
	"storylab-backend/pkg/metrics"
)

// ErrChannelClosed is returned by Publish after Close
var ErrChannelClosed = errors.New("signaling channel closed")

// Handler receives a message addressed to the local user. Handlers run one
// at a time on the channel's dispatch goroutine; ctx is cancelled on Close.
type Handler func(ctx context.Context, msg Message)

// Channel is one participant's view of a call topic. It decodes frames from
// the bus and dispatches them to handlers registered per event.
type Channel struct {
	bus     Bus
	topic   string
	localID uuid.UUID
	sub     Subscription
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	handlers map[Event]map[uint64]Handler
	nextID   uint64
	closed   bool

	done chan struct{}
}

// Option configures a Channel
type Option func(*Channel)

// WithMetrics counts inbound and outbound messages per event
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// Open subscribes to topic on bus as localUserID
func Open(ctx context.Context, bus Bus, topic string, localUserID uuid.UUID, opts ...Option) (*Channel, error) {
	chCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	sub, err := bus.Subscribe(chCtx, topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open signaling channel %s: %w", topic, err)
	}

	c := &Channel{
		bus:      bus,
		topic:    topic,
		localID:  localUserID,
		sub:      sub,
		ctx:      chCtx,
		cancel:   cancel,
		handlers: make(map[Event]map[uint64]Handler),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.dispatchLoop()

	return c, nil
}

// Topic returns the bus topic this channel is bound to
func (c *Channel) Topic() string {
	return c.topic
}

// LocalUserID returns the user the channel filters for
func (c *Channel) LocalUserID() uuid.UUID {
	return c.localID
}

// Publish encodes msg and sends it to every subscriber of the topic.
// Delivery is best-effort and unacknowledged.
func (c *Channel) Publish(ctx context.Context, msg Message) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrChannelClosed
	}

	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	if err := c.bus.Publish(ctx, c.topic, frame); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Event(), err)
	}

	if c.metrics != nil {
		c.metrics.RecordSignalingMessage(string(msg.Event()), "out")
	}
	return nil
}

// Subscribe registers h for messages of event. Targeted events reach h only
// when addressed to the local user; user-joined reaches h for every other
// user. The returned func removes the handler.
func (c *Channel) Subscribe(event Event, h Handler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.handlers[event][id] = h

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

// Close drops every handler and ends the bus subscription. It does not wait
// for a handler that is currently running.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handlers = make(map[Event]map[uint64]Handler)
	c.mu.Unlock()

	c.cancel()
	return c.sub.Close()
}

// Done is closed once the dispatch goroutine has exited
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) dispatchLoop() {
	defer close(c.done)

	for frame := range c.sub.Messages() {
		msg, err := Decode(frame)
		if err != nil {
			logger.Warn("Discarding invalid signaling frame",
				zap.String("topic", c.topic),
				zap.Error(err))
			continue
		}

		if !c.accepts(msg) {
			continue
		}

		if c.metrics != nil {
			c.metrics.RecordSignalingMessage(string(msg.Event()), "in")
		}

		for _, h := range c.handlersFor(msg.Event()) {
			h(c.ctx, msg)
		}
	}
}

func (c *Channel) accepts(msg Message) bool {
	if msg.Event() == EventUserJoined {
		return msg.From() != c.localID
	}
	return msg.Target() == c.localID
}

func (c *Channel) handlersFor(event Event) []Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil
	}
	hs := make([]Handler, 0, len(c.handlers[event]))
	for _, h := range c.handlers[event] {
		hs = append(hs, h)
	}
	return hs
}
