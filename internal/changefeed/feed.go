// Package changefeed streams call record changes between services over the
// signaling bus.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"storylab-backend/internal/domain"
	"storylab-backend/internal/signaling"
	"storylab-backend/pkg/constants"
	"storylab-backend/pkg/logger"
)

// Handler receives one decoded change
type Handler func(ctx context.Context, change domain.CallChange)

// Feed publishes and consumes domain.CallChange events on one bus topic
type Feed struct {
	bus   signaling.Bus
	topic string
}

// New creates a feed on the default call changes topic
func New(bus signaling.Bus) *Feed {
	return &Feed{bus: bus, topic: constants.CallChangesTopic}
}

// Publish encodes change as JSON and publishes it
func (f *Feed) Publish(ctx context.Context, change domain.CallChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal call change: %w", err)
	}
	return f.bus.Publish(ctx, f.topic, payload)
}

// Subscribe calls h for every change until ctx is done or stop is called.
// h runs on a single goroutine, in arrival order.
func (f *Feed) Subscribe(ctx context.Context, h Handler) (stop func(), err error) {
	ctx, cancel := context.WithCancel(ctx)

	sub, err := f.bus.Subscribe(ctx, f.topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to call changes: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for payload := range sub.Messages() {
			var change domain.CallChange
			if err := json.Unmarshal(payload, &change); err != nil {
				logger.Warn("Discarding invalid call change",
					zap.String("topic", f.topic),
					zap.Error(err))
				continue
			}
			h(ctx, change)
		}
	}()

	return func() {
		cancel()
		sub.Close()
		<-done
	}, nil
}
