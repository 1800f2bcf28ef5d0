package signaling

import (
	"context"
	"errors"
)

// ErrBusClosed is returned when publishing on or subscribing to a closed bus
var ErrBusClosed = errors.New("signaling bus closed")

// Bus is a topic-based best-effort broadcast transport. Publish delivers to
// whoever is subscribed at that moment; there is no queueing or replay for
// subscribers that come later.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription is a live feed of raw frames published on one topic.
// Messages is closed after Close, or when the subscribing context ends.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}
