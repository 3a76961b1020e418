package bus

import (
	"context"
	"errors"
)

// ErrConnectionLost is returned by Subscribe when the broker connection drops.
var ErrConnectionLost = errors.New("bus: connection lost")

// Message is one payload received on a topic.
type Message struct {
	Topic   string
	Payload string
}

// Handler is called for every message delivered to a subscription. Handlers
// run on the bus client's delivery goroutine and must not block for long.
type Handler func(Message)

// Bus is a topic-based publish/subscribe transport.
type Bus interface {
	// Subscribe delivers messages on topic to h until ctx is cancelled
	// (returns nil) or the subscription fails (returns the error).
	Subscribe(ctx context.Context, topic string, h Handler) error

	// Publish sends payload on topic.
	Publish(ctx context.Context, topic, payload string) error

	// Close releases the connection.
	Close() error
}
