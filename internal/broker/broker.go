// Package broker abstracts the message transport between the outbox relay
// and the consumer workers. Delivery is at-least-once: a handler error leaves
// the message unacknowledged and the driver redelivers it.
package broker

import "context"

// Default topic names. The relay publishes continuations to TopicIn; emit
// tasks publish CloudEvents to TopicOut.
const (
	DefaultTopicIn  = "workflows-in"
	DefaultTopicOut = "workflows-out"
)

// Handler processes one delivery. A nil return acknowledges the message; an
// error leaves it unacknowledged for redelivery.
type Handler func(ctx context.Context, payload []byte) error

// Broker is a durable publish/consume transport.
type Broker interface {
	// Publish enqueues one message on the topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Consume blocks delivering messages to h until ctx is cancelled.
	Consume(ctx context.Context, topic string, h Handler) error

	// Ping verifies connectivity to the underlying transport.
	Ping(ctx context.Context) error

	Close() error
}
