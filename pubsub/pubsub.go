// Package pubsub maintains a single logical publish/subscribe connection over
// an unreliable Transport. Client re-establishes dropped connections, restores
// subscriptions, and queues publishes made while disconnected.
//
// Delivery is at-least-once with best-effort ordering: consumers must be
// idempotent and tolerate reordering.
package pubsub

import (
	"context"
	"errors"
)

// Message is a payload published under a concrete topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler is invoked with each received Message whose topic matches the
// pattern it was subscribed under. Handlers are called from the Client's
// receive loop and must not block for long.
type Handler func(Message)

// Transport establishes connections to a message broker.
type Transport interface {
	// Dial a new Conn. Dial blocks until the connection is established,
	// fails, or |ctx| is done.
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one physical broker connection. Its methods must be safe for
// concurrent use.
type Conn interface {
	// Publish |msg| to the broker.
	Publish(ctx context.Context, msg Message) error
	// Subscribe to topics matching |pattern|, which may use "+" and "#" wildcards.
	Subscribe(ctx context.Context, pattern string) error
	// Unsubscribe from a previously subscribed |pattern|.
	Unsubscribe(ctx context.Context, pattern string) error
	// Messages returns the channel of messages received over the Conn.
	// It's closed when the connection is lost or closed.
	Messages() <-chan Message
	// Close the connection.
	Close() error
}

// ErrClientClosed is returned by operations of a closed Client.
var ErrClientClosed = errors.New("pubsub client closed")
