package main

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.livestore.dev/core/pubsub"
)

// announcer is an index.Publisher for one-shot commands. It dials a single
// Conn upon first use, rather than serving a reconnecting pubsub.Client.
type announcer struct {
	transport pubsub.Transport

	mu   sync.Mutex
	conn pubsub.Conn
	sent int
}

func (a *announcer) Publish(ctx context.Context, topic string, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		var conn, err = a.transport.Dial(ctx)
		if err != nil {
			return errors.WithMessage(err, "dialing pubsub transport")
		}
		a.conn = conn
	}
	if err := a.conn.Publish(ctx, pubsub.Message{Topic: topic, Payload: payload}); err != nil {
		return errors.WithMessagef(err, "publishing %s", topic)
	}
	a.sent++
	return nil
}

// Close the Conn, if one was dialed, returning the number of announcements.
func (a *announcer) Close() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return a.sent, nil
	}
	var err = a.conn.Close()
	a.conn = nil
	return a.sent, err
}
