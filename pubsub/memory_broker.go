package pubsub

import (
	"context"
	"errors"
	"sync"

	"go.livestore.dev/core/topic"
)

// MemoryBroker is an in-process Transport for testing. Each Dial returns a
// new connection to the shared broker, and messages published by any
// connection are delivered to all connections with a matching subscription,
// including the publisher's own. Connections may be dropped with Disconnect,
// and dialing prevented with SetOffline.
type MemoryBroker struct {
	mu        sync.Mutex
	conns     map[*memoryConn]struct{}
	offline   bool
	published []Message
}

// NewMemoryBroker returns an online MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{conns: make(map[*memoryConn]struct{})}
}

// Dial a new connection to the MemoryBroker.
func (b *MemoryBroker) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.offline {
		return nil, ErrBrokerOffline
	}
	var c = &memoryConn{
		broker:   b,
		out:      make(chan Message),
		patterns: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	b.conns[c] = struct{}{}
	go c.pump()

	return c, nil
}

// Publish |msg| to all connections subscribed to a matching pattern,
// as though it were published by another client.
func (b *MemoryBroker) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published = append(b.published, msg)
	for c := range b.conns {
		c.deliver(msg)
	}
}

// Published returns all messages published through the MemoryBroker, in order.
func (b *MemoryBroker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// Connections returns the number of open connections.
func (b *MemoryBroker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Disconnect drops all current connections.
func (b *MemoryBroker) Disconnect() {
	b.mu.Lock()
	var conns = b.conns
	b.conns = make(map[*memoryConn]struct{})
	b.mu.Unlock()

	for c := range conns {
		c.shutdown()
	}
}

// SetOffline toggles whether the broker is reachable. Going offline drops
// all current connections, and Dial fails until the broker is online again.
func (b *MemoryBroker) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	b.mu.Unlock()

	if offline {
		b.Disconnect()
	}
}

type memoryConn struct {
	broker *MemoryBroker
	out    chan Message

	mu       sync.Mutex
	patterns map[string]struct{}
	pending  []Message

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *memoryConn) Publish(ctx context.Context, msg Message) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.broker.Publish(msg)
	return nil
}

func (c *memoryConn) Subscribe(ctx context.Context, pattern string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.patterns[pattern] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *memoryConn) Unsubscribe(ctx context.Context, pattern string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.patterns, pattern)
	c.mu.Unlock()
	return nil
}

func (c *memoryConn) Messages() <-chan Message { return c.out }

func (c *memoryConn) Close() error {
	c.broker.mu.Lock()
	delete(c.broker.conns, c)
	c.broker.mu.Unlock()

	c.shutdown()
	return nil
}

func (c *memoryConn) check(ctx context.Context) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
		return ctx.Err()
	}
}

func (c *memoryConn) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// deliver |msg| if it matches a subscribed pattern. It never blocks.
func (c *memoryConn) deliver(msg Message) {
	c.mu.Lock()
	var matched bool
	for pattern := range c.patterns {
		if topic.Match(pattern, msg.Topic) {
			matched = true
			break
		}
	}
	if matched {
		c.pending = append(c.pending, msg)
	}
	c.mu.Unlock()

	if matched {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// pump moves pending messages to |out| until the connection closes.
func (c *memoryConn) pump() {
	defer close(c.out)

	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()

			select {
			case <-c.wake:
				continue
			case <-c.closed:
				return
			}
		}
		var msg = c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		select {
		case c.out <- msg:
		case <-c.closed:
			return
		}
	}
}

var (
	// ErrBrokerOffline is returned when dialing an offline MemoryBroker.
	ErrBrokerOffline = errors.New("broker is offline")
	errConnClosed    = errors.New("connection closed")
)
