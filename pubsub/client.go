package pubsub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.livestore.dev/core/metrics"
	"go.livestore.dev/core/topic"
)

// DefaultRetryDelay is the fixed delay between reconnection attempts.
const DefaultRetryDelay = 2 * time.Second

// Client is a reconnecting publish/subscribe client. A Client is inert until
// Serve is called, though Subscribe and Publish may be used at any time:
// subscriptions are established and queued publishes are delivered once a
// connection is.
type Client struct {
	// ID uniquely identifies this Client.
	ID string
	// RetryDelay between reconnection attempts. It never grows.
	RetryDelay time.Duration

	transport Transport
	done      chan struct{}

	mu sync.Mutex
	// Current connection, or nil if disconnected.
	conn Conn
	// Whether |conn| has restored subscriptions and drained the queue.
	ready bool
	// Publishes awaiting delivery, in FIFO order.
	queue  []Message
	subs   map[uint64]*subscription
	refs   map[string]int // Active subscriptions of each pattern.
	states map[uint64]func(bool)
	nextID uint64
	closed bool
}

type subscription struct {
	pattern string
	handler Handler
}

// NewClient returns a Client which connects using |transport|.
func NewClient(transport Transport) *Client {
	return &Client{
		ID:         uuid.New().String(),
		RetryDelay: DefaultRetryDelay,
		transport:  transport,
		done:       make(chan struct{}),
		subs:       make(map[uint64]*subscription),
		refs:       make(map[string]int),
		states:     make(map[uint64]func(bool)),
	}
}

// Serve the Client, dialing and re-dialing connections until |ctx| is done
// or the Client is closed. Serve returns nil if |ctx| is done, and
// ErrClientClosed if the Client was closed.
func (c *Client) Serve(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if attempt != 0 {
			metrics.PubSubReconnectsTotal.Inc()
		}

		var conn, err = c.transport.Dial(ctx)
		if err == nil {
			err = c.serveConn(ctx, conn)
		}

		select {
		case <-c.done:
			return ErrClientClosed
		case <-ctx.Done():
			return nil
		default:
		}

		log.WithFields(log.Fields{
			"err":     err,
			"attempt": attempt,
			"client":  c.ID,
			"delay":   c.RetryDelay,
		}).Warn("pubsub connection failed (will retry)")

		select {
		case <-c.done:
			return ErrClientClosed
		case <-ctx.Done():
			return nil
		case <-time.After(c.RetryDelay):
		}
	}
}

// serveConn restores subscriptions over |conn|, drains the publish queue,
// and then dispatches received messages until the connection is lost.
func (c *Client) serveConn(ctx context.Context, conn Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}
	// Subscribe calls made from here on will use |conn| directly.
	c.conn = conn
	var patterns = make([]string, 0, len(c.refs))
	for pattern := range c.refs {
		patterns = append(patterns, pattern)
	}
	c.mu.Unlock()

	var err = c.restore(ctx, conn, patterns)
	if err == nil {
		c.notifyState(true)
		log.WithFields(log.Fields{"client": c.ID, "patterns": len(patterns)}).
			Info("pubsub connected")

		err = c.receive(ctx, conn)
		c.disconnect(conn)
		c.notifyState(false)
	} else {
		c.disconnect(conn)
	}
	return err
}

func (c *Client) restore(ctx context.Context, conn Conn, patterns []string) error {
	for _, pattern := range patterns {
		if err := conn.Subscribe(ctx, pattern); err != nil {
			return err
		}
	}
	// Drain the queue in order, including publishes which arrive while
	// draining. A failed publish remains at the queue head.
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.ready = true
			c.mu.Unlock()
			return nil
		}
		var msg = c.queue[0]
		c.mu.Unlock()

		if err := conn.Publish(ctx, msg); err != nil {
			metrics.PubSubPublishedTotal.WithLabelValues(metrics.Fail).Inc()
			return err
		}
		metrics.PubSubPublishedTotal.WithLabelValues(metrics.Ok).Inc()

		c.mu.Lock()
		c.queue = c.queue[1:]
		metrics.PubSubQueueDepth.Set(float64(len(c.queue)))
		c.mu.Unlock()
	}
}

func (c *Client) receive(ctx context.Context, conn Conn) error {
	var ch = conn.Messages()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return errConnectionLost
			}
			metrics.PubSubReceivedTotal.Inc()
			c.dispatch(msg)
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClientClosed
		}
	}
}

func (c *Client) dispatch(msg Message) {
	c.mu.Lock()
	var handlers []Handler
	for _, sub := range c.subs {
		if topic.Match(sub.pattern, msg.Topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (c *Client) disconnect(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn, c.ready = nil, false
	}
	c.mu.Unlock()

	if err := conn.Close(); err != nil {
		log.WithFields(log.Fields{"err": err, "client": c.ID}).
			Debug("failed to close pubsub connection")
	}
}

func (c *Client) notifyState(connected bool) {
	if connected {
		metrics.PubSubConnected.Set(1)
	} else {
		metrics.PubSubConnected.Set(0)
	}

	c.mu.Lock()
	var fns = make([]func(bool), 0, len(c.states))
	for _, fn := range c.states {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

// Connected returns true if the Client has a ready connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// OnConnectionStateChanged registers |fn| to be called with true on each
// (re)connection and false on each disconnection. The returned function
// removes the registration and may be called more than once.
func (c *Client) OnConnectionStateChanged(fn func(connected bool)) (remove func()) {
	c.mu.Lock()
	var id = c.nextID
	c.nextID++
	c.states[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.states, id)
		c.mu.Unlock()
	}
}

// Publish |payload| under |topicName|. If the Client isn't connected, or the
// transport fails to publish, the message is queued for delivery upon the
// next connection. Publish returns an error only if the Client is closed.
func (c *Client) Publish(ctx context.Context, topicName string, payload []byte) error {
	var msg = Message{Topic: topicName, Payload: payload}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	var conn = c.conn
	if !c.ready {
		c.enqueue(msg)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := conn.Publish(ctx, msg); err != nil {
		metrics.PubSubPublishedTotal.WithLabelValues(metrics.Fail).Inc()
		log.WithFields(log.Fields{"err": err, "topic": topicName, "client": c.ID}).
			Warn("pubsub publish failed (queued for next connection)")

		c.mu.Lock()
		c.enqueue(msg)
		c.mu.Unlock()
		return nil
	}
	metrics.PubSubPublishedTotal.WithLabelValues(metrics.Ok).Inc()
	return nil
}

// enqueue requires |c.mu| is held.
func (c *Client) enqueue(msg Message) {
	c.queue = append(c.queue, msg)
	metrics.PubSubQueueDepth.Set(float64(len(c.queue)))
}

// QueueLen returns the number of publishes awaiting delivery.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Subscribe |handler| to messages with topics matching |pattern|. The
// subscription is restored across reconnections until the returned function
// is called. It may be called more than once.
func (c *Client) Subscribe(pattern string, handler Handler) (unsubscribe func()) {
	c.mu.Lock()
	var id = c.nextID
	c.nextID++
	c.subs[id] = &subscription{pattern: pattern, handler: handler}
	c.refs[pattern]++

	var conn = c.conn
	var first = c.refs[pattern] == 1
	c.mu.Unlock()

	if first && conn != nil {
		if err := conn.Subscribe(context.Background(), pattern); err != nil {
			log.WithFields(log.Fields{"err": err, "pattern": pattern, "client": c.ID}).
				Warn("pubsub subscribe failed (will restore on reconnect)")
		}
	}

	var once sync.Once
	return func() { once.Do(func() { c.unsubscribe(id) }) }
}

func (c *Client) unsubscribe(id uint64) {
	c.mu.Lock()
	var sub, ok = c.subs[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.subs, id)

	var last bool
	if c.refs[sub.pattern]--; c.refs[sub.pattern] == 0 {
		delete(c.refs, sub.pattern)
		last = true
	}
	var conn = c.conn
	c.mu.Unlock()

	if last && conn != nil {
		if err := conn.Unsubscribe(context.Background(), sub.pattern); err != nil {
			log.WithFields(log.Fields{"err": err, "pattern": sub.pattern, "client": c.ID}).
				Debug("pubsub unsubscribe failed")
		}
	}
}

// Close the Client. Serve returns ErrClientClosed, and further Publish
// calls fail. Queued publishes are discarded.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.queue = nil
	var conn = c.conn
	c.mu.Unlock()

	metrics.PubSubQueueDepth.Set(0)
	close(c.done)

	if conn != nil {
		return conn.Close()
	}
	return nil
}

var errConnectionLost = errors.New("connection lost")
