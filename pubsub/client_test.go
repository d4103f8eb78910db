package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscriptionDispatchesMatchingTopics(t *testing.T) {
	var broker, client, cleanup = newServingClient(t)
	defer cleanup()

	var rec recorder
	client.Subscribe("root/UPDATE/#", rec.handle)
	client.Subscribe("root/+/a", rec.handle)

	require.Eventually(t, client.Connected, time.Second, time.Millisecond)
	waitSubscribed(t, broker)

	broker.Publish(Message{Topic: "root/DELETE/b", Payload: []byte("x")})
	broker.Publish(Message{Topic: "root/UPDATE/a", Payload: []byte("y")})

	// "root/UPDATE/a" matches both subscriptions, and is dispatched to each.
	require.Eventually(t, func() bool { return len(rec.topics()) >= 2 }, time.Second, time.Millisecond)
	var topics = rec.topics()
	require.Equal(t, []string{"root/UPDATE/a", "root/UPDATE/a"}, topics)
}

func TestPublishesQueueUntilConnected(t *testing.T) {
	var broker = NewMemoryBroker()
	var client = NewClient(broker)
	var ctx = context.Background()

	require.NoError(t, client.Publish(ctx, "t/1", []byte("one")))
	require.NoError(t, client.Publish(ctx, "t/2", []byte("two")))
	require.NoError(t, client.Publish(ctx, "t/1", []byte("one")))
	require.Equal(t, 3, client.QueueLen())
	require.Empty(t, broker.Published())

	var cleanup = serve(t, client)
	defer cleanup()

	require.Eventually(t, func() bool { return len(broker.Published()) == 3 }, time.Second, time.Millisecond)
	require.Equal(t, []Message{
		{Topic: "t/1", Payload: []byte("one")},
		{Topic: "t/2", Payload: []byte("two")},
		{Topic: "t/1", Payload: []byte("one")}, // Not de-duplicated.
	}, broker.Published())
	require.Equal(t, 0, client.QueueLen())
}

func TestReconnectRestoresSubscriptionsAndDrainsQueue(t *testing.T) {
	var broker = NewMemoryBroker()
	var client = NewClient(broker)

	var states = make(chan bool, 16)
	var remove = client.OnConnectionStateChanged(func(up bool) { states <- up })
	defer remove()

	var rec recorder
	client.Subscribe("a/#", rec.handle)

	var cleanup = serve(t, client)
	defer cleanup()

	require.Equal(t, true, <-states)
	waitSubscribed(t, broker)

	// Drop and block reconnection.
	broker.SetOffline(true)
	require.Equal(t, false, <-states)
	require.False(t, client.Connected())

	require.NoError(t, client.Publish(context.Background(), "b/1", []byte("queued")))
	require.Equal(t, 1, client.QueueLen())

	broker.SetOffline(false)
	require.Equal(t, true, <-states)

	require.Eventually(t, func() bool { return client.QueueLen() == 0 }, time.Second, time.Millisecond)
	require.Equal(t, []Message{{Topic: "b/1", Payload: []byte("queued")}}, broker.Published())

	// The subscription was restored over the new connection.
	broker.Publish(Message{Topic: "a/2"})
	require.Eventually(t, func() bool {
		var topics = rec.topics()
		return len(topics) != 0 && topics[len(topics)-1] == "a/2"
	}, time.Second, time.Millisecond)
}

func TestUnsubscribeIsIdempotentAndRefCounted(t *testing.T) {
	var broker, client, cleanup = newServingClient(t)
	defer cleanup()

	var first, second recorder
	var unsubFirst = client.Subscribe("x/#", first.handle)
	client.Subscribe("x/#", second.handle)

	require.Eventually(t, client.Connected, time.Second, time.Millisecond)
	waitSubscribed(t, broker)

	unsubFirst()
	unsubFirst()

	broker.Publish(Message{Topic: "x/1"})
	require.Eventually(t, func() bool { return len(second.topics()) != 0 && second.last() == "x/1" }, time.Second, time.Millisecond)
	require.NotContains(t, first.topics(), "x/1")
}

func TestClosedClient(t *testing.T) {
	var client = NewClient(NewMemoryBroker())
	client.RetryDelay = time.Millisecond

	var served = make(chan error, 1)
	go func() { served <- client.Serve(context.Background()) }()

	require.Eventually(t, client.Connected, time.Second, time.Millisecond)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	require.Equal(t, ErrClientClosed, <-served)
	require.Equal(t, ErrClientClosed, client.Publish(context.Background(), "t", nil))
}

func TestServeReturnsOnContextCancel(t *testing.T) {
	var broker = NewMemoryBroker()
	broker.SetOffline(true)

	var client = NewClient(broker)
	client.RetryDelay = time.Millisecond

	var ctx, cancel = context.WithCancel(context.Background())
	var served = make(chan error, 1)
	go func() { served <- client.Serve(ctx) }()

	cancel()
	require.NoError(t, <-served)
	require.False(t, client.Connected())
}

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(msg Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, m := range r.msgs {
		out = append(out, m.Topic)
	}
	return out
}

func (r *recorder) last() string {
	var topics = r.topics()
	return topics[len(topics)-1]
}

func newServingClient(t *testing.T) (*MemoryBroker, *Client, func()) {
	var broker = NewMemoryBroker()
	var client = NewClient(broker)
	return broker, client, serve(t, client)
}

func serve(t *testing.T, client *Client) func() {
	client.RetryDelay = time.Millisecond

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- client.Serve(ctx) }()

	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

// waitSubscribed blocks until a connection of |broker| has a subscription.
func waitSubscribed(t *testing.T, broker *MemoryBroker) {
	require.Eventually(t, func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()

		for c := range broker.conns {
			c.mu.Lock()
			var n = len(c.patterns)
			c.mu.Unlock()
			if n != 0 {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}
