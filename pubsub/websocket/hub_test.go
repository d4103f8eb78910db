package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.livestore.dev/core/auth"
	"go.livestore.dev/core/pubsub"
)

func TestHubRelaysGrantedTopics(t *testing.T) {
	var ka, hub, url, cleanup = newTestHub(t)
	defer cleanup()
	var ctx = context.Background()

	var dial = func(topics ...string) pubsub.Conn {
		var tr = &Transport{URL: url, Auth: auth.NewKeyedProvider(ka, "", topics)}
		var conn, err = tr.Dial(ctx)
		require.NoError(t, err)
		return conn
	}
	var sub, pub, denied = dial("root/#"), dial("root/#"), dial("other/#")
	defer sub.Close()
	defer pub.Close()
	defer denied.Close()

	require.NoError(t, sub.Subscribe(ctx, "root/UPDATE/#"))
	require.NoError(t, denied.Subscribe(ctx, "root/UPDATE/#")) // Rejected by the hub.
	require.Eventually(t, func() bool { return hub.Subscriptions() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 3, hub.Peers())

	require.NoError(t, denied.Publish(ctx, pubsub.Message{Topic: "root/UPDATE/x", Payload: []byte("no")}))
	require.NoError(t, pub.Publish(ctx, pubsub.Message{Topic: "root/DELETE/x", Payload: []byte("skip")}))
	require.NoError(t, pub.Publish(ctx, pubsub.Message{Topic: "root/UPDATE/a/b", Payload: []byte(`{"k":1}`)}))

	select {
	case msg := <-sub.Messages():
		require.Equal(t, pubsub.Message{Topic: "root/UPDATE/a/b", Payload: []byte(`{"k":1}`)}, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestHubRejectsMissingCredentials(t *testing.T) {
	var _, _, url, cleanup = newTestHub(t)
	defer cleanup()

	var _, err = (&Transport{URL: url}).Dial(context.Background())
	require.ErrorContains(t, err, "401")
}

func TestClientReconnectsToHub(t *testing.T) {
	var ka, hub, url, cleanup = newTestHub(t)
	defer cleanup()

	var client = pubsub.NewClient(&Transport{
		URL:  url,
		Auth: auth.NewKeyedProvider(ka, "", []string{"root/#"}),
	})
	client.RetryDelay = 10 * time.Millisecond

	var received = make(chan pubsub.Message, 16)
	client.Subscribe("root/#", func(m pubsub.Message) { received <- m })

	var connects = make(chan struct{}, 16)
	client.OnConnectionStateChanged(func(up bool) {
		if up {
			connects <- struct{}{}
		}
	})

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- client.Serve(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	<-connects

	// Drop all peers. The client reconnects and restores its subscription.
	hub.Close()
	<-connects
	require.Eventually(t, func() bool { return hub.Peers() == 1 && hub.Subscriptions() == 1 },
		5*time.Second, time.Millisecond)

	require.NoError(t, client.Publish(ctx, "root/UPDATE/k", []byte("v")))
	select {
	case msg := <-received:
		require.Equal(t, pubsub.Message{Topic: "root/UPDATE/k", Payload: []byte("v")}, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func newTestHub(t *testing.T) (*auth.KeyedAuth, *Hub, string, func()) {
	var ka, err = auth.NewKeyedAuth("c2VjcmV0")
	require.NoError(t, err)

	var hub = NewHub(ka)
	var server = httptest.NewServer(hub)
	var url = "ws" + strings.TrimPrefix(server.URL, "http")

	return ka, hub, url, func() {
		hub.Close()
		server.Close()
	}
}
