package etcd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.livestore.dev/core/etcdtest"
	"go.livestore.dev/core/pubsub"
)

func TestPublishSubscribeOverEtcd(t *testing.T) {
	var client = etcdtest.TestClient(t)
	defer etcdtest.Cleanup()

	var ctx = context.Background()
	var tr = NewTransport(client, "/livestore/pubsub/")

	sub, err := tr.Dial(ctx)
	require.NoError(t, err)
	pub, err := tr.Dial(ctx)
	require.NoError(t, err)

	require.NoError(t, sub.Subscribe(ctx, "root/UPDATE/#"))
	require.NoError(t, pub.Publish(ctx, pubsub.Message{Topic: "root/DELETE/a", Payload: []byte("d")}))
	require.NoError(t, pub.Publish(ctx, pubsub.Message{Topic: "root/UPDATE/a/b", Payload: []byte("u")}))

	select {
	case msg := <-sub.Messages():
		require.Equal(t, pubsub.Message{Topic: "root/UPDATE/a/b", Payload: []byte("u")}, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	// Closing the publisher revokes its lease, removing its keys.
	require.NoError(t, pub.Close())
	resp, err := client.Get(ctx, "/livestore/pubsub/", clientv3.WithPrefix())
	require.NoError(t, err)
	require.Empty(t, resp.Kvs)

	require.NoError(t, sub.Close())
	for range sub.Messages() {
	}
}

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
