package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.livestore.dev/core/cursor"
	"go.livestore.dev/core/index"
	pb "go.livestore.dev/core/protocol"
	"go.livestore.dev/core/pubsub"
	"go.livestore.dev/core/stores"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seededStore() *stores.MemoryStore {
	var s = stores.NewMemoryStore(nil)
	s.Set("docs/a.json", []byte(`{"a":1}`), t0)
	s.Set("docs/b.txt", []byte("bee"), t0.Add(time.Minute))
	s.Set("docs/img/1.png", make([]byte, 2048), t0)
	s.Set("docs/img/2.png", make([]byte, 1024), t0.Add(time.Hour))
	s.Set("other/x", []byte("x"), t0)
	return s
}

func TestListPrefix(t *testing.T) {
	var ctx = context.Background()
	var store = seededStore()

	var rows, err = listPrefix(ctx, store, "docs/", "", false)
	require.NoError(t, err)
	require.Equal(t, []listing{
		{Name: "img/", Folder: true, Size: 3072, LastModified: t0.Add(time.Hour)},
		{Name: "a.json", Size: 7, LastModified: t0},
		{Name: "b.txt", Size: 3, LastModified: t0.Add(time.Minute)},
	}, rows)

	rows, err = listPrefix(ctx, store, "docs/", "img", true)
	require.NoError(t, err)
	require.Equal(t, []listing{
		{Name: "1.png", Size: 2048, LastModified: t0},
		{Name: "2.png", Size: 1024, LastModified: t0.Add(time.Hour)},
	}, rows)
}

func TestListingOutputFormats(t *testing.T) {
	var rows = []listing{
		{Name: "img/", Folder: true, Size: 3072, LastModified: t0},
		{Name: "a.json", Size: 7, LastModified: t0},
	}

	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, rows))
	require.Equal(t, ""+
		`{"name":"img/","folder":true,"size":3072,"lastModified":"2024-03-01T12:00:00Z"}`+"\n"+
		`{"name":"a.json","size":7,"lastModified":"2024-03-01T12:00:00Z"}`+"\n",
		buf.String())

	buf.Reset()
	require.NoError(t, writeYAML(&buf, rows))
	require.Contains(t, buf.String(), "- name: img/\n  folder: true\n  size: 3072\n")

	buf.Reset()
	writeTable(&buf, rows)
	require.Contains(t, buf.String(), "img/")
	require.Contains(t, buf.String(), "3.0 KiB")
	require.Contains(t, buf.String(), "a.json")
}

func TestWritesAreAnnounced(t *testing.T) {
	var ctx = context.Background()
	var store = seededStore()
	var broker = pubsub.NewMemoryBroker()

	var observer, err = broker.Dial(ctx)
	require.NoError(t, err)
	defer observer.Close()
	require.NoError(t, observer.Subscribe(ctx, "app/#"))

	var a = &announcer{transport: broker}
	var ix = index.New(index.Config{Store: store, Publisher: a, TopicRoot: "app", Root: "docs/"})

	_, err = ix.Upload(ctx, "docs/c.json", []byte(`{}`), "application/json", nil)
	require.NoError(t, err)

	var msg = <-observer.Messages()
	require.Equal(t, "app/UPDATE/docs/c.json", msg.Topic)

	require.NoError(t, removePrefix(ctx, ix, "docs/img/"))
	var removed []string
	for len(removed) != 2 {
		msg = <-observer.Messages()
		removed = append(removed, msg.Topic)
	}
	require.ElementsMatch(t, []string{
		"app/DELETE/docs/img/1.png",
		"app/DELETE/docs/img/2.png",
	}, removed)
	require.Equal(t, []string{"docs/a.json", "docs/b.txt", "docs/c.json", "other/x"}, store.Keys())

	n, err := a.Close()
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestChildWatcherTracksDifferences(t *testing.T) {
	var store = stores.NewMemoryStore(nil)
	var ix = index.New(index.Config{Store: store})
	var c = cursor.New(ix, "docs/")
	defer c.Dispose()

	var w = &childWatcher{cursor: c}
	c.AddChangeListener(w.onChange)

	ix.ApplyUpdate(store.Set("docs/a", []byte("1"), t0))
	require.Equal(t, map[string]pb.ObjectMetadata{
		"a": {Key: "docs/a", LastModified: t0, Size: 1},
	}, w.prev)

	ix.ApplyDelete("docs/a")
	require.Empty(t, w.prev)
}

func TestKeyArgJoinsRoot(t *testing.T) {
	Config.Store.Root = "docs/"
	defer func() { Config.Store.Root = "" }()

	require.Equal(t, "docs/a.json", keyArg{Key: "a.json"}.key())
	require.Equal(t, "docs/b", keyArg{Key: "/b"}.key())
}
