package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.livestore.dev/core/auth"
	pb "go.livestore.dev/core/protocol"
	"go.livestore.dev/core/pubsub"
	"go.livestore.dev/core/stores"
)

type fixture struct {
	store  *stores.MemoryStore
	broker *pubsub.MemoryBroker
}

func newFixture() *fixture {
	return &fixture{
		store:  stores.NewMemoryStore(nil),
		broker: pubsub.NewMemoryBroker(),
	}
}

func (f *fixture) serve(t *testing.T, cfg Config) (*Session, func()) {
	cfg.Store, cfg.Transport, cfg.TopicRoot = f.store, f.broker, "app"
	cfg.RetryDelay = time.Millisecond

	var s = New(cfg)
	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	return s, func() {
		cancel()
		require.NoError(t, <-done)
		s.Dispose()
	}
}

func TestSessionsConvergeThroughPubSub(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture()
	f.store.Set("docs/existing.json", []byte(`{}`), time.UnixMilli(1000).UTC())

	var a, stopA = f.serve(t, Config{Root: "docs/"})
	defer stopA()
	var b, stopB = f.serve(t, Config{Root: "docs/"})
	defer stopB()

	// Each Session refreshes upon connecting.
	for _, s := range []*Session{a, b} {
		require.Eventually(t, func() bool {
			var _, ok = s.Index().GetMetadata("docs/existing.json")
			return ok
		}, time.Second, time.Millisecond)
	}

	var cursorA = a.NewCursor("docs/")
	var cursorB = b.NewCursor("docs/")

	var notified = make(chan struct{}, 16)
	cursorB.AddChangeListener(func() { notified <- struct{}{} })

	var _, err = cursorA.UploadChild(ctx, "new.json", `{"title":"hello"}`)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return cursorB.GetExists("new.json") }, time.Second, time.Millisecond)
	<-notified

	var doc, _ = cursorB.GetJSONFile("new.json")
	require.Eventually(t, func() bool { return doc.GetAttribute("title", nil) == "hello" }, time.Second, time.Millisecond)

	require.NoError(t, cursorA.DeleteChild(ctx, "new.json"))
	require.Eventually(t, func() bool { return !cursorB.GetExists("new.json") }, time.Second, time.Millisecond)
}

func TestReconnectRefreshesAndReportsPubSubErrors(t *testing.T) {
	var f = newFixture()
	var s, stop = f.serve(t, Config{RefreshInterval: -1})
	defer stop()

	require.Eventually(t, s.Client().Connected, time.Second, time.Millisecond)

	var errs = make(chan []string, 16)
	s.Index().AddNetworkErrorListener(func(m []string) { errs <- m })

	f.broker.SetOffline(true)
	require.Equal(t, []string{"Disconnected from change notifications; reconnecting"}, <-errs)

	// Written while disconnected: no event reaches the Session.
	f.store.Set("missed", []byte("x"), time.UnixMilli(2000).UTC())

	f.broker.SetOffline(false)
	require.Empty(t, <-errs)

	require.Eventually(t, func() bool {
		var _, ok = s.Index().GetMetadata("missed")
		return ok
	}, time.Second, time.Millisecond)
}

func TestRequestRefreshAndInterval(t *testing.T) {
	var f = newFixture()
	var s, stop = f.serve(t, Config{RefreshInterval: 10 * time.Millisecond})
	defer stop()

	require.Eventually(t, s.Client().Connected, time.Second, time.Millisecond)

	f.store.Set("by-interval", nil, time.UnixMilli(3000).UTC())
	require.Eventually(t, func() bool { return s.Index().Len() == 1 }, time.Second, time.Millisecond)

	s.RequestRefresh()
	s.RequestRefresh() // Coalesced.
}

func TestFolderTreeOfSession(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture()

	var a, stopA = f.serve(t, Config{})
	defer stopA()
	var b, stopB = f.serve(t, Config{})
	defer stopB()

	require.Eventually(t, a.Client().Connected, time.Second, time.Millisecond)
	require.Eventually(t, b.Client().Connected, time.Second, time.Millisecond)

	var treeA = a.NewFolderTree("")
	var treeB = b.NewFolderTree("")

	// Await subscription of |treeB| by observing a re-published marker.
	require.Eventually(t, func() bool {
		if _, err := treeA.Root().EnsureFolder(ctx, "shared"); err != nil {
			return false
		}
		f.broker.Publish(pubsub.Message{
			Topic:   pb.UpdateTopic("app", "shared/"),
			Payload: pb.NewEvent(pb.ObjectMetadata{Key: "shared/"}).Marshal(),
		})
		var _, ok = treeB.Root().Folder("shared")
		return ok
	}, time.Second, 5*time.Millisecond)

	// Index of each Session also observes the tree's marker write.
	require.Eventually(t, func() bool {
		var _, ok = b.Index().GetMetadata("shared/")
		return ok
	}, time.Second, time.Millisecond)
}

func TestSessionIdentityAndDispose(t *testing.T) {
	var f = newFixture()
	var provider = auth.NewKeyedProvider(auth.NewNoopAuth(), "alice", []string{"#"})

	var s = New(Config{
		Store:     f.store,
		Transport: f.broker,
		Auth:      provider,
	})
	var done = make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	require.Eventually(t, s.Client().Connected, time.Second, time.Millisecond)
	var c = s.NewCursor("x/")

	s.Dispose()
	s.Dispose()
	require.NoError(t, <-done)

	// Cursors created after Dispose are inert.
	var late = s.NewCursor("y/")
	var _, err = late.GetJSONFile("doc.json")
	require.Error(t, err)
	_, err = c.GetJSONFile("doc.json")
	require.Error(t, err)
}
