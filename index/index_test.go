package index

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pb "go.livestore.dev/core/protocol"
	"go.livestore.dev/core/stores"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func meta(key string, offset time.Duration, size int64) pb.ObjectMetadata {
	return pb.ObjectMetadata{Key: key, LastModified: t0.Add(offset), Size: size}
}

func TestIdempotentUpdate(t *testing.T) {
	var ix = New(Config{Store: stores.NewMemoryStore(nil)})

	var points, children int
	ix.AddMetadataListener("a/b.json", func(pb.ObjectMetadata, bool) { points++ })
	ix.AddChildrenListener("a/", func(map[string]pb.ObjectMetadata) { children++ })

	require.True(t, ix.ApplyUpdate(meta("a/b.json", 0, 5)))
	require.False(t, ix.ApplyUpdate(meta("a/b.json", 0, 5)))

	require.Equal(t, 1, points)
	require.Equal(t, 1, children)
}

func TestOutOfOrderUpdatesKeepNewest(t *testing.T) {
	var ix = New(Config{Store: stores.NewMemoryStore(nil)})

	require.True(t, ix.ApplyUpdate(meta("k", 2*time.Second, 2)))
	require.False(t, ix.ApplyUpdate(meta("k", time.Second, 1)))

	var m, ok = ix.GetMetadata("k")
	require.True(t, ok)
	require.Equal(t, meta("k", 2*time.Second, 2), m)

	// Equal timestamps retain the existing revision.
	require.False(t, ix.ApplyUpdate(meta("k", 2*time.Second, 99)))
	m, _ = ix.GetMetadata("k")
	require.Equal(t, int64(2), m.Size)
}

func TestDeleteThenStaleCreateResurrectsKey(t *testing.T) {
	var ix = New(Config{Store: stores.NewMemoryStore(nil)})

	require.True(t, ix.ApplyUpdate(meta("k", time.Minute, 1)))
	require.True(t, ix.ApplyDelete("k"))

	// Deletes leave no tombstone. An update older than the deleted
	// revision, delivered late, is applied as a new key.
	require.True(t, ix.ApplyUpdate(meta("k", 0, 7)))

	var m, ok = ix.GetMetadata("k")
	require.True(t, ok)
	require.Equal(t, meta("k", 0, 7), m)
}

func TestPrefixListenerDedup(t *testing.T) {
	var ix = New(Config{Store: stores.NewMemoryStore(nil)})

	var snapshots []map[string]pb.ObjectMetadata
	ix.AddChildrenListener("a/", func(c map[string]pb.ObjectMetadata) { snapshots = append(snapshots, c) })

	ix.ApplyUpdate(meta("b/x", 0, 1))   // Not under "a/".
	ix.ApplyUpdate(meta("a/", 0, 0))    // The prefix itself isn't a child.
	ix.ApplyUpdate(meta("a/x", 0, 1))   // Fires.
	ix.ApplyUpdate(meta("a/x", 0, 1))   // Duplicate.
	ix.ApplyDelete("a/missing")         // Unknown key.
	ix.ApplyUpdate(meta("a/y/z", 0, 3)) // Fires.

	require.Equal(t, []map[string]pb.ObjectMetadata{
		{"x": meta("a/x", 0, 1)},
		{"x": meta("a/x", 0, 1), "y/z": meta("a/y/z", 0, 3)},
	}, snapshots)
}

func TestListenerLifecycle(t *testing.T) {
	var ix = New(Config{Store: stores.NewMemoryStore(nil)})
	var fired int

	var l1 = ix.AddMetadataListener("k", func(pb.ObjectMetadata, bool) { fired++ })
	ix.RemoveMetadataListener(l1)
	var l2 = ix.AddChildrenListener("", func(map[string]pb.ObjectMetadata) { fired++ })
	ix.RemoveChildrenListener(l2)
	var l3 = ix.AddNetworkErrorListener(func([]string) { fired++ })
	ix.RemoveNetworkErrorListener(l3)

	ix.ApplyUpdate(meta("k", 0, 1))
	ix.SetNetworkError(pb.ErrorGet, "boom")
	require.Equal(t, 0, fired)

	// Removal of unknown, mismatched, or repeated listeners is a no-op.
	require.NotPanics(t, func() {
		ix.RemoveMetadataListener(nil)
		ix.RemoveMetadataListener(&Listener{})
		ix.RemoveChildrenListener(l1)
		ix.RemoveMetadataListener(l1)
		ix.RemoveNetworkErrorListener(nil)
	})
}

func TestRemovedListenerSkipsQueuedNotification(t *testing.T) {
	var ix = New(Config{Store: stores.NewMemoryStore(nil)})

	var second *Listener
	var calls []string

	ix.AddMetadataListener("k", func(pb.ObjectMetadata, bool) {
		calls = append(calls, "first")
		ix.RemoveMetadataListener(second)
	})
	second = ix.AddMetadataListener("k", func(pb.ObjectMetadata, bool) {
		calls = append(calls, "second")
	})

	ix.ApplyUpdate(meta("k", 0, 1))
	require.Equal(t, []string{"first"}, calls)
}

func TestReentrantListenerObservesOrderedNotifications(t *testing.T) {
	var ix = New(Config{Store: stores.NewMemoryStore(nil)})
	var calls []string

	ix.AddMetadataListener("a", func(m pb.ObjectMetadata, _ bool) {
		calls = append(calls, "a")
		// Mutations from within a listener are delivered after it returns.
		ix.ApplyUpdate(meta("b", 0, 1))
		calls = append(calls, "a-done")
	})
	ix.AddMetadataListener("b", func(pb.ObjectMetadata, bool) { calls = append(calls, "b") })

	ix.ApplyUpdate(meta("a", 0, 1))
	require.Equal(t, []string{"a", "a-done", "b"}, calls)
}

func TestConcreteChildrenScenario(t *testing.T) {
	var ix = New(Config{Store: stores.NewMemoryStore(nil)})

	ix.ApplyUpdate(meta("a/b.json", 0, 5))
	require.Equal(t, map[string]pb.ObjectMetadata{"b.json": meta("a/b.json", 0, 5)}, ix.GetChildren("a/"))

	var got pb.ObjectMetadata
	var exists = true
	ix.AddMetadataListener("a/b.json", func(m pb.ObjectMetadata, ok bool) { got, exists = m, ok })

	ix.ApplyDelete("a/b.json")
	require.Empty(t, ix.GetChildren("a/"))
	require.False(t, exists)
	require.Equal(t, pb.ObjectMetadata{}, got)
}

func TestFullRefreshReconciles(t *testing.T) {
	var store = stores.NewMemoryStore(nil)
	store.PageSize = 2
	store.Set("docs/a.json", []byte("{}"), t0)
	store.Set("docs/b.json", []byte("{}"), t0)
	store.Set("docs/sub/c.json", []byte("{}"), t0)
	store.Set("other/d", []byte("x"), t0)

	var ix = New(Config{Store: store, Root: "docs/"})
	ix.ApplyUpdate(meta("docs/stale.json", 0, 1))
	ix.ApplyUpdate(meta("docs/a.json", -time.Hour, 1))

	var flushes []map[string]pb.ObjectMetadata
	ix.AddChildrenListener("docs/", func(c map[string]pb.ObjectMetadata) { flushes = append(flushes, c) })

	var loadingSeen bool
	ix.AddMetadataListener("docs/b.json", func(pb.ObjectMetadata, bool) { loadingSeen = ix.Loading() })

	require.NoError(t, ix.FullRefresh(context.Background()))
	require.True(t, loadingSeen)
	require.False(t, ix.Loading())
	require.Equal(t, 2, store.Pages)

	var expect = map[string]pb.ObjectMetadata{
		"a.json":     meta("docs/a.json", 0, 2),
		"b.json":     meta("docs/b.json", 0, 2),
		"sub/c.json": meta("docs/sub/c.json", 0, 2),
	}
	require.Equal(t, []map[string]pb.ObjectMetadata{expect}, flushes)
	require.Equal(t, expect, ix.GetChildren("docs/"))

	// A refresh which changes nothing notifies nothing.
	require.NoError(t, ix.FullRefresh(context.Background()))
	require.Len(t, flushes, 1)
}

func TestFullRefreshFailureKeepsPartialProgress(t *testing.T) {
	var ctx = context.Background()
	var failing = true

	var store = &stores.CallbackStore{
		ListFunc: func(_ context.Context, _ string, cb func(pb.ObjectMetadata) error) error {
			if err := cb(meta("new", 0, 1)); err != nil {
				return err
			}
			if failing {
				return errors.New("connection reset")
			}
			return nil
		},
	}
	var ix = New(Config{Store: store})
	ix.ApplyUpdate(meta("old", 0, 1))

	var notified [][]string
	ix.AddNetworkErrorListener(func(m []string) { notified = append(notified, m) })

	require.EqualError(t, ix.FullRefresh(ctx), "listing store: connection reset")
	require.False(t, ix.Loading())
	require.Equal(t, []string{"new", "old"}, ix.Keys(""))
	require.Equal(t, []string{"Failed to refresh file listing: connection reset"}, ix.GetNetworkErrorMessages())

	// A repeated failure doesn't re-notify.
	require.Error(t, ix.FullRefresh(ctx))
	require.Len(t, notified, 1)

	// Success clears the error, and deletes unlisted keys.
	failing = false
	require.NoError(t, ix.FullRefresh(ctx))
	require.Equal(t, []string{"new"}, ix.Keys(""))
	require.Empty(t, ix.GetNetworkErrorMessages())
	require.Equal(t, [][]string{
		{"Failed to refresh file listing: connection reset"},
		nil,
	}, notified)
}

func TestUpdatesDuringRefreshAreNotDeleted(t *testing.T) {
	var ix *Index
	var store = &stores.CallbackStore{
		ListFunc: func(_ context.Context, _ string, cb func(pb.ObjectMetadata) error) error {
			// An event arrives mid-listing for a key the listing missed.
			ix.ApplyUpdate(meta("racing", 0, 1))
			return cb(meta("listed", 0, 1))
		},
	}
	ix = New(Config{Store: store})

	require.NoError(t, ix.FullRefresh(context.Background()))
	require.Equal(t, []string{"listed", "racing"}, ix.Keys(""))
}

func TestNetworkErrorsNotifyOnCategoryChanges(t *testing.T) {
	var ix = New(Config{Store: stores.NewMemoryStore(nil)})

	var notified [][]string
	ix.AddNetworkErrorListener(func(m []string) { notified = append(notified, m) })

	ix.SetNetworkError(pb.ErrorPubSub, "disconnected")
	ix.SetNetworkError(pb.ErrorPubSub, "disconnected")
	ix.SetNetworkError(pb.ErrorUpload, "upload failed")
	ix.SetNetworkError(pb.ErrorUpload, "upload failed again") // Same categories.
	ix.ClearNetworkError(pb.ErrorGet)                         // Not active.
	ix.ClearNetworkError(pb.ErrorPubSub)

	require.Equal(t, [][]string{
		{"disconnected"},
		{"upload failed", "disconnected"},
		{"upload failed again"},
	}, notified)
	require.Equal(t, []string{"upload failed again"}, ix.GetNetworkErrorMessages())
}

func TestConcurrentUpdatesConverge(t *testing.T) {
	var ix = New(Config{Store: stores.NewMemoryStore(nil)})

	var mu sync.Mutex
	var last = make(map[string]pb.ObjectMetadata)
	ix.AddChildrenListener("", func(c map[string]pb.ObjectMetadata) {
		mu.Lock()
		last = c
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for w := 0; w != 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i != 50; i++ {
				ix.ApplyUpdate(meta("k", time.Duration(i)*time.Millisecond, int64(i)))
			}
		}()
	}
	wg.Wait()

	var m, _ = ix.GetMetadata("k")
	require.Equal(t, int64(49), m.Size)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int64(49), last["k"].Size)
}
