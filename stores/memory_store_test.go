package stores

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pb "go.livestore.dev/core/protocol"
)

func TestMemoryStorePaginatedListing(t *testing.T) {
	var ctx = context.Background()
	var ms = NewMemoryStore(nil)
	ms.PageSize = 2

	var t0 = time.Unix(1700000000, 0).UTC()
	ms.Now = func() time.Time { return t0 }

	for _, key := range []string{"a/1", "a/2", "a/3", "b/1", "a/sub/4"} {
		_, err := PutBytes(ctx, ms, key, []byte(key), "", nil)
		require.NoError(t, err)
	}

	var listed []pb.ObjectMetadata
	require.NoError(t, ms.List(ctx, "a/", func(meta pb.ObjectMetadata) error {
		listed = append(listed, meta)
		return nil
	}))
	require.Equal(t, []pb.ObjectMetadata{
		{Key: "a/1", LastModified: t0, Size: 3},
		{Key: "a/2", LastModified: t0, Size: 3},
		{Key: "a/3", LastModified: t0, Size: 3},
		{Key: "a/sub/4", LastModified: t0, Size: 7},
	}, listed)
	require.Equal(t, 2, ms.Pages)

	exists, err := ms.Exists(ctx, "b/1")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, ms.Remove(ctx, "b/1"))
	exists, _ = ms.Exists(ctx, "b/1")
	require.False(t, exists)

	_, err = ms.Get(ctx, "b/1")
	require.EqualError(t, err, "key not found: b/1")

	signed, err := ms.SignGet("a/1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "memory:///a/1", signed)
}

func TestListLevelAndProgress(t *testing.T) {
	var ctx = context.Background()
	var ms = NewMemoryStore(nil)

	var progress [][2]int64
	_, err := PutBytes(ctx, ms, "root/file.json", []byte("{}"), "application/json",
		func(sent, total int64) { progress = append(progress, [2]int64{sent, total}) })
	require.NoError(t, err)
	require.Equal(t, [][2]int64{{2, 2}}, progress)

	for _, key := range []string{"root/", "root/x/1", "root/x/2", "root/y/", "root/y/z/3"} {
		_, err = PutBytes(ctx, ms, key, nil, "", nil)
		require.NoError(t, err)
	}

	lvl, err := ListLevel(ctx, ms, "root/")
	require.NoError(t, err)
	require.Equal(t, "root/", lvl.Marker.Key)
	require.Len(t, lvl.Objects, 1)
	require.Equal(t, "root/file.json", lvl.Objects[0].Key)
	require.Equal(t, []string{"root/x/", "root/y/"}, lvl.CommonPrefixes)

	// Stores which can't list a single level fold a complete listing.
	var cs = &CallbackStore{Fallback: ms}
	folded, err := ListLevel(ctx, cs, "root/")
	require.NoError(t, err)
	require.Equal(t, lvl, folded)

	levels, err := ListTree(ctx, cs, "root/")
	require.NoError(t, err)
	require.Equal(t, lvl, *levels["root/"])
	require.Equal(t, []string{"root/y/z/"}, levels["root/y/"].CommonPrefixes)
	require.Equal(t, "root/y/", levels["root/y/"].Marker.Key)
	require.Equal(t, "root/y/z/3", levels["root/y/z/"].Objects[0].Key)
	require.Nil(t, levels["root/x/"].CommonPrefixes)
	require.Len(t, levels["root/x/"].Objects, 2)

	// ActiveStore lists natively where its Store can, and folds otherwise.
	ms.Listed = 0
	viaActive, err := ListLevel(ctx, NewActiveStore("memory:///", ms, nil), "root/")
	require.NoError(t, err)
	require.Equal(t, lvl, viaActive)
	require.Equal(t, 4, ms.Listed)

	ms.Listed = 0
	viaActive, err = ListLevel(ctx, NewActiveStore("memory:///", cs, nil), "root/")
	require.NoError(t, err)
	require.Equal(t, lvl, viaActive)
	require.Equal(t, 6, ms.Listed)
}
