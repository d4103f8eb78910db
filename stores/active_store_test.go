package stores

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pb "go.livestore.dev/core/protocol"
)

func TestActiveStore(t *testing.T) {
	var ctx = context.Background()
	var callbackErr = errors.New("callback error")

	var calls []string
	var mockStore = &CallbackStore{
		ListFunc: func(ctx context.Context, prefix string, callback func(pb.ObjectMetadata) error) error {
			calls = append(calls, "List")
			require.Equal(t, "test/prefix/", prefix)
			_ = callback(pb.ObjectMetadata{Key: "test/prefix/file1"})
			return callback(pb.ObjectMetadata{Key: "test/prefix/file2"})
		},
		ExistsFunc: func(ctx context.Context, key string) (bool, error) {
			calls = append(calls, "Exists")
			return true, nil
		},
		GetFunc: func(ctx context.Context, key string) (io.ReadCloser, error) {
			calls = append(calls, "Get")
			return io.NopCloser(strings.NewReader("content")), nil
		},
		PutFunc: func(ctx context.Context, key string, content io.ReaderAt, contentLength int64, contentType string) (pb.ObjectMetadata, error) {
			calls = append(calls, "Put")
			require.Equal(t, int64(7), contentLength)
			require.Equal(t, "application/json", contentType)
			return pb.ObjectMetadata{Key: key, Size: contentLength}, nil
		},
		RemoveFunc: func(ctx context.Context, key string) error {
			calls = append(calls, "Remove")
			return nil
		},
		SignGetFunc: func(key string, duration time.Duration) (string, error) {
			calls = append(calls, "SignGet")
			require.Equal(t, time.Hour, duration)
			return "https://signed.url", nil
		},
	}

	var as = NewActiveStore("memory:///test/", mockStore, nil)
	require.Equal(t, "callback", as.Provider())

	var keys []string
	var err = as.List(ctx, "test/prefix/", func(meta pb.ObjectMetadata) error {
		keys = append(keys, meta.Key)
		if len(keys) > 1 {
			return callbackErr
		}
		return nil
	})
	require.Equal(t, callbackErr, err) // Callback errors propagate.
	require.Len(t, keys, 2)

	exists, err := as.Exists(ctx, "test/file")
	require.NoError(t, err)
	require.True(t, exists)

	rc, err := as.Get(ctx, "test/file")
	require.NoError(t, err)
	content, _ := io.ReadAll(rc)
	require.Equal(t, "content", string(content))
	rc.Close()

	meta, err := as.Put(ctx, "test/file", strings.NewReader("content"), 7, "application/json")
	require.NoError(t, err)
	require.Equal(t, int64(7), meta.Size)

	require.NoError(t, as.Remove(ctx, "test/file"))

	signed, err := as.SignGet("test/file", time.Hour)
	require.NoError(t, err)
	require.Equal(t, "https://signed.url", signed)

	require.Equal(t, []string{"List", "Exists", "Get", "Put", "Remove", "SignGet"}, calls)

	t.Run("InitError", func(t *testing.T) {
		var asNil = NewActiveStore("memory:///test/", nil, errors.New("init failed"))

		require.EqualError(t, asNil.List(ctx, "test", func(pb.ObjectMetadata) error { return nil }), "init failed")
		exists, err := asNil.Exists(ctx, "test/file")
		require.Error(t, err)
		require.False(t, exists)
		rc, err := asNil.Get(ctx, "test/file")
		require.Error(t, err)
		require.Nil(t, rc)
		_, err = asNil.Put(ctx, "test/file", strings.NewReader(""), 0, "")
		require.Error(t, err)
		require.Equal(t, "uninitialized", asNil.Provider())
		require.False(t, asNil.IsAuthError(err))
	})
}

func TestCallbackStoreFallback(t *testing.T) {
	var ctx = context.Background()
	var mem = NewMemoryStore(nil)
	var cs = &CallbackStore{Fallback: mem}

	_, err := PutBytes(ctx, cs, "a/b", []byte("hello"), "", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"a/b"}, mem.Keys())

	text, err := GetText(ctx, cs, "a/b")
	require.NoError(t, err)
	require.Equal(t, "hello", text)
	require.Equal(t, "memory", cs.Provider())

	// Overrides take precedence over the fallback.
	cs.RemoveFunc = func(context.Context, string) error { return errors.New("denied") }
	require.EqualError(t, cs.Remove(ctx, "a/b"), "denied")
	require.Equal(t, []string{"a/b"}, mem.Keys())
}
