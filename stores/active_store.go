package stores

import (
	"context"
	"io"
	"time"

	pb "go.livestore.dev/core/protocol"
)

// ActiveStore wraps a Store implementation with instrumentation.
type ActiveStore struct {
	Key   string // Endpoint from which this ActiveStore was built.
	Store Store

	initErr error // Initialization error (if any) - checked by all methods
}

var _ Store = &ActiveStore{} // ActiveStore is-a Store.

// NewActiveStore creates a new ActiveStore with the given endpoint and Store.
// If initErr is non-nil, it will be returned on use of any method.
func NewActiveStore(key string, store Store, initErr error) *ActiveStore {
	return &ActiveStore{
		Key:     key,
		Store:   store,
		initErr: initErr,
	}
}

// Provider returns the provider of the wrapped Store.
func (s *ActiveStore) Provider() string {
	if s.initErr != nil {
		return "uninitialized"
	}
	return s.Store.Provider()
}

// SignGet returns a pre-signed URL for GET operations with the given duration.
func (s *ActiveStore) SignGet(key string, d time.Duration) (string, error) {
	if s.initErr != nil {
		return "", s.initErr
	}
	var started = time.Now()
	var signed, err = s.Store.SignGet(key, d)
	s.observe("signget", started, err)

	return signed, err
}

// Exists checks if an object exists at the given key.
func (s *ActiveStore) Exists(ctx context.Context, key string) (bool, error) {
	if s.initErr != nil {
		return false, s.initErr
	}
	var started = time.Now()
	var exists, err = s.Store.Exists(ctx, key)
	s.observe("exists", started, err)

	return exists, err
}

// Get returns an io.ReadCloser for content at the given key.
func (s *ActiveStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if s.initErr != nil {
		return nil, s.initErr
	}
	var started = time.Now()
	var rc, err = s.Store.Get(ctx, key)
	s.observe("get", started, err)

	return rc, err
}

// Put durably writes content to the store at the given key.
func (s *ActiveStore) Put(ctx context.Context, key string, content io.ReaderAt, contentLength int64, contentType string) (pb.ObjectMetadata, error) {
	if s.initErr != nil {
		return pb.ObjectMetadata{}, s.initErr
	}
	var started = time.Now()
	var meta, err = s.Store.Put(ctx, key, content, contentLength, contentType)
	s.observe("put", started, err)

	if err == nil && contentLength > 0 {
		storePutBytesTotal.WithLabelValues(s.Key).Add(float64(contentLength))
	}
	return meta, err
}

// List enumerates all objects under the given prefix.
func (s *ActiveStore) List(ctx context.Context, prefix string, callback func(pb.ObjectMetadata) error) error {
	if s.initErr != nil {
		return s.initErr
	}
	var started = time.Now()

	// Wrap callback to count items
	var itemCount int64
	var err = s.Store.List(ctx, prefix, func(meta pb.ObjectMetadata) error {
		itemCount++
		return callback(meta)
	})
	s.observe("list", started, err)
	storeListItems.WithLabelValues(s.Key).Observe(float64(itemCount))

	return err
}

// ListLevel lists a single level of |prefix|, natively if the wrapped Store
// is a LevelLister.
func (s *ActiveStore) ListLevel(ctx context.Context, prefix string, object func(pb.ObjectMetadata) error, commonPrefix func(string) error) error {
	if s.initErr != nil {
		return s.initErr
	}
	var started = time.Now()
	var err error

	if ll, ok := s.Store.(LevelLister); ok {
		err = ll.ListLevel(ctx, prefix, object, commonPrefix)
	} else {
		err = emitLevel(ctx, s.Store, prefix, object, commonPrefix)
	}
	s.observe("list_level", started, err)

	return err
}

// Remove the object at the given key.
func (s *ActiveStore) Remove(ctx context.Context, key string) error {
	if s.initErr != nil {
		return s.initErr
	}
	var started = time.Now()
	var err = s.Store.Remove(ctx, key)
	s.observe("remove", started, err)

	return err
}

// IsAuthError delegates to the wrapped Store.
func (s *ActiveStore) IsAuthError(err error) bool {
	if s.Store == nil {
		return false
	}
	return s.Store.IsAuthError(err)
}

func (s *ActiveStore) observe(op string, started time.Time, err error) {
	var status = "success"
	if err != nil {
		status = "error"
	}
	storeOperationTotal.WithLabelValues(s.Key, op, status).Inc()
	storeOperationDuration.WithLabelValues(s.Key, op, status).Observe(time.Since(started).Seconds())
}
