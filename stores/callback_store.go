package stores

import (
	"context"
	"io"
	"time"

	pb "go.livestore.dev/core/protocol"
)

// CallbackStore implements Store for testing with customizable behavior.
// Each method calls its corresponding function if set, and otherwise
// delegates to Fallback (if non-nil) or returns a zero value.
type CallbackStore struct {
	Fallback Store

	ProviderFunc    func() string
	SignGetFunc     func(key string, d time.Duration) (string, error)
	GetFunc         func(ctx context.Context, key string) (io.ReadCloser, error)
	ExistsFunc      func(ctx context.Context, key string) (bool, error)
	PutFunc         func(ctx context.Context, key string, content io.ReaderAt, contentLength int64, contentType string) (pb.ObjectMetadata, error)
	ListFunc        func(ctx context.Context, prefix string, callback func(pb.ObjectMetadata) error) error
	RemoveFunc      func(ctx context.Context, key string) error
	IsAuthErrorFunc func(error) bool
}

// Provider returns the provider name, or "callback" if ProviderFunc is nil.
func (c *CallbackStore) Provider() string {
	if c.ProviderFunc != nil {
		return c.ProviderFunc()
	} else if c.Fallback != nil {
		return c.Fallback.Provider()
	}
	return "callback"
}

func (c *CallbackStore) SignGet(key string, d time.Duration) (string, error) {
	if c.SignGetFunc != nil {
		return c.SignGetFunc(key, d)
	} else if c.Fallback != nil {
		return c.Fallback.SignGet(key, d)
	}
	return "", nil
}

func (c *CallbackStore) Exists(ctx context.Context, key string) (bool, error) {
	if c.ExistsFunc != nil {
		return c.ExistsFunc(ctx, key)
	} else if c.Fallback != nil {
		return c.Fallback.Exists(ctx, key)
	}
	return false, nil
}

func (c *CallbackStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if c.GetFunc != nil {
		return c.GetFunc(ctx, key)
	} else if c.Fallback != nil {
		return c.Fallback.Get(ctx, key)
	}
	return nil, nil
}

func (c *CallbackStore) Put(ctx context.Context, key string, content io.ReaderAt, contentLength int64, contentType string) (pb.ObjectMetadata, error) {
	if c.PutFunc != nil {
		return c.PutFunc(ctx, key, content, contentLength, contentType)
	} else if c.Fallback != nil {
		return c.Fallback.Put(ctx, key, content, contentLength, contentType)
	}
	return pb.ObjectMetadata{Key: key, Size: contentLength}, nil
}

func (c *CallbackStore) List(ctx context.Context, prefix string, callback func(pb.ObjectMetadata) error) error {
	if c.ListFunc != nil {
		return c.ListFunc(ctx, prefix, callback)
	} else if c.Fallback != nil {
		return c.Fallback.List(ctx, prefix, callback)
	}
	return nil
}

func (c *CallbackStore) Remove(ctx context.Context, key string) error {
	if c.RemoveFunc != nil {
		return c.RemoveFunc(ctx, key)
	} else if c.Fallback != nil {
		return c.Fallback.Remove(ctx, key)
	}
	return nil
}

func (c *CallbackStore) IsAuthError(err error) bool {
	if c.IsAuthErrorFunc != nil {
		return c.IsAuthErrorFunc(err)
	} else if c.Fallback != nil {
		return c.Fallback.IsAuthError(err)
	}
	return false
}
