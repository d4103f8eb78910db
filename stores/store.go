// Package stores provides an abstraction over the remote object storage
// systems which livestore mirrors.
package stores

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/gorilla/schema"
	pb "go.livestore.dev/core/protocol"
)

// Store provides an abstraction over a flat, "/"-delimited object store.
// Keys are opaque strings: stores have no native notion of directories.
type Store interface {
	// Provider returns the name of the storage backend (e.g., "s3", "gcs", "azure", "fs").
	Provider() string

	// SignGet returns a pre-signed URL for GET operations with the given duration.
	SignGet(key string, d time.Duration) (string, error)

	// Exists checks if an object exists at the given key.
	Exists(ctx context.Context, key string) (bool, error)

	// Get returns an io.ReadCloser for the content of the given key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put durably writes content to the store at the given key, returning
	// the ObjectMetadata of the written revision. contentType may be empty.
	Put(ctx context.Context, key string, content io.ReaderAt, contentLength int64, contentType string) (pb.ObjectMetadata, error)

	// List enumerates all objects under the given prefix, in any order.
	// Implementations transparently page through arbitrarily large listings.
	// Keys passed to the callback are complete (they include |prefix|).
	// If the callback returns an error, listing is terminated and that error is returned.
	List(ctx context.Context, prefix string, callback func(pb.ObjectMetadata) error) error

	// Remove deletes the object at the given key.
	Remove(ctx context.Context, key string) error

	// IsAuthError returns true if the error represents an authorization failure
	// (e.g., missing permissions, bucket not found, access denied).
	IsAuthError(error) bool
}

// Constructor is a function that creates a Store instance from a URL.
// Each storage backend provides its own constructor implementation.
type Constructor func(*url.URL) (Store, error)

// DisableSignedUrls causes backends to return plain, unsigned URLs from
// SignGet. It's intended for use with local emulators.
var DisableSignedUrls = false

// ParseStoreArgs decodes the query arguments of store endpoint |ep| into
// |args|, which must be a pointer to a backend's StoreQueryArgs struct.
// Unknown arguments are an error.
func ParseStoreArgs(ep *url.URL, args interface{}) error {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	if q, err := url.ParseQuery(ep.RawQuery); err != nil {
		return err
	} else if err = decoder.Decode(args, q); err != nil {
		return fmt.Errorf("parsing store URL arguments: %s", err)
	}
	return nil
}
