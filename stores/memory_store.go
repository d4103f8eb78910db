package stores

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	pb "go.livestore.dev/core/protocol"
)

// MemoryStore is an in-memory implementation of Store for testing.
type MemoryStore struct {
	URL     *url.URL
	Content map[string][]byte
	Meta    map[string]pb.ObjectMetadata
	// Now returns the modification time assigned to a Put.
	// Times are truncated to milliseconds, matching the event wire format.
	Now func() time.Time
	// PageSize is the number of objects returned per listing page.
	PageSize int
	// Pages counts listing pages served, across all List calls.
	Pages int
	// Listed counts objects and common prefixes passed to listing callbacks.
	Listed int

	mu sync.RWMutex
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(ep *url.URL) *MemoryStore {
	if ep == nil {
		ep = &url.URL{Scheme: "memory", Path: "/"}
	}
	return &MemoryStore{
		URL:      ep,
		Content:  make(map[string][]byte),
		Meta:     make(map[string]pb.ObjectMetadata),
		Now:      time.Now,
		PageSize: 1000,
	}
}

func (m *MemoryStore) Provider() string { return "memory" }

func (m *MemoryStore) SignGet(key string, d time.Duration) (string, error) {
	var u = m.URL.JoinPath(key)
	u.Scheme = "memory" // Use a custom scheme to indicate in-memory storage.
	return u.String(), nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var _, exists = m.Content[key]
	return exists, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var content, exists = m.Content[key]
	if !exists {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, content io.ReaderAt, contentLength int64, contentType string) (pb.ObjectMetadata, error) {
	var buf = make([]byte, contentLength)
	if contentLength != 0 {
		if _, err := content.ReadAt(buf, 0); err != nil && err != io.EOF {
			return pb.ObjectMetadata{}, fmt.Errorf("failed to read content: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var meta = pb.ObjectMetadata{
		Key:          key,
		LastModified: m.Now().Truncate(time.Millisecond).UTC(),
		Size:         contentLength,
	}
	m.Content[key] = buf
	m.Meta[key] = meta
	return meta, nil
}

// Set directly installs content having the given modification time,
// as if written by another client of the store.
func (m *MemoryStore) Set(key string, content []byte, modTime time.Time) pb.ObjectMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	var meta = pb.ObjectMetadata{Key: key, LastModified: modTime, Size: int64(len(content))}
	m.Content[key] = content
	m.Meta[key] = meta
	return meta
}

func (m *MemoryStore) List(ctx context.Context, prefix string, callback func(pb.ObjectMetadata) error) error {
	// Snapshot matching keys so that |callback| is invoked without the lock held.
	m.mu.RLock()
	var keys []string
	for key := range m.Meta {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var page = m.PageSize
	if page <= 0 {
		page = len(keys) + 1
	}
	var pages [][]pb.ObjectMetadata
	for len(keys) != 0 {
		var n = min(page, len(keys))
		var p = make([]pb.ObjectMetadata, n)
		for i := range p {
			p[i] = m.Meta[keys[i]]
		}
		pages, keys = append(pages, p), keys[n:]
	}
	m.mu.RUnlock()

	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.Lock()
		m.Pages++
		m.mu.Unlock()

		for _, meta := range p {
			m.mu.Lock()
			m.Listed++
			m.mu.Unlock()

			if err := callback(meta); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListLevel lists keys directly under |prefix| as a single page.
func (m *MemoryStore) ListLevel(ctx context.Context, prefix string, object func(pb.ObjectMetadata) error, commonPrefix func(string) error) error {
	m.mu.RLock()
	var objects []pb.ObjectMetadata
	var prefixes []string
	var seen = make(map[string]struct{})

	for key, meta := range m.Meta {
		var rel, ok = strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		var ind = strings.Index(rel, Delimiter)
		if ind == -1 {
			objects = append(objects, meta)
			continue
		}
		var cp = prefix + rel[:ind+len(Delimiter)]
		if _, ok := seen[cp]; !ok {
			seen[cp] = struct{}{}
			prefixes = append(prefixes, cp)
		}
	}
	m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.Pages++
	m.Listed += len(objects) + len(prefixes)
	m.mu.Unlock()

	for _, meta := range objects {
		if err := object(meta); err != nil {
			return err
		}
	}
	for _, cp := range prefixes {
		if err := commonPrefix(cp); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.Content, key)
	delete(m.Meta, key)
	return nil
}

func (m *MemoryStore) IsAuthError(err error) bool {
	return false
}

// Keys returns the sorted keys of the MemoryStore.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out = make([]string, 0, len(m.Meta))
	for key := range m.Meta {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
