package stores

import (
	"errors"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// clearStores is a test helper to reset the global state
func clearStores() {
	storesMu.Lock()
	defer storesMu.Unlock()
	constructors = make(map[string]Constructor)
	stores = make(map[string]*ActiveStore)
}

func TestGetStore(t *testing.T) {
	clearStores()

	RegisterProviders(map[string]Constructor{
		"file": func(u *url.URL) (Store, error) {
			// Use path component for provider identification in tests
			return &CallbackStore{ProviderFunc: func() string { return u.Path }}, nil
		},
	})
	require.Len(t, GetProviders(), 1)

	// Get store for the first time - should create it
	s1, err := Get("file:///tmp/store1/")
	require.NoError(t, err)
	require.Equal(t, "/tmp/store1/", s1.Provider())

	// Get same store again - should return cached instance
	s2, err := Get("file:///tmp/store1/")
	require.NoError(t, err)
	require.Same(t, s1, s2)

	// Get different store - should create new instance
	s3, err := Get("file:///tmp/store2/")
	require.NoError(t, err)
	require.Equal(t, "/tmp/store2/", s3.Provider())
	require.NotSame(t, s1, s3)

	_, err = Get("s3://bucket/path/")
	require.EqualError(t, err, "unsupported store scheme: s3")
}

func TestRetryAfterInitError(t *testing.T) {
	clearStores()

	var callCount = 0
	var shouldFail = true
	var mu sync.Mutex

	RegisterProviders(map[string]Constructor{
		"file": func(u *url.URL) (Store, error) {
			mu.Lock()
			defer mu.Unlock()
			callCount++
			if shouldFail {
				return nil, errors.New("temporary failure")
			}
			return &CallbackStore{ProviderFunc: func() string { return u.Path }}, nil
		},
	})

	// First attempt - constructor should fail, and the failure isn't cached.
	_, err := Get("file:///tmp/test/")
	require.EqualError(t, err, "temporary failure")

	mu.Lock()
	shouldFail = false
	mu.Unlock()

	s, err := Get("file:///tmp/test/")
	require.NoError(t, err)
	require.Equal(t, "/tmp/test/", s.Provider())

	s2, err := Get("file:///tmp/test/")
	require.NoError(t, err)
	require.Same(t, s, s2)

	mu.Lock()
	require.Equal(t, 2, callCount) // Constructor not called again
	mu.Unlock()
}

func TestConcurrentAccess(t *testing.T) {
	clearStores()

	RegisterProviders(map[string]Constructor{
		"file": func(u *url.URL) (Store, error) {
			return &CallbackStore{ProviderFunc: func() string { return u.Path }}, nil
		},
	})

	var wg sync.WaitGroup
	const goroutines = 10
	wg.Add(goroutines)

	var out = make([]*ActiveStore, goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			out[i], _ = Get("file:///concurrent/")
		}(i)
	}
	wg.Wait()

	for i := 0; i < goroutines; i++ {
		require.NotNil(t, out[i])
		require.Same(t, out[0], out[i]) // All should be same pointer
	}
}
