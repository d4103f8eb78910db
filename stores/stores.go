package stores

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	constructors = make(map[string]Constructor)
	stores       = make(map[string]*ActiveStore)
	storesMu     sync.RWMutex
)

// RegisterProviders registers store constructors for different storage schemes.
// This should be called during initialization to register all available store types.
func RegisterProviders(providers map[string]Constructor) {
	storesMu.Lock()
	defer storesMu.Unlock()

	for scheme, constructor := range providers {
		constructors[scheme] = constructor
	}
}

// GetProviders returns a copy of the currently registered store constructors.
func GetProviders() map[string]Constructor {
	storesMu.RLock()
	defer storesMu.RUnlock()

	var copy = make(map[string]Constructor, len(constructors))
	for scheme, constructor := range constructors {
		copy[scheme] = constructor
	}
	return copy
}

// Get returns an ActiveStore for the given store endpoint URL.
// It will attempt to initialize the store if not already cached.
// Initialization failures are not cached, and are retried on the next call.
func Get(endpoint string) (*ActiveStore, error) {
	// Fast path: check if store already exists
	storesMu.RLock()
	if activeStore, ok := stores[endpoint]; ok {
		storesMu.RUnlock()
		return activeStore, nil
	}
	storesMu.RUnlock()

	storesMu.Lock()
	defer storesMu.Unlock()

	// Double-check after acquiring write lock
	if activeStore, ok := stores[endpoint]; ok {
		return activeStore, nil
	}

	var ep, err = url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing store endpoint: %w", err)
	}
	constructor, ok := constructors[ep.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported store scheme: %s", ep.Scheme)
	}

	store, err := constructor(ep)
	if err != nil {
		return nil, err
	}

	var activeStore = NewActiveStore(endpoint, store, nil)
	stores[endpoint] = activeStore
	activeStores.Set(float64(len(stores)))

	return activeStore, nil
}

var (
	activeStores = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livestore_store_active",
		Help: "Number of active object stores",
	})

	storeOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "livestore_store_operation_duration_seconds",
		Help:    "Duration of store operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	}, []string{"store", "operation", "status"})

	storeOperationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livestore_store_operation_total",
		Help: "Total number of store operations",
	}, []string{"store", "operation", "status"})

	storePutBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livestore_store_put_bytes_total",
		Help: "Total bytes written to stores",
	}, []string{"store"})

	storeListItems = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "livestore_store_list_items_count",
		Help:    "Number of items returned by list operations",
		Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1 to ~32k items
	}, []string{"store"})
)
