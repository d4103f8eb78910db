// Package index maintains a flat, reactive mirror of the object metadata of
// a remote store.
//
// The Index holds the last known ObjectMetadata of every key under its Root.
// It's populated by full listings of the store (FullRefresh) and then kept
// current by change events received over pub/sub. Events may arrive
// duplicated and out of order: an update is applied only if it's strictly
// newer than the held revision, which makes application idempotent and
// commutative. Deletes are applied unconditionally.
//
// Components observe the Index through point listeners of a single key and
// prefix ("children") listeners of all keys under a prefix. Prefix listeners
// are notified only when the snapshot of their prefix actually changes.
//
// Listeners are invoked without the Index lock held, in the order that their
// notifications were raised. A listener may freely call back into the Index,
// including to add or remove listeners. A listener which has been removed is
// never invoked, even for a notification raised before its removal.
package index

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
	"go.livestore.dev/core/metrics"
	pb "go.livestore.dev/core/protocol"
	"go.livestore.dev/core/stores"
)

// Publisher announces messages under a topic. *pubsub.Client is a Publisher.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// ErrNotFound is returned for a key which isn't held by the Index.
var ErrNotFound = errors.New("key not found in index")

// Config of an Index.
type Config struct {
	// Store which is mirrored.
	Store stores.Store
	// Publisher of change events. If nil, writes aren't announced.
	Publisher Publisher
	// TopicRoot under which change events are published and subscribed.
	TopicRoot string
	// Root key prefix of the Store which is mirrored. Empty mirrors all keys.
	Root string
	// TextCacheSize is the number of downloaded texts retained.
	TextCacheSize int
	// DeleteParallelism bounds concurrent removals of DeleteByPrefix.
	DeleteParallelism int
}

// Index is a reactive mirror of store object metadata.
type Index struct {
	cfg       Config
	textCache *lru.Cache
	// Held while performing a FullRefresh. Refreshes don't overlap.
	refreshMu sync.Mutex

	mu      sync.Mutex
	entries map[string]pb.ObjectMetadata
	point   map[string][]*Listener
	prefix  map[string]*prefixState
	errs    networkErrors
	loading bool

	// Non-nil while a FullRefresh is in progress: keys listed or updated
	// since it began. Prefix notifications are suspended while non-nil.
	refreshed map[string]struct{}

	// Notifications awaiting delivery, and whether a goroutine is delivering them.
	pending  []notification
	draining bool
}

type prefixState struct {
	listeners []*Listener
	// Last snapshot delivered to (or read by) listeners. Never mutated.
	last map[string]pb.ObjectMetadata
}

type notification struct {
	l    *Listener
	fire func()
}

// New returns an empty Index of |cfg|.
func New(cfg Config) *Index {
	if cfg.TextCacheSize <= 0 {
		cfg.TextCacheSize = 256
	}
	if cfg.DeleteParallelism <= 0 {
		cfg.DeleteParallelism = 8
	}
	var cache, err = lru.New(cfg.TextCacheSize)
	if err != nil {
		panic(err) // Only errors on a non-positive size.
	}

	return &Index{
		cfg:       cfg,
		textCache: cache,
		entries:   make(map[string]pb.ObjectMetadata),
		point:     make(map[string][]*Listener),
		prefix:    make(map[string]*prefixState),
		errs:      networkErrors{messages: make(map[pb.ErrorCategory]string)},
	}
}

// Root returns the key prefix mirrored by the Index.
func (ix *Index) Root() string { return ix.cfg.Root }

// Store returns the Store mirrored by the Index.
func (ix *Index) Store() stores.Store { return ix.cfg.Store }

// ApplyUpdate applies |meta| if its key is unknown, or if it's strictly newer
// than the held revision. It returns whether |meta| was applied.
func (ix *Index) ApplyUpdate(meta pb.ObjectMetadata) bool {
	ix.mu.Lock()
	var applied = ix.applyUpdate(meta)
	ix.mu.Unlock()

	ix.drain()
	return applied
}

// ApplyDelete removes |key|, regardless of the revision held. Notably, a
// delete which is delivered after a re-creation of the key removes the
// re-created revision until a later update or FullRefresh restores it.
// It returns whether |key| was held.
func (ix *Index) ApplyDelete(key string) bool {
	ix.mu.Lock()
	var existed = ix.applyDelete(key)
	ix.mu.Unlock()

	ix.drain()
	return existed
}

// applyUpdate requires |ix.mu| is held.
func (ix *Index) applyUpdate(meta pb.ObjectMetadata) bool {
	if ix.refreshed != nil {
		ix.refreshed[meta.Key] = struct{}{}
	}

	var cur, ok = ix.entries[meta.Key]
	if ok && !meta.NewerThan(cur) {
		metrics.IndexEventsTotal.WithLabelValues(metrics.Update, "false").Inc()
		return false
	}
	ix.entries[meta.Key] = meta
	metrics.IndexEventsTotal.WithLabelValues(metrics.Update, "true").Inc()
	metrics.IndexKeys.Set(float64(len(ix.entries)))

	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{
			"key":          meta.Key,
			"lastModified": meta.LastModified,
			"size":         meta.Size,
		}).Debug("applied update")
	}
	ix.changed(meta.Key, meta, true)
	return true
}

// applyDelete requires |ix.mu| is held.
func (ix *Index) applyDelete(key string) bool {
	var _, ok = ix.entries[key]
	if !ok {
		metrics.IndexEventsTotal.WithLabelValues(metrics.Delete, "false").Inc()
		return false
	}
	delete(ix.entries, key)
	metrics.IndexEventsTotal.WithLabelValues(metrics.Delete, "true").Inc()
	metrics.IndexKeys.Set(float64(len(ix.entries)))

	log.WithField("key", key).Debug("applied delete")
	ix.changed(key, pb.ObjectMetadata{}, false)
	return true
}

// changed queues notifications of a mutation of |key|.
// It requires |ix.mu| is held.
func (ix *Index) changed(key string, meta pb.ObjectMetadata, exists bool) {
	for _, l := range ix.point[key] {
		var fn = l.onMetadata
		ix.enqueue(l, func() { fn(meta, exists) })
	}
	if ix.refreshed != nil {
		return // Prefixes are re-evaluated when the refresh completes.
	}

	for prefix, st := range ix.prefix {
		var rel, ok = childRel(prefix, key)
		if !ok {
			continue
		}
		var prev, had = st.last[rel]
		if had == exists && (!exists || prev.Equal(meta)) {
			continue // Snapshot is unchanged.
		}

		var next = make(map[string]pb.ObjectMetadata, len(st.last)+1)
		for k, v := range st.last {
			next[k] = v
		}
		if exists {
			next[rel] = meta
		} else {
			delete(next, rel)
		}
		st.last = next
		ix.notifyPrefix(st)
	}
}

// notifyPrefix queues notifications of the current snapshot of |st|.
// It requires |ix.mu| is held.
func (ix *Index) notifyPrefix(st *prefixState) {
	var snapshot = st.last
	for _, l := range st.listeners {
		var fn = l.onChildren
		ix.enqueue(l, func() { fn(snapshot) })
	}
}

// enqueue requires |ix.mu| is held.
func (ix *Index) enqueue(l *Listener, fire func()) {
	ix.pending = append(ix.pending, notification{l: l, fire: fire})
}

// drain delivers pending notifications, unless another goroutine (or an
// enclosing call of this goroutine) is already doing so.
func (ix *Index) drain() {
	ix.mu.Lock()
	if ix.draining {
		ix.mu.Unlock()
		return
	}
	ix.draining = true

	for len(ix.pending) != 0 {
		var n = ix.pending[0]
		ix.pending[0] = notification{}
		ix.pending = ix.pending[1:]

		if n.l.removed {
			continue
		}
		ix.mu.Unlock()
		n.fire()
		metrics.IndexNotificationsTotal.Inc()
		ix.mu.Lock()
	}
	ix.pending = nil
	ix.draining = false
	ix.mu.Unlock()
}

// GetMetadata returns the held ObjectMetadata of |key|, and whether it exists.
func (ix *Index) GetMetadata(key string) (pb.ObjectMetadata, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var meta, ok = ix.entries[key]
	return meta, ok
}

// GetChildren returns a snapshot of all keys having |prefix|, mapped on their
// remainder after |prefix|. A key equal to |prefix| (such as a folder marker)
// isn't a child of it. The returned map must not be modified.
//
// If |prefix| has listeners, the snapshot is the one they last observed.
// During a FullRefresh that may lag the held keys, and listeners (along with
// any reader of the snapshot) are notified of the difference on completion.
func (ix *Index) GetChildren(prefix string) map[string]pb.ObjectMetadata {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if st, ok := ix.prefix[prefix]; ok {
		return st.last
	}
	return ix.snapshot(prefix)
}

// snapshot requires |ix.mu| is held.
func (ix *Index) snapshot(prefix string) map[string]pb.ObjectMetadata {
	var out = make(map[string]pb.ObjectMetadata)
	for key, meta := range ix.entries {
		if rel, ok := childRel(prefix, key); ok {
			out[rel] = meta
		}
	}
	return out
}

// Keys returns all held keys having |prefix|, in sorted order.
func (ix *Index) Keys(prefix string) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var out []string
	for key := range ix.entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of held keys.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}

// Loading returns true while a FullRefresh is in progress.
func (ix *Index) Loading() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.loading
}

// childRel returns |key| relative to |prefix|, if |key| is a child of it.
func childRel(prefix, key string) (string, bool) {
	if len(key) <= len(prefix) || !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return key[len(prefix):], true
}

func snapshotsEqual(a, b map[string]pb.ObjectMetadata) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		if vb, ok := b[k]; !ok || !va.Equal(vb) {
			return false
		}
	}
	return true
}
