package index

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.livestore.dev/core/metrics"
	pb "go.livestore.dev/core/protocol"
)

// FullRefresh lists all keys of the Store under the Index Root, and
// reconciles the Index with the listing. Listed keys are applied as they
// arrive under the usual merge rule. Once the listing completes, held keys
// which were neither listed nor updated during the refresh are deleted.
//
// Prefix listeners aren't notified during the refresh. Instead, each is
// notified at most once upon its completion, if its snapshot changed.
//
// If the listing fails, keys applied so far are retained, no keys are
// deleted, and the FullRefresh network error is set.
func (ix *Index) FullRefresh(ctx context.Context) error {
	ix.refreshMu.Lock()
	defer ix.refreshMu.Unlock()

	var started = time.Now()

	ix.mu.Lock()
	ix.loading = true
	ix.refreshed = make(map[string]struct{})
	ix.mu.Unlock()

	var listed int
	var err = ix.cfg.Store.List(ctx, ix.cfg.Root, func(meta pb.ObjectMetadata) error {
		listed++

		ix.mu.Lock()
		ix.applyUpdate(meta)
		ix.mu.Unlock()

		ix.drain() // Point listeners are not suspended.
		return nil
	})

	ix.mu.Lock()
	var removed int
	if err == nil {
		for key := range ix.entries {
			if _, ok := ix.refreshed[key]; !ok && strings.HasPrefix(key, ix.cfg.Root) {
				ix.applyDelete(key)
				removed++
			}
		}
	}
	ix.refreshed = nil
	ix.loading = false
	ix.flushPrefixes()
	var held = len(ix.entries)
	ix.mu.Unlock()

	ix.drain()
	metrics.IndexRefreshDurationSeconds.Observe(time.Since(started).Seconds())

	if err != nil {
		metrics.IndexRefreshTotal.WithLabelValues(metrics.Fail).Inc()
		ix.SetNetworkError(pb.ErrorFullRefresh, "Failed to refresh file listing: "+err.Error())
		return errors.WithMessage(err, "listing store")
	}
	metrics.IndexRefreshTotal.WithLabelValues(metrics.Ok).Inc()
	ix.ClearNetworkError(pb.ErrorFullRefresh)

	log.WithFields(log.Fields{
		"root":    ix.cfg.Root,
		"listed":  listed,
		"removed": removed,
		"held":    held,
		"took":    time.Since(started),
	}).Info("full refresh complete")

	return nil
}

// flushPrefixes re-evaluates the snapshot of every listened prefix,
// notifying those which changed. It requires |ix.mu| is held.
func (ix *Index) flushPrefixes() {
	for prefix, st := range ix.prefix {
		var next = ix.snapshot(prefix)
		if !snapshotsEqual(st.last, next) {
			st.last = next
			ix.notifyPrefix(st)
		}
	}
}
