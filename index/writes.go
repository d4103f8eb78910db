package index

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	pb "go.livestore.dev/core/protocol"
	"go.livestore.dev/core/pubsub"
	"go.livestore.dev/core/stores"
	"golang.org/x/sync/errgroup"
)

// Upload |content| to |key|, notifying |onProgress| (which may be nil) as it's
// sent. On success the written revision is applied to the Index and announced
// to other clients. On failure the Upload network error is set.
func (ix *Index) Upload(ctx context.Context, key string, content []byte, contentType string, onProgress stores.ProgressFunc) (pb.ObjectMetadata, error) {
	var meta, err = stores.PutBytes(ctx, ix.cfg.Store, key, content, contentType, onProgress)
	if err != nil {
		ix.SetNetworkError(pb.ErrorUpload, fmt.Sprintf("Failed to upload %s: %v", key, err))
		return pb.ObjectMetadata{}, errors.WithMessagef(err, "uploading %s", key)
	}
	ix.ClearNetworkError(pb.ErrorUpload)

	if meta.Key == "" {
		meta.Key = key
	}
	ix.textCache.Add(textCacheKey(meta), string(content))
	ix.ApplyUpdate(meta)
	ix.announce(ctx, pb.UpdateTopic(ix.cfg.TopicRoot, key), pb.NewEvent(meta))

	return meta, nil
}

// Delete |key| from the Store. On success the deletion is applied to the
// Index and announced to other clients. On failure the Delete network
// error is set.
func (ix *Index) Delete(ctx context.Context, key string) error {
	if err := ix.cfg.Store.Remove(ctx, key); err != nil {
		ix.SetNetworkError(pb.ErrorDelete, fmt.Sprintf("Failed to delete %s: %v", key, err))
		return errors.WithMessagef(err, "deleting %s", key)
	}
	ix.ClearNetworkError(pb.ErrorDelete)

	ix.ApplyDelete(key)
	ix.announce(ctx, pb.DeleteTopic(ix.cfg.TopicRoot, key), pb.Event{Key: key})

	return nil
}

// DeleteByPrefix deletes every key having |prefix| which is held by the
// Index at the time of the call. Keys created afterwards are not deleted.
// Deletions proceed in parallel, and the first failure is returned.
func (ix *Index) DeleteByPrefix(ctx context.Context, prefix string) error {
	var keys = ix.Keys(prefix)

	var g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.DeleteParallelism)

	for _, key := range keys {
		g.Go(func() error { return ix.Delete(gctx, key) })
	}
	if err := g.Wait(); err != nil {
		return errors.WithMessagef(err, "deleting prefix %q", prefix)
	}

	log.WithFields(log.Fields{
		"prefix": prefix,
		"keys":   len(keys),
	}).Info("deleted prefix")

	return nil
}

// DownloadText returns the content of |key| as text. Content of the
// revision held by the Index is cached. On failure the Get network
// error is set.
func (ix *Index) DownloadText(ctx context.Context, key string) (string, error) {
	var meta, held = ix.GetMetadata(key)
	if held {
		if v, ok := ix.textCache.Get(textCacheKey(meta)); ok {
			return v.(string), nil
		}
	}

	var text, err = stores.GetText(ctx, ix.cfg.Store, key)
	if err != nil {
		ix.SetNetworkError(pb.ErrorGet, fmt.Sprintf("Failed to download %s: %v", key, err))
		return "", errors.WithMessagef(err, "downloading %s", key)
	}
	ix.ClearNetworkError(pb.ErrorGet)

	// Cache only if the held revision didn't change while downloading.
	if cur, ok := ix.GetMetadata(key); held && ok && cur.Equal(meta) {
		ix.textCache.Add(textCacheKey(meta), text)
	}
	return text, nil
}

// SignedURL returns a URL from which |key| may be fetched for duration |d|.
func (ix *Index) SignedURL(key string, d time.Duration) (string, error) {
	return ix.cfg.Store.SignGet(key, d)
}

// Attach subscribes the Index to change events published through |client|.
// The returned function detaches it.
func (ix *Index) Attach(client *pubsub.Client) (detach func()) {
	var unsubUpdates = client.Subscribe(pb.UpdatePattern(ix.cfg.TopicRoot), ix.onMessage)
	var unsubDeletes = client.Subscribe(pb.DeletePattern(ix.cfg.TopicRoot), ix.onMessage)

	return func() {
		unsubUpdates()
		unsubDeletes()
	}
}

// onMessage applies a change event received over pub/sub.
func (ix *Index) onMessage(msg pubsub.Message) {
	var ev, err = pb.ParseEvent(msg.Topic, msg.Payload)
	if err != nil {
		log.WithFields(log.Fields{
			"topic": msg.Topic,
			"err":   err,
		}).Warn("discarding malformed change event")
		return
	}
	if !strings.HasPrefix(ev.Key, ix.cfg.Root) {
		return
	}

	if pb.IsDeleteTopic(msg.Topic) {
		ix.ApplyDelete(ev.Key)
	} else {
		ix.ApplyUpdate(ev.Metadata())
	}
}

// announce publishes |ev| so that other clients converge without waiting
// for a full refresh. A client which is offline queues the announcement.
func (ix *Index) announce(ctx context.Context, topic string, ev pb.Event) {
	if ix.cfg.Publisher == nil {
		return
	}
	if err := ix.cfg.Publisher.Publish(ctx, topic, ev.Marshal()); err != nil {
		log.WithFields(log.Fields{
			"topic": topic,
			"err":   err,
		}).Warn("failed to announce change")
	}
}

func textCacheKey(meta pb.ObjectMetadata) string {
	return fmt.Sprintf("%s@%d", meta.Key, meta.LastModified.UnixMilli())
}
