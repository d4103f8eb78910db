package main

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.livestore.dev/core/cursor"
	mbp "go.livestore.dev/core/mainboilerplate"
	pb "go.livestore.dev/core/protocol"
)

type cmdWatch struct {
	RefreshInterval time.Duration `long:"refresh-interval" default:"5m" description:"Interval between fallback full listings of the store. Negative disables"`
	Document        string        `long:"document" description:"Relative key of a JSON document under the prefix whose fields are logged as they change"`
	Args            struct {
		Prefix string `positional-arg-name:"prefix" description:"Prefix to watch, relative to --store.root"`
	} `positional-args:"yes"`
}

func (cmd *cmdWatch) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	var ctx, cancel = startup()
	defer cancel()

	var s = mbp.MustSession(&Config.Store, &Config.PubSub, cmd.RefreshInterval)
	defer s.Dispose()

	var c = s.NewCursor(pb.JoinKey(Config.Store.Root, cmd.Args.Prefix))
	var w = &childWatcher{cursor: c}
	c.AddChangeListener(w.onChange)

	s.Index().AddNetworkErrorListener(func(messages []string) {
		if len(messages) == 0 {
			log.Info("network errors cleared")
		} else {
			log.WithField("errors", messages).Warn("network errors")
		}
	})

	if cmd.Document != "" {
		var doc, err = c.GetJSONFile(cmd.Document)
		mbp.Must(err, "failed to follow document", "document", cmd.Document)

		doc.AddChangeListener(func() {
			log.WithFields(log.Fields{
				"key":     doc.Key(),
				"fields":  doc.Fields(),
				"loading": doc.Loading(),
			}).Info("document changed")
		})
	}

	log.WithField("path", c.Path()).Info("watching")
	return s.Serve(ctx)
}

// childWatcher logs differences between successive children of a Cursor.
type childWatcher struct {
	cursor *cursor.Cursor

	mu   sync.Mutex
	prev map[string]pb.ObjectMetadata
}

func (w *childWatcher) onChange() {
	var next = w.cursor.GetChildren()

	w.mu.Lock()
	defer w.mu.Unlock()

	for rel, meta := range next {
		if prior, ok := w.prev[rel]; !ok {
			log.WithFields(log.Fields{"key": meta.Key, "size": meta.Size}).Info("added")
		} else if !prior.Equal(meta) {
			log.WithFields(log.Fields{
				"key":          meta.Key,
				"size":         meta.Size,
				"lastModified": meta.LastModified,
			}).Info("updated")
		}
	}
	for rel, meta := range w.prev {
		if _, ok := next[rel]; !ok {
			log.WithField("key", meta.Key).Info("removed")
		}
	}
	w.prev = next
}
