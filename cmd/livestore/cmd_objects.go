package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"go.livestore.dev/core/index"
	mbp "go.livestore.dev/core/mainboilerplate"
	pb "go.livestore.dev/core/protocol"
)

// keyArg is a key relative to the configured store root.
type keyArg struct {
	Key string `positional-arg-name:"key" description:"Key, relative to --store.root"`
}

func (a keyArg) key() string { return pb.JoinKey(Config.Store.Root, a.Key) }

// announceConfig is common configuration of commands which write.
type announceConfig struct {
	NoAnnounce bool `long:"no-announce" description:"Don't announce changes to other clients"`
}

// newWriteIndex returns an Index of the configured store, and the announcer
// its writes are published through (nil if announcements are disabled).
func (cfg announceConfig) newWriteIndex() (*index.Index, *announcer) {
	var a *announcer
	var ixCfg = index.Config{
		Store:     Config.Store.MustStore(),
		TopicRoot: Config.PubSub.TopicRoot,
		Root:      Config.Store.Root,
	}
	if !cfg.NoAnnounce {
		a = &announcer{transport: Config.PubSub.MustTransport(Config.PubSub.MustProvider())}
		ixCfg.Publisher = a
	}
	return index.New(ixCfg), a
}

func closeAnnouncer(a *announcer) {
	if a == nil {
		return
	}
	var n, err = a.Close()
	if err != nil {
		log.WithField("err", err).Warn("failed to close pubsub connection")
	}
	log.WithField("announced", n).Debug("closed announcer")
}

type cmdGet struct {
	SignedURL time.Duration `long:"signed-url" description:"Print a URL valid for this duration, rather than the content"`
	Args      keyArg        `positional-args:"yes" required:"yes"`
}

func (cmd *cmdGet) Execute([]string) error {
	var ctx, cancel = startup()
	defer cancel()

	var store = Config.Store.MustStore()
	var key = cmd.Args.key()

	if cmd.SignedURL != 0 {
		var u, err = store.SignGet(key, cmd.SignedURL)
		mbp.Must(err, "failed to sign URL", "key", key)
		fmt.Println(u)
		return nil
	}

	var rc, err = store.Get(ctx, key)
	mbp.Must(err, "failed to get key", "key", key)
	defer rc.Close()

	_, err = io.Copy(os.Stdout, rc)
	mbp.Must(err, "failed to copy content", "key", key)
	return nil
}

type cmdPut struct {
	announceConfig
	File        string `long:"file" short:"f" default:"-" description:"Path of content to upload. Use '-' for stdin"`
	ContentType string `long:"content-type" description:"Content type of the upload. Inferred from the key's extension if not set"`
	Args        keyArg `positional-args:"yes" required:"yes"`
}

func (cmd *cmdPut) Execute([]string) error {
	var ctx, cancel = startup()
	defer cancel()

	var content []byte
	var err error

	if cmd.File == "-" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(cmd.File)
	}
	mbp.Must(err, "failed to read content", "file", cmd.File)

	var contentType = cmd.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(cmd.Args.Key))
	}

	var ix, a = cmd.newWriteIndex()
	defer closeAnnouncer(a)

	var started = time.Now()
	meta, err := ix.Upload(ctx, cmd.Args.key(), content, contentType, func(sent, total int64) {
		log.WithFields(log.Fields{
			"sent":  humanize.IBytes(uint64(sent)),
			"total": humanize.IBytes(uint64(total)),
		}).Debug("upload progress")
	})
	mbp.Must(err, "upload failed")

	log.WithFields(log.Fields{
		"key":          meta.Key,
		"size":         humanize.IBytes(uint64(meta.Size)),
		"lastModified": meta.LastModified,
		"took":         time.Since(started),
	}).Info("uploaded")
	return nil
}

type cmdRemove struct {
	announceConfig
	Prefix bool   `long:"prefix" description:"Remove every key under the prefix, rather than a single key"`
	Args   keyArg `positional-args:"yes" required:"yes"`
}

func (cmd *cmdRemove) Execute([]string) error {
	var ctx, cancel = startup()
	defer cancel()

	var ix, a = cmd.newWriteIndex()
	defer closeAnnouncer(a)

	if !cmd.Prefix {
		mbp.Must(ix.Delete(ctx, cmd.Args.key()), "remove failed")
		return nil
	}
	var prefix = pb.FolderPrefix(cmd.Args.key())
	mbp.Must(removePrefix(ctx, ix, prefix), "remove failed", "prefix", prefix)
	return nil
}

// removePrefix lists the store and then removes every key under |prefix|.
func removePrefix(ctx context.Context, ix *index.Index, prefix string) error {
	if err := ix.FullRefresh(ctx); err != nil {
		return err
	}
	var n = len(ix.Keys(prefix))

	if err := ix.DeleteByPrefix(ctx, prefix); err != nil {
		return err
	}
	log.WithFields(log.Fields{"prefix": prefix, "removed": n}).Info("removed prefix")
	return nil
}
