// Package session composes the process-wide livestore context: a Store,
// a reconnecting pub/sub Client, and the Index which mirrors the Store.
//
// A Session is constructed once at startup and passed to the components
// which need it. Serve runs the pub/sub connection, and repairs the Index
// with a full refresh upon every (re)connection and at a fallback interval,
// as events published while disconnected are lost.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.livestore.dev/core/auth"
	"go.livestore.dev/core/cursor"
	"go.livestore.dev/core/foldertree"
	"go.livestore.dev/core/index"
	pb "go.livestore.dev/core/protocol"
	"go.livestore.dev/core/pubsub"
	"go.livestore.dev/core/stores"
	"golang.org/x/sync/errgroup"
)

// DefaultRefreshInterval is the fallback interval between full refreshes.
const DefaultRefreshInterval = 5 * time.Minute

// Config of a Session.
type Config struct {
	// Store which is mirrored.
	Store stores.Store
	// Transport of the pub/sub Client.
	Transport pubsub.Transport
	// Auth identifies the Session. Optional.
	Auth auth.Provider
	// TopicRoot of change events.
	TopicRoot string
	// Root key prefix of the Store which is mirrored.
	Root string
	// RefreshInterval between fallback full refreshes. Zero uses
	// DefaultRefreshInterval, and a negative value disables them.
	RefreshInterval time.Duration
	// RetryDelay of pub/sub reconnections. Zero uses pubsub.DefaultRetryDelay.
	RetryDelay time.Duration
}

// Session is the process-wide livestore context.
type Session struct {
	cfg    Config
	client *pubsub.Client
	index  *index.Index

	// Signalled to request a full refresh.
	refresh chan struct{}

	mu        sync.Mutex
	disposers []func()
	cursors   map[*cursor.Cursor]struct{}
	disposed  bool
}

// New returns a Session of |cfg|. The Index begins empty, and is populated
// once Serve is called.
func New(cfg Config) *Session {
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	var client = pubsub.NewClient(cfg.Transport)
	if cfg.RetryDelay != 0 {
		client.RetryDelay = cfg.RetryDelay
	}

	var ix = index.New(index.Config{
		Store:     cfg.Store,
		Publisher: client,
		TopicRoot: cfg.TopicRoot,
		Root:      cfg.Root,
	})
	var s = &Session{
		cfg:     cfg,
		client:  client,
		index:   ix,
		refresh: make(chan struct{}, 1),
		cursors: make(map[*cursor.Cursor]struct{}),
	}
	s.disposers = append(s.disposers,
		ix.Attach(client),
		client.OnConnectionStateChanged(s.onConnectionState),
	)
	return s
}

// Index returns the Index of the Session.
func (s *Session) Index() *index.Index { return s.index }

// Client returns the pub/sub Client of the Session.
func (s *Session) Client() *pubsub.Client { return s.client }

// Store returns the Store of the Session.
func (s *Session) Store() stores.Store { return s.cfg.Store }

func (s *Session) onConnectionState(connected bool) {
	if connected {
		s.index.ClearNetworkError(pb.ErrorPubSub)
		s.RequestRefresh()
	} else {
		s.index.SetNetworkError(pb.ErrorPubSub, "Disconnected from change notifications; reconnecting")
	}
}

// RequestRefresh asks Serve to perform a full refresh. Requests made while
// a refresh is already pending are coalesced.
func (s *Session) RequestRefresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// Serve the Session until |ctx| is done or the Session is disposed.
func (s *Session) Serve(ctx context.Context) error {
	var fields = log.Fields{
		"store":     s.cfg.Store.Provider(),
		"root":      s.cfg.Root,
		"topicRoot": s.cfg.TopicRoot,
		"client":    s.client.ID,
	}
	if s.cfg.Auth != nil {
		var id, err = s.cfg.Auth.IdentityID(ctx)
		if err != nil {
			return errors.WithMessage(err, "fetching session identity")
		}
		fields["identity"] = id
	}
	log.WithFields(fields).Info("serving session")

	var g, gctx = errgroup.WithContext(ctx)
	// Client.Serve returns ErrClientClosed upon Dispose, which also
	// cancels refreshes.
	g.Go(func() error { return s.client.Serve(gctx) })
	g.Go(func() error { return s.serveRefreshes(gctx) })

	if err := g.Wait(); err != nil && err != pubsub.ErrClientClosed {
		return err
	}
	return nil
}

func (s *Session) serveRefreshes(ctx context.Context) error {
	var tick <-chan time.Time
	if s.cfg.RefreshInterval > 0 {
		var ticker = time.NewTicker(s.cfg.RefreshInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.refresh:
		case <-tick:
		}
		// Failures are reported as an Index network error, and repaired
		// by the next refresh.
		if err := s.index.FullRefresh(ctx); err != nil && ctx.Err() == nil {
			log.WithField("err", err).Warn("full refresh failed")
		}
	}
}

// NewCursor returns a Cursor of the Session's Index at |path|. It's
// disposed with the Session, if not before.
func (s *Session) NewCursor(path string) *cursor.Cursor {
	var c = cursor.New(s.index, path)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		c.Dispose()
	} else {
		s.cursors[c] = struct{}{}
	}
	return c
}

// NewFolderTree returns a foldertree.Tree of the Session's Store at
// |prefix|, kept current through the Session's Client. Its subscriptions
// are removed when the Session is disposed.
func (s *Session) NewFolderTree(prefix string) *foldertree.Tree {
	var tree = foldertree.NewTree(s.cfg.Store, prefix, s.client, s.cfg.TopicRoot)
	var unsubscribe = tree.Root().Subscribe(s.client)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		unsubscribe()
	} else {
		s.disposers = append(s.disposers, unsubscribe)
	}
	return tree
}

// Dispose the Session: its Cursors and subscriptions are released, and its
// Client is closed. Dispose is idempotent.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	var cursors, disposers = s.cursors, s.disposers
	s.cursors, s.disposers = nil, nil
	s.mu.Unlock()

	for c := range cursors {
		c.Dispose()
	}
	for _, fn := range disposers {
		fn()
	}
	if err := s.client.Close(); err != nil {
		log.WithField("err", err).Warn("failed to close pubsub client")
	}
}
