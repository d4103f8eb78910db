// Package etcd implements a pubsub.Transport over an Etcd cluster.
//
// A message is published as a Put of its payload to the key Root + topic,
// attached to a lease held by the publishing connection. Subscribers watch
// the Root prefix and receive each Put whose topic matches a subscribed
// pattern. Keys are deleted when the lease of their publisher lapses.
package etcd

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.livestore.dev/core/pubsub"
	"go.livestore.dev/core/topic"
)

// Transport dials pubsub connections over an Etcd client.
type Transport struct {
	Client *clientv3.Client
	// Root key prefix under which topics are published. It should end in "/".
	Root string
	// LeaseTTL of keys written by a connection.
	LeaseTTL time.Duration
}

// NewTransport returns a Transport publishing under |root|.
func NewTransport(client *clientv3.Client, root string) *Transport {
	return &Transport{Client: client, Root: root, LeaseTTL: 20 * time.Second}
}

// Dial a connection, granting the lease its published keys are attached to.
func (t *Transport) Dial(ctx context.Context) (pubsub.Conn, error) {
	var lease, err = t.Client.Grant(ctx, int64(t.LeaseTTL.Seconds()))
	if err != nil {
		return nil, errors.WithMessage(err, "granting lease")
	}

	var connCtx, cancel = context.WithCancel(context.Background())
	keepAlive, err := t.Client.KeepAlive(connCtx, lease.ID)
	if err != nil {
		cancel()
		return nil, errors.WithMessage(err, "starting lease keep-alive")
	}
	var watch = t.Client.Watch(clientv3.WithRequireLeader(connCtx), t.Root, clientv3.WithPrefix())

	var c = &conn{
		etcd:     t.Client,
		root:     t.Root,
		lease:    lease.ID,
		ctx:      connCtx,
		cancel:   cancel,
		out:      make(chan pubsub.Message, 64),
		patterns: make(map[string]struct{}),
	}
	go c.serve(keepAlive, watch)

	log.WithFields(log.Fields{
		"root":  t.Root,
		"lease": lease.ID,
	}).Debug("dialed etcd pubsub connection")

	return c, nil
}

type conn struct {
	etcd   *clientv3.Client
	root   string
	lease  clientv3.LeaseID
	ctx    context.Context
	cancel context.CancelFunc
	out    chan pubsub.Message

	mu        sync.Mutex
	patterns  map[string]struct{}
	closeOnce sync.Once
}

func (c *conn) Publish(ctx context.Context, msg pubsub.Message) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	var _, err = c.etcd.Put(ctx, c.root+msg.Topic, string(msg.Payload), clientv3.WithLease(c.lease))
	return err
}

func (c *conn) Subscribe(_ context.Context, pattern string) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.patterns[pattern] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *conn) Unsubscribe(_ context.Context, pattern string) error {
	c.mu.Lock()
	delete(c.patterns, pattern)
	c.mu.Unlock()
	return nil
}

func (c *conn) Messages() <-chan pubsub.Message { return c.out }

// Close the connection and revoke its lease, removing its published keys.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()

		var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err = c.etcd.Revoke(ctx, c.lease)
	})
	return err
}

func (c *conn) serve(keepAlive <-chan *clientv3.LeaseKeepAliveResponse, watch clientv3.WatchChan) {
	defer close(c.out)
	defer c.Close()

	for {
		select {
		case _, ok := <-keepAlive:
			if !ok {
				log.WithField("lease", c.lease).Warn("etcd lease keep-alive ended")
				return
			}
		case resp, ok := <-watch:
			if !ok {
				return
			} else if err := resp.Err(); err != nil {
				log.WithField("err", err).Warn("etcd pubsub watch failed")
				return
			}
			for _, ev := range resp.Events {
				if ev.Type != mvccpb.PUT {
					continue
				}
				var name = strings.TrimPrefix(string(ev.Kv.Key), c.root)
				if !c.matches(name) {
					continue
				}
				select {
				case c.out <- pubsub.Message{Topic: name, Payload: ev.Kv.Value}:
				case <-c.ctx.Done():
					return
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) matches(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for pattern := range c.patterns {
		if topic.Match(pattern, name) {
			return true
		}
	}
	return false
}
