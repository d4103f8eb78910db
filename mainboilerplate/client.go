package mainboilerplate

import (
	"time"

	"go.livestore.dev/core/auth"
	"go.livestore.dev/core/pubsub"
	"go.livestore.dev/core/pubsub/etcd"
	"go.livestore.dev/core/pubsub/websocket"
	"go.livestore.dev/core/session"
	"go.livestore.dev/core/stores"
)

// StoreConfig configures the object store which is mirrored.
type StoreConfig struct {
	URL  string `long:"url" env:"URL" default:"memory:///" description:"Store endpoint, eg s3://bucket/prefix/?region=us-east-1, gs://bucket/, azure://account/container/, file:///path/"`
	Root string `long:"root" env:"ROOT" default:"" description:"Key prefix of the store which is mirrored"`
}

// MustStore returns the Store of the configured URL. Its scheme must be
// registered with stores.RegisterProviders.
func (c *StoreConfig) MustStore() stores.Store {
	var s, err = stores.Get(c.URL)
	Must(err, "failed to open store", "url", c.URL)
	return s
}

// AuthConfig configures credentials minted or verified by a process.
type AuthConfig struct {
	Keys string        `long:"keys" env:"KEYS" default:"" description:"Whitespace or comma separated, base64-encoded keys. The first key signs credentials and any key verifies them. If empty, credentials are neither minted nor verified"`
	TTL  time.Duration `long:"ttl" env:"TTL" default:"1h" description:"Lifetime of minted credentials"`
}

// MustKeyedAuth returns an Authorizer and Verifier of the configured keys.
func (c *AuthConfig) MustKeyedAuth() interface {
	auth.Authorizer
	auth.Verifier
} {
	if c.Keys == "" {
		return auth.NewNoopAuth()
	}
	var ka, err = auth.NewKeyedAuth(c.Keys)
	Must(err, "failed to parse auth keys")
	return ka
}

// PubSubConfig configures the change notification transport.
type PubSubConfig struct {
	Transport  string        `long:"transport" env:"TRANSPORT" default:"websocket" choice:"websocket" choice:"etcd" description:"Transport of change notifications"`
	URL        string        `long:"url" env:"URL" default:"ws://localhost:8080/pubsub" description:"URL of the websocket hub"`
	TopicRoot  string        `long:"topic-root" env:"TOPIC_ROOT" default:"livestore" description:"Root of change notification topics"`
	RetryDelay time.Duration `long:"retry-delay" env:"RETRY_DELAY" default:"2s" description:"Delay between reconnection attempts"`

	Identity string   `long:"identity" env:"IDENTITY" default:"" description:"Identity presented to the hub. Generated if not set"`
	Topics   []string `long:"topic" env:"TOPICS" env-delim:"," description:"Topic patterns requested of the hub. Defaults to all topics under the topic root"`

	Auth AuthConfig `group:"Auth" namespace:"auth" env-namespace:"AUTH"`
	Etcd EtcdConfig `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
}

// MustProvider returns the auth.Provider which identifies this process.
func (c *PubSubConfig) MustProvider() *auth.KeyedProvider {
	var topics = c.Topics
	if len(topics) == 0 {
		topics = []string{c.TopicRoot + "/#"}
	}
	var p = auth.NewKeyedProvider(c.Auth.MustKeyedAuth(), GenerateID(c.Identity), topics)
	p.TTL = c.Auth.TTL
	return p
}

// MustTransport returns the configured pubsub.Transport, which presents
// credentials of |provider|.
func (c *PubSubConfig) MustTransport(provider auth.Provider) pubsub.Transport {
	switch c.Transport {
	case "etcd":
		var t = etcd.NewTransport(c.Etcd.MustDial(), c.Etcd.Prefix+"/")
		t.LeaseTTL = c.Etcd.LeaseTTL
		return t
	default:
		return &websocket.Transport{URL: c.URL, Auth: provider}
	}
}

// MustSession composes the configured Store and pub/sub transport into a
// session.Session, which the caller must Serve.
func MustSession(store *StoreConfig, ps *PubSubConfig, refreshInterval time.Duration) *session.Session {
	var provider = ps.MustProvider()

	return session.New(session.Config{
		Store:           store.MustStore(),
		Transport:       ps.MustTransport(provider),
		Auth:            provider,
		TopicRoot:       ps.TopicRoot,
		Root:            store.Root,
		RefreshInterval: refreshInterval,
		RetryDelay:      ps.RetryDelay,
	})
}
