package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Provider supplies the identity and current credentials of a client.
type Provider interface {
	// IdentityID returns the stable identity of the client.
	IdentityID(ctx context.Context) (string, error)
	// Credentials returns a current Authorization header value,
	// or "" if the client presents no credentials.
	Credentials(ctx context.Context) (string, error)
}

// KeyedProvider is a Provider which mints its own credentials using an
// Authorizer. Minted credentials are cached, and re-minted once less
// than half of their lifetime remains.
type KeyedProvider struct {
	Authorizer Authorizer
	Identity   string
	Topics     []string
	TTL        time.Duration

	now func() time.Time

	mu     sync.Mutex
	header string
	exp    time.Time
}

// NewKeyedProvider returns a KeyedProvider for |identity|, granted |topics|.
// An empty |identity| is replaced by a random one.
func NewKeyedProvider(authorizer Authorizer, identity string, topics []string) *KeyedProvider {
	if identity == "" {
		identity = uuid.New().String()
	}
	return &KeyedProvider{
		Authorizer: authorizer,
		Identity:   identity,
		Topics:     topics,
		TTL:        time.Hour,
		now:        time.Now,
	}
}

func (p *KeyedProvider) IdentityID(context.Context) (string, error) {
	return p.Identity, nil
}

func (p *KeyedProvider) Credentials(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var now = p.now()
	if !p.exp.IsZero() && p.exp.After(now.Add(p.TTL/2)) {
		return p.header, nil
	}

	var token, err = p.Authorizer.Authorize(Claims{
		Identity: p.Identity,
		Topics:   p.Topics,
	}, p.TTL)
	if err != nil {
		return "", err
	}

	if token == "" {
		p.header = ""
	} else {
		p.header = "Bearer " + token
	}
	p.exp = now.Add(p.TTL)

	log.WithFields(log.Fields{
		"identity": p.Identity,
		"expires":  p.exp,
	}).Debug("minted client credentials")

	return p.header, nil
}
