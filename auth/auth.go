// Package auth mints and verifies the bearer credentials which gate access
// to pub/sub topics, and provides the identity and credentials of a client.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.livestore.dev/core/topic"
)

// Claims of a livestore credential.
type Claims struct {
	jwt.RegisteredClaims
	// Identity of the client to which the credential was issued.
	Identity string `json:"id,omitempty"`
	// Topics are patterns of the topics the client may publish and subscribe to.
	Topics []string `json:"topics,omitempty"`
}

// Allows returns true if a topic grant of the Claims matches |name|.
// |name| may itself be a subscription pattern, in which case a grant
// must match its literal prefix.
func (c Claims) Allows(name string) bool {
	if topic.IsWildcard(name) {
		name = strings.TrimSuffix(topic.LiteralPrefix(name), "/")
	}
	for _, grant := range c.Topics {
		if topic.Match(grant, name) {
			return true
		}
	}
	return false
}

// Check returns an error if the Claims don't allow |name|.
func (c Claims) Check(name string) error {
	if c.Allows(name) {
		return nil
	}
	return fmt.Errorf("authorization does not grant topic %q", name)
}

// Authorizer mints credentials for Claims.
type Authorizer interface {
	// Authorize returns a bearer token for |claims| which expires after |exp|.
	Authorize(claims Claims, exp time.Duration) (string, error)
}

// Verifier verifies presented credentials.
type Verifier interface {
	// Verify the value of an Authorization header, returning its Claims.
	Verify(authorization string) (Claims, error)
}

// NewKeyedAuth returns a KeyedAuth that implements Authorizer and Verifier using
// the given pre-shared secret keys, which are base64 encoded and separate by
// whitespace and/or commas.
//
// The first key is used for signing Authorizations, and any key may verify
// a presented Authorization.
//
// The special value `AA==` (the base64 encoding of a single zero byte)
// will allow requests missing an authorization header to proceed, and should
// only be used temporarily for rollout of authorization.
func NewKeyedAuth(base64Keys string) (*KeyedAuth, error) {
	var keys jwt.VerificationKeySet
	var allowMissing bool

	for i, key := range strings.Fields(strings.ReplaceAll(base64Keys, ",", " ")) {
		if key == "AA==" {
			allowMissing = true
		} else if b, err := base64.StdEncoding.DecodeString(key); err != nil {
			return nil, fmt.Errorf("failed to decode key at index %d: %w", i, err)
		} else {
			keys.Keys = append(keys.Keys, b)
		}
	}
	if len(keys.Keys) == 0 {
		return nil, fmt.Errorf("at least one key must be provided")
	}
	return &KeyedAuth{keys, allowMissing}, nil
}

// KeyedAuth implements Authorizer and Verifier using symmetric, pre-shared keys.
type KeyedAuth struct {
	jwt.VerificationKeySet
	allowMissing bool
}

func (k *KeyedAuth) Authorize(claims Claims, exp time.Duration) (string, error) {
	var now = time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(exp))

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.Keys[0])
}

func (k *KeyedAuth) Verify(authorization string) (Claims, error) {
	return verifyWithKeys(authorization, k.VerificationKeySet, k.allowMissing)
}

// NewNoopAuth returns an Authorizer and Verifier which does nothing.
// Its Verifier grants all topics.
func NewNoopAuth() interface {
	Authorizer
	Verifier
} {
	return &noop{}
}

type noop struct{}

func (*noop) Authorize(Claims, time.Duration) (string, error) { return "", nil }
func (*noop) Verify(string) (Claims, error)                   { return Claims{Topics: []string{"#"}}, nil }

func verifyWithKeys(authorization string, keys jwt.VerificationKeySet, allowMissing bool) (Claims, error) {
	if authorization == "" {
		if allowMissing {
			return Claims{
				Topics: []string{"#"},
				RegisteredClaims: jwt.RegisteredClaims{
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				},
			}, nil
		}
		return errClaims, ErrMissingAuth
	} else if !strings.HasPrefix(authorization, "Bearer ") {
		return errClaims, ErrNotBearer
	}
	var bearer = strings.TrimPrefix(authorization, "Bearer ")
	var claims Claims

	if token, err := jwt.ParseWithClaims(bearer, &claims,
		func(token *jwt.Token) (interface{}, error) { return keys, nil },
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Second*5),
		jwt.WithValidMethods([]string{"HS256", "HS384"}),
	); err != nil {
		return errClaims, fmt.Errorf("verifying Authorization: %w", err)
	} else if !token.Valid {
		panic("token.Valid must be true")
	}
	return claims, nil
}

var (
	ErrMissingAuth = errors.New("missing or empty Authorization token")
	ErrNotBearer   = errors.New("invalid or unsupported Authorization header (expected 'Bearer')")

	// errClaims grants no topics, in case a caller fails to
	// error-check a verification result.
	errClaims = Claims{}
)
