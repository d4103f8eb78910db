package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.livestore.dev/core/auth"
)

func TestKeyedAuthCases(t *testing.T) {
	ka1, err := auth.NewKeyedAuth("c2VjcmV0,b3RoZXI=")
	require.NoError(t, err)
	ka2, err := auth.NewKeyedAuth("b3RoZXI=,c2VjcmV0")
	require.NoError(t, err)
	kaM, err := auth.NewKeyedAuth("YXNkZg==,AA==")
	require.NoError(t, err)

	// Authorize with one KeyedAuth...
	token, err := ka1.Authorize(auth.Claims{
		Identity: "client-1",
		Topics:   []string{"livestore/UPDATE/#", "livestore/DELETE/#"},
	}, time.Hour)
	require.NoError(t, err)

	// ...and verify with the other.
	claims, err := ka2.Verify("Bearer " + token)
	require.NoError(t, err)
	require.Equal(t, "client-1", claims.Identity)
	require.True(t, claims.Allows("livestore/UPDATE/a/b.json"))
	require.False(t, claims.Allows("other/UPDATE/a"))
	require.EqualError(t, claims.Check("other/UPDATE/a"), `authorization does not grant topic "other/UPDATE/a"`)

	// A KeyedAuth with a different key rejects it.
	_, err = kaM.Verify("Bearer " + token)
	require.EqualError(t, err,
		"verifying Authorization: token signature is invalid: signature is invalid")

	// Malformed headers are rejected.
	_, err = ka2.Verify(token)
	require.Equal(t, auth.ErrNotBearer, err)
	_, err = ka2.Verify("")
	require.Equal(t, auth.ErrMissingAuth, err)

	// A KeyedAuth that allows pass-through will accept a request without a token.
	claims, err = kaM.Verify("")
	require.NoError(t, err)
	require.True(t, claims.Allows("anything/at/all"))
}

func TestExpiredTokenIsRejected(t *testing.T) {
	ka, err := auth.NewKeyedAuth("c2VjcmV0")
	require.NoError(t, err)

	token, err := ka.Authorize(auth.Claims{Topics: []string{"#"}}, -time.Minute)
	require.NoError(t, err)

	claims, err := ka.Verify("Bearer " + token)
	require.ErrorContains(t, err, "token is expired")
	require.False(t, claims.Allows("a"))
}

func TestKeyedAuthConstruction(t *testing.T) {
	_, err := auth.NewKeyedAuth("")
	require.EqualError(t, err, "at least one key must be provided")
	_, err = auth.NewKeyedAuth("AA==")
	require.EqualError(t, err, "at least one key must be provided")
	_, err = auth.NewKeyedAuth("c2VjcmV0 !!!")
	require.ErrorContains(t, err, "failed to decode key at index 1")
}

func TestClaimsAllowPatterns(t *testing.T) {
	var claims = auth.Claims{Topics: []string{"root/UPDATE/#", "root/+/shared"}}

	for _, tc := range []struct {
		name   string
		expect bool
	}{
		{"root/UPDATE/a/b", true},
		{"root/UPDATE/#", true},
		{"root/DELETE/shared", true},
		{"root/DELETE/#", false},
		{"root/DELETE/other", false},
		{"elsewhere", false},
	} {
		require.Equal(t, tc.expect, claims.Allows(tc.name), tc.name)
	}
}

func TestNoopAuth(t *testing.T) {
	var noop = auth.NewNoopAuth()

	token, err := noop.Authorize(auth.Claims{}, time.Hour)
	require.NoError(t, err)
	require.Empty(t, token)

	claims, err := noop.Verify("")
	require.NoError(t, err)
	require.True(t, claims.Allows("any/topic"))
}

func TestKeyedProviderCachesCredentials(t *testing.T) {
	ka, err := auth.NewKeyedAuth("c2VjcmV0")
	require.NoError(t, err)

	var provider = auth.NewKeyedProvider(ka, "", []string{"root/#"})
	var ctx = context.Background()

	id, err := provider.IdentityID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	h1, err := provider.Credentials(ctx)
	require.NoError(t, err)
	h2, err := provider.Credentials(ctx)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	claims, err := ka.Verify(h1)
	require.NoError(t, err)
	require.Equal(t, id, claims.Identity)
	require.True(t, claims.Allows("root/UPDATE/x"))

	// A provider backed by a no-op Authorizer presents no credentials.
	h3, err := auth.NewKeyedProvider(auth.NewNoopAuth(), "fixed", nil).Credentials(ctx)
	require.NoError(t, err)
	require.Empty(t, h3)
}
