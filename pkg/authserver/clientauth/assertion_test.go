// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package clientauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/authserver/oautherr"
)

type staticKeys struct {
	set jwk.Set
}

func (s staticKeys) KeySet(context.Context, *client.RegisteredClient) (jwk.Set, error) {
	if s.set == nil {
		return nil, errors.New("no keys")
	}
	return s.set, nil
}

func newSigningKey(t *testing.T, kid string) (*ecdsa.PrivateKey, string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	pub, err := jwk.Import(priv.Public())
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, kid))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	raw, err := json.Marshal(set)
	require.NoError(t, err)
	return priv, string(raw)
}

func assertionClaims(clientID string, now time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{testAudience},
		ExpiresAt: jwt.NewNumericDate(now.Add(2 * time.Minute)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
}

func signES256(t *testing.T, priv *ecdsa.PrivateKey, kid string, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(priv)
	require.NoError(t, err)
	return s
}

func assertionForm(assertion string) url.Values {
	return url.Values{
		"client_assertion_type": {JWTBearerAssertionType},
		"client_assertion":      {assertion},
	}
}

func TestAssertion_PrivateKeyJWT(t *testing.T) {
	t.Parallel()

	priv, jwks := newSigningKey(t, "k1")
	otherPriv, _ := newSigningKey(t, "k1")
	now := time.Now()

	registered := &client.RegisteredClient{
		ClientID:           "service",
		JWKS:               jwks,
		AllowedGrantTypes:  []client.GrantType{client.GrantTypeClientCredentials},
		AllowedAuthMethods: []client.AuthMethod{client.AuthMethodPrivateKeyJWT},
	}
	store := testClients(t, registered)

	resolver, err := NewJWKSResolver(t.Context(), nil)
	require.NoError(t, err)
	assertions, err := NewAssertionVerifier([]string{testAudience}, resolver)
	require.NoError(t, err)
	p, err := NewPipeline(store, map[client.AuthMethod]Verifier{
		client.AuthMethodPrivateKeyJWT: assertions,
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		assert   func() string
		wantKind oautherr.Kind
	}{
		{
			name: "valid",
			assert: func() string {
				return signES256(t, priv, "k1", assertionClaims("service", now))
			},
		},
		{
			name: "single key without kid",
			assert: func() string {
				return signES256(t, priv, "", assertionClaims("service", now))
			},
		},
		{
			name: "wrong signing key",
			assert: func() string {
				return signES256(t, otherPriv, "k1", assertionClaims("service", now))
			},
			wantKind: oautherr.KindInvalidClient,
		},
		{
			name: "unknown kid",
			assert: func() string {
				return signES256(t, priv, "k2", assertionClaims("service", now))
			},
			wantKind: oautherr.KindInvalidClient,
		},
		{
			name: "wrong audience",
			assert: func() string {
				c := assertionClaims("service", now)
				c.Audience = jwt.ClaimStrings{"https://elsewhere.example.com"}
				return signES256(t, priv, "k1", c)
			},
			wantKind: oautherr.KindInvalidClient,
		},
		{
			name: "expired",
			assert: func() string {
				c := assertionClaims("service", now)
				c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Hour))
				return signES256(t, priv, "k1", c)
			},
			wantKind: oautherr.KindInvalidClient,
		},
		{
			name: "missing exp",
			assert: func() string {
				c := assertionClaims("service", now)
				c.ExpiresAt = nil
				return signES256(t, priv, "k1", c)
			},
			wantKind: oautherr.KindInvalidClient,
		},
		{
			name: "subject differs from issuer",
			assert: func() string {
				c := assertionClaims("service", now)
				c.Issuer = "someone-else"
				return signES256(t, priv, "k1", c)
			},
			wantKind: oautherr.KindInvalidClient,
		},
		{
			name: "missing jti",
			assert: func() string {
				c := assertionClaims("service", now)
				c.ID = ""
				return signES256(t, priv, "k1", c)
			},
			wantKind: oautherr.KindInvalidClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := p.Authenticate(t.Context(), newTokenRequest(t, assertionForm(tt.assert())))
			if tt.wantKind != 0 {
				requireKind(t, err, tt.wantKind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "service", res.ClientID())
			assert.Equal(t, client.AuthMethodPrivateKeyJWT, res.Method)
		})
	}
}

func TestAssertion_Replay(t *testing.T) {
	t.Parallel()

	priv, jwks := newSigningKey(t, "k1")
	registered := &client.RegisteredClient{
		ClientID:           "service",
		JWKS:               jwks,
		AllowedGrantTypes:  []client.GrantType{client.GrantTypeClientCredentials},
		AllowedAuthMethods: []client.AuthMethod{client.AuthMethodPrivateKeyJWT},
	}

	resolver, err := NewJWKSResolver(t.Context(), nil)
	require.NoError(t, err)
	assertions, err := NewAssertionVerifier([]string{testAudience}, resolver)
	require.NoError(t, err)

	creds := &Credentials{
		ClientID:  "service",
		Method:    client.AuthMethodPrivateKeyJWT,
		Assertion: signES256(t, priv, "k1", assertionClaims("service", time.Now())),
	}
	require.NoError(t, assertions.Verify(t.Context(), registered, creds))
	assert.ErrorContains(t, assertions.Verify(t.Context(), registered, creds), "replayed")
}

func TestAssertion_ClientSecretJWT(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t, testClients(t))
	now := time.Now()

	sign := func(secret string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, assertionClaims(testClientID, now))
		s, err := tok.SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}

	res, err := p.Authenticate(t.Context(), newTokenRequest(t, assertionForm(sign(testSecret))))
	require.NoError(t, err)
	assert.Equal(t, client.AuthMethodClientSecretJWT, res.Method)
	assert.Equal(t, testClientID, res.ClientID())

	_, err = p.Authenticate(t.Context(), newTokenRequest(t, assertionForm(sign("wrong"))))
	requireKind(t, err, oautherr.KindInvalidClient)
}

func TestAssertion_PinnedAlgorithm(t *testing.T) {
	t.Parallel()

	priv, jwks := newSigningKey(t, "k1")
	registered := &client.RegisteredClient{
		ClientID:                    "service",
		JWKS:                        jwks,
		TokenEndpointAuthSigningAlg: "RS256",
		AllowedAuthMethods:          []client.AuthMethod{client.AuthMethodPrivateKeyJWT},
	}
	assertions, err := NewAssertionVerifier([]string{testAudience}, staticKeys{})
	require.NoError(t, err)

	err = assertions.Verify(t.Context(), registered, &Credentials{
		ClientID:  "service",
		Method:    client.AuthMethodPrivateKeyJWT,
		Assertion: signES256(t, priv, "k1", assertionClaims("service", time.Now())),
	})
	assert.Error(t, err)
}

func TestAssertion_RemoteKeyFailureIsServerError(t *testing.T) {
	t.Parallel()

	failing := keyResolverFunc(func(context.Context, *client.RegisteredClient) (jwk.Set, error) {
		return nil, oautherr.ServerError(errors.New("jwks endpoint unavailable"))
	})
	priv, _ := newSigningKey(t, "k1")
	registered := &client.RegisteredClient{
		ClientID:           "service",
		JWKSURI:            "https://keys.example.com/jwks.json",
		AllowedGrantTypes:  []client.GrantType{client.GrantTypeClientCredentials},
		AllowedAuthMethods: []client.AuthMethod{client.AuthMethodPrivateKeyJWT},
	}
	assertions, err := NewAssertionVerifier([]string{testAudience}, failing)
	require.NoError(t, err)
	p, err := NewPipeline(testClients(t, registered), map[client.AuthMethod]Verifier{
		client.AuthMethodPrivateKeyJWT: assertions,
	})
	require.NoError(t, err)

	_, err = p.Authenticate(t.Context(), newTokenRequest(t,
		assertionForm(signES256(t, priv, "k1", assertionClaims("service", time.Now())))))
	requireKind(t, err, oautherr.KindServerError)
}

type keyResolverFunc func(context.Context, *client.RegisteredClient) (jwk.Set, error)

func (f keyResolverFunc) KeySet(ctx context.Context, c *client.RegisteredClient) (jwk.Set, error) {
	return f(ctx, c)
}

func TestReplayCache_Expiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	c := NewReplayCache()
	c.now = func() time.Time { return now }

	assert.True(t, c.Use("a", now.Add(time.Minute)))
	assert.False(t, c.Use("a", now.Add(time.Minute)))

	now = now.Add(2 * time.Minute)
	assert.True(t, c.Use("a", now.Add(time.Minute)))
}
