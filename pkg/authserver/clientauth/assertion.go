// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package clientauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/authserver/oautherr"
)

var (
	hmacAlgorithms       = []string{"HS256", "HS384", "HS512"}
	asymmetricAlgorithms = []string{
		"RS256", "RS384", "RS512",
		"PS256", "PS384", "PS512",
		"ES256", "ES384", "ES512",
		"EdDSA",
	}
)

// KeyResolver returns the JSON Web Key Set registered for a client.
type KeyResolver interface {
	KeySet(ctx context.Context, c *client.RegisteredClient) (jwk.Set, error)
}

// JWKSResolver resolves inline key sets directly and remote jwks_uri sets
// through an auto-refreshing jwk.Cache.
type JWKSResolver struct {
	cache *jwk.Cache

	registrationMu sync.Mutex
}

// NewJWKSResolver creates a JWKSResolver. The cache lives until ctx is done.
func NewJWKSResolver(ctx context.Context, httpClient *http.Client) (*JWKSResolver, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &JWKSResolver{cache: cache}, nil
}

// KeySet implements KeyResolver.
func (r *JWKSResolver) KeySet(ctx context.Context, c *client.RegisteredClient) (jwk.Set, error) {
	if c.JWKS != "" {
		set, err := jwk.Parse([]byte(c.JWKS))
		if err != nil {
			return nil, fmt.Errorf("parsing registered jwks: %w", err)
		}
		return set, nil
	}
	if c.JWKSURI == "" {
		return nil, errors.New("client has no registered key material")
	}

	if err := r.ensureRegistered(ctx, c.JWKSURI); err != nil {
		return nil, oautherr.ServerError(err)
	}
	set, err := r.cache.Lookup(ctx, c.JWKSURI)
	if err != nil {
		return nil, oautherr.ServerError(fmt.Errorf("failed to lookup JWKS: %w", err))
	}
	return set, nil
}

func (r *JWKSResolver) ensureRegistered(ctx context.Context, uri string) error {
	r.registrationMu.Lock()
	defer r.registrationMu.Unlock()

	if r.cache.IsRegistered(ctx, uri) {
		return nil
	}
	if err := r.cache.Register(ctx, uri); err != nil {
		return fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	return nil
}

// ReplayCache remembers assertion identifiers until they expire.
type ReplayCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	lastPrune time.Time
	now       func() time.Time
}

// NewReplayCache creates an empty ReplayCache.
func NewReplayCache() *ReplayCache {
	return &ReplayCache{seen: make(map[string]time.Time), now: time.Now}
}

// Use records key until expiresAt and reports whether it was unused.
func (c *ReplayCache) Use(key string, expiresAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastPrune) > time.Minute {
		for k, exp := range c.seen {
			if now.After(exp) {
				delete(c.seen, k)
			}
		}
		c.lastPrune = now
	}

	if exp, ok := c.seen[key]; ok && !now.After(exp) {
		return false
	}
	c.seen[key] = expiresAt
	return true
}

// AssertionVerifier verifies client_secret_jwt and private_key_jwt assertions
// (RFC 7523 section 3). The assertion must be issued by and about the client,
// be addressed to one of the configured audiences, carry exp and a jti that
// has not been seen before.
type AssertionVerifier struct {
	audiences []string
	keys      KeyResolver
	replay    *ReplayCache
	leeway    time.Duration
	now       func() time.Time
}

// AssertionOption configures an AssertionVerifier.
type AssertionOption func(*AssertionVerifier)

// WithLeeway sets the clock skew tolerated for exp, nbf and iat.
func WithLeeway(d time.Duration) AssertionOption {
	return func(v *AssertionVerifier) { v.leeway = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) AssertionOption {
	return func(v *AssertionVerifier) {
		v.now = now
		v.replay.now = now
	}
}

// NewAssertionVerifier creates an AssertionVerifier accepting any of audiences,
// typically the issuer and token endpoint URLs.
func NewAssertionVerifier(audiences []string, keys KeyResolver, opts ...AssertionOption) (*AssertionVerifier, error) {
	if len(audiences) == 0 {
		return nil, errors.New("at least one assertion audience is required")
	}
	if keys == nil {
		return nil, errors.New("key resolver is required")
	}
	v := &AssertionVerifier{
		audiences: slices.Clone(audiences),
		keys:      keys,
		replay:    NewReplayCache(),
		leeway:    30 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify implements Verifier.
func (v *AssertionVerifier) Verify(ctx context.Context, c *client.RegisteredClient, creds *Credentials) error {
	algs := asymmetricAlgorithms
	if creds.Method == client.AuthMethodClientSecretJWT {
		algs = hmacAlgorithms
	}
	if pinned := c.TokenEndpointAuthSigningAlg; pinned != "" {
		if !slices.Contains(algs, pinned) {
			return fmt.Errorf("registered signing algorithm %s does not fit %s", pinned, creds.Method)
		}
		algs = []string{pinned}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(algs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.ClientID),
		jwt.WithSubject(c.ClientID),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)

	var keyErr error
	claims := &jwt.RegisteredClaims{}
	_, err := parser.ParseWithClaims(creds.Assertion, claims, func(token *jwt.Token) (any, error) {
		key, err := v.verificationKey(ctx, c, token)
		keyErr = err
		return key, err
	})
	if err != nil {
		// Key resolution failures against remote key sets are dependency
		// errors, not credential errors.
		var oerr *oautherr.Error
		if errors.As(keyErr, &oerr) {
			return oerr
		}
		return fmt.Errorf("invalid client assertion: %w", err)
	}

	if !slices.ContainsFunc(claims.Audience, func(aud string) bool {
		return slices.Contains(v.audiences, aud)
	}) {
		return errors.New("client assertion audience mismatch")
	}
	if claims.ID == "" {
		return errors.New("client assertion jti is required")
	}
	if !v.replay.Use(c.ClientID+":"+claims.ID, claims.ExpiresAt.Add(v.leeway)) {
		return errors.New("client assertion replayed")
	}
	return nil
}

func (v *AssertionVerifier) verificationKey(ctx context.Context, c *client.RegisteredClient, token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
		// HMAC verification needs the cleartext secret; a hashed secret
		// simply fails to verify.
		if c.Secret == "" {
			return nil, errors.New("client has no secret")
		}
		return []byte(c.Secret), nil
	}

	set, err := v.keys.KeySet(ctx, c)
	if err != nil {
		return nil, err
	}

	var key jwk.Key
	if kid, ok := token.Header["kid"].(string); ok && kid != "" {
		found, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
		}
		key = found
	} else {
		if set.Len() != 1 {
			return nil, errors.New("assertion has no kid and the key set is ambiguous")
		}
		key, _ = set.Key(0)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}
