// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package issuer

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eiamhq/eiam/pkg/authserver/authorize"
	"github.com/eiamhq/eiam/pkg/authserver/claims"
	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/authserver/keys"
)

const testIssuer = "https://auth.example.com"

func newTestIssuer(t *testing.T) (*JWTIssuer, *keys.SigningKey) {
	t.Helper()
	src := keys.NewEphemeralSource("")
	iss, err := NewJWTIssuer(Config{Issuer: testIssuer}, src)
	require.NoError(t, err)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	iss.now = func() time.Time { return fixed }
	key, err := src.SigningKey(t.Context())
	require.NoError(t, err)
	return iss, key
}

func validatedContext(grant client.GrantType, responseTypes ...string) *authorize.Context {
	return &authorize.Context{
		Client:       &client.RegisteredClient{ClientID: "web-app"},
		Principal:    "u-123",
		GrantType:    grant,
		Scopes:       []string{"openid", "email"},
		RedirectURI:  "https://app.example.com/cb",
		ResponseMode: authorize.ResponseModeFragment,
		State:        "xyz",
		Request: &authorize.Request{
			ClientID:      "web-app",
			ResponseTypes: responseTypes,
			Nonce:         "n-0S6",
			CodeChallenge: "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		},
	}
}

func parse(t *testing.T, key *keys.SigningKey, token string, out any) *josejwt.JSONWebToken {
	t.Helper()
	parsed, err := josejwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)
	require.Len(t, parsed.Headers, 1)
	assert.Equal(t, key.KeyID, parsed.Headers[0].KeyID)
	require.NoError(t, parsed.Claims(key.Signer.Public(), out))
	return parsed
}

func TestNewJWTIssuer(t *testing.T) {
	t.Parallel()

	_, err := NewJWTIssuer(Config{}, keys.NewEphemeralSource(""))
	assert.Error(t, err)
	_, err = NewJWTIssuer(Config{Issuer: testIssuer}, nil)
	assert.Error(t, err)

	iss, err := NewJWTIssuer(Config{Issuer: testIssuer}, keys.NewEphemeralSource(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultAccessTokenLifespan, iss.cfg.AccessTokenLifespan)
	assert.Equal(t, DefaultCodeLifespan, iss.cfg.CodeLifespan)
}

func TestIssue_Implicit(t *testing.T) {
	t.Parallel()

	iss, key := newTestIssuer(t)
	email := "alice@example.com"
	verified := true

	resp, err := iss.Issue(t.Context(), &Request{
		Context: validatedContext(client.GrantTypeImplicit, "id_token", "token"),
		Claims:  &claims.ClaimSet{Subject: "u-123", Email: &email, EmailVerified: &verified},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Code)
	assert.Equal(t, TokenTypeBearer, resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "openid email", resp.Scope)

	var at accessTokenClaims
	parse(t, key, resp.AccessToken, &at)
	assert.Equal(t, testIssuer, at.Issuer)
	assert.Equal(t, "u-123", at.Subject)
	assert.Equal(t, josejwt.Audience{"web-app"}, at.Audience)
	assert.Equal(t, "web-app", at.ClientID)
	assert.NotEmpty(t, at.ID)

	var id map[string]any
	parse(t, key, resp.IDToken, &id)
	assert.Equal(t, "u-123", id["sub"])
	assert.Equal(t, "n-0S6", id["nonce"])
	assert.Equal(t, "alice@example.com", id["email"])
	assert.Equal(t, true, id["email_verified"])
	assert.NotContains(t, id, "phone_number")

	digest := sha256.Sum256([]byte(resp.AccessToken))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(digest[:16]), id["at_hash"])

	params := resp.Parameters()
	assert.Equal(t, "3600", params["expires_in"])
	assert.Contains(t, params, "id_token")
	assert.NotContains(t, params, "code")
}

func TestIssue_IDTokenOnly(t *testing.T) {
	t.Parallel()

	iss, key := newTestIssuer(t)
	resp, err := iss.Issue(t.Context(), &Request{
		Context: validatedContext(client.GrantTypeImplicit, "id_token"),
		Claims:  &claims.ClaimSet{Subject: "u-123"},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.AccessToken)

	var id map[string]any
	parse(t, key, resp.IDToken, &id)
	assert.NotContains(t, id, "at_hash")

	_, err = iss.Issue(t.Context(), &Request{Context: validatedContext(client.GrantTypeImplicit, "id_token")})
	assert.Error(t, err)
}

func TestIssue_Code(t *testing.T) {
	t.Parallel()

	iss, key := newTestIssuer(t)
	resp, err := iss.Issue(t.Context(), &Request{Context: validatedContext(client.GrantTypeAuthorizationCode, "code")})
	require.NoError(t, err)
	assert.Empty(t, resp.AccessToken)
	assert.Empty(t, resp.IDToken)

	var code codeClaims
	parse(t, key, resp.Code, &code)
	assert.Equal(t, "web-app", code.ClientID)
	assert.Equal(t, "https://app.example.com/cb", code.RedirectURI)
	assert.Equal(t, "n-0S6", code.Nonce)
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", code.CodeChallenge)
	assert.Equal(t, iss.now().Add(DefaultCodeLifespan).Unix(), code.Expiry.Time().Unix())
}

func TestIssue_RequiresContext(t *testing.T) {
	t.Parallel()

	iss, _ := newTestIssuer(t)
	_, err := iss.Issue(t.Context(), &Request{})
	assert.Error(t, err)
}

func TestTokenHash(t *testing.T) {
	t.Parallel()

	h256, err := TokenHash("ES256", "abc")
	require.NoError(t, err)
	assert.Len(t, h256, base64.RawURLEncoding.EncodedLen(16))

	h384, err := TokenHash("ES384", "abc")
	require.NoError(t, err)
	assert.Len(t, h384, base64.RawURLEncoding.EncodedLen(24))

	h512, err := TokenHash("EdDSA", "abc")
	require.NoError(t, err)
	assert.Len(t, h512, base64.RawURLEncoding.EncodedLen(32))

	_, err = TokenHash("none", "abc")
	assert.Error(t, err)
}
