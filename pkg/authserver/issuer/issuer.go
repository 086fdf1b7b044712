// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

// Package issuer mints the artifacts returned from the authorization
// endpoint: authorization codes for the code flow and signed access and ID
// tokens for the implicit flow.
package issuer

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	fositejwt "github.com/ory/fosite/token/jwt"

	"github.com/eiamhq/eiam/pkg/authserver/authorize"
	"github.com/eiamhq/eiam/pkg/authserver/claims"
	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/authserver/keys"
)

// Default lifetimes.
const (
	DefaultAccessTokenLifespan = time.Hour
	DefaultIDTokenLifespan     = time.Hour
	DefaultCodeLifespan        = 10 * time.Minute
)

// TokenTypeBearer is the token_type of issued access tokens.
const TokenTypeBearer = "Bearer"

// Token typ headers.
const (
	typAccessToken = "at+jwt"
	typIDToken     = "JWT"
	typCode        = "code+jwt"
)

// Request carries a validated authorization and the claims assembled for it.
type Request struct {
	Context *authorize.Context

	// Claims is required when an ID token is requested.
	Claims *claims.ClaimSet

	// AuthTime is when the principal authenticated. Zero means now.
	AuthTime time.Time
}

// Response is what the authorization endpoint returns to the client. Only
// the fields for the requested response types are set.
type Response struct {
	Code        string
	AccessToken string
	TokenType   string
	ExpiresIn   int64
	IDToken     string
	Scope       string
}

// Parameters renders the response as authorization response parameters.
func (r *Response) Parameters() map[string]string {
	out := map[string]string{}
	if r.Code != "" {
		out["code"] = r.Code
	}
	if r.AccessToken != "" {
		out["access_token"] = r.AccessToken
		out["token_type"] = r.TokenType
		out["expires_in"] = fmt.Sprintf("%d", r.ExpiresIn)
	}
	if r.IDToken != "" {
		out["id_token"] = r.IDToken
	}
	if r.Scope != "" {
		out["scope"] = r.Scope
	}
	return out
}

// Issuer mints the authorization response artifacts.
//
//go:generate mockgen -destination=mocks/mock_issuer.go -package=mocks -source=issuer.go Issuer
type Issuer interface {
	Issue(ctx context.Context, req *Request) (*Response, error)
}

// Config configures a JWTIssuer.
type Config struct {
	// Issuer is the iss claim of every token.
	Issuer string

	// Audience is the aud claim of access tokens. Empty uses the client ID.
	Audience []string

	AccessTokenLifespan time.Duration
	IDTokenLifespan     time.Duration
	CodeLifespan        time.Duration
}

// JWTIssuer signs every artifact as a JWT with keys from a keys.Source.
type JWTIssuer struct {
	cfg  Config
	keys keys.Source
	now  func() time.Time
}

// NewJWTIssuer creates a JWTIssuer. Zero lifespans take their defaults.
func NewJWTIssuer(cfg Config, src keys.Source) (*JWTIssuer, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if src == nil {
		return nil, errors.New("key source is required")
	}
	if cfg.AccessTokenLifespan == 0 {
		cfg.AccessTokenLifespan = DefaultAccessTokenLifespan
	}
	if cfg.IDTokenLifespan == 0 {
		cfg.IDTokenLifespan = DefaultIDTokenLifespan
	}
	if cfg.CodeLifespan == 0 {
		cfg.CodeLifespan = DefaultCodeLifespan
	}
	return &JWTIssuer{cfg: cfg, keys: src, now: time.Now}, nil
}

// codeClaims binds an authorization code to the request that produced it so
// the token endpoint can check redirect_uri, PKCE and nonce.
type codeClaims struct {
	josejwt.Claims
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
}

type accessTokenClaims struct {
	josejwt.Claims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// Issue implements Issuer.
func (i *JWTIssuer) Issue(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.Context == nil || req.Context.Request == nil {
		return nil, errors.New("validated authorization context is required")
	}
	actx := req.Context

	key, err := i.keys.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get signing key: %w", err)
	}

	now := i.now()
	scope := strings.Join(actx.Scopes, " ")
	resp := &Response{}

	if actx.GrantType == client.GrantTypeAuthorizationCode {
		resp.Code, err = sign(key, typCode, codeClaims{
			Claims: josejwt.Claims{
				Issuer:   i.cfg.Issuer,
				Subject:  actx.Principal,
				Audience: josejwt.Audience{i.cfg.Issuer},
				IssuedAt: josejwt.NewNumericDate(now),
				Expiry:   josejwt.NewNumericDate(now.Add(i.cfg.CodeLifespan)),
				ID:       uuid.NewString(),
			},
			ClientID:            actx.Client.ClientID,
			RedirectURI:         actx.RedirectURI,
			Scope:               scope,
			Nonce:               actx.Request.Nonce,
			CodeChallenge:       actx.Request.CodeChallenge,
			CodeChallengeMethod: actx.Request.CodeChallengeMethod,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to sign authorization code: %w", err)
		}
		return resp, nil
	}

	responseTypes := actx.Request.ResponseTypes
	if slices.Contains(responseTypes, authorize.ResponseTypeToken) {
		audience := josejwt.Audience(i.cfg.Audience)
		if len(audience) == 0 {
			audience = josejwt.Audience{actx.Client.ClientID}
		}
		resp.AccessToken, err = sign(key, typAccessToken, accessTokenClaims{
			Claims: josejwt.Claims{
				Issuer:   i.cfg.Issuer,
				Subject:  actx.Principal,
				Audience: audience,
				IssuedAt: josejwt.NewNumericDate(now),
				Expiry:   josejwt.NewNumericDate(now.Add(i.cfg.AccessTokenLifespan)),
				ID:       uuid.NewString(),
			},
			ClientID: actx.Client.ClientID,
			Scope:    scope,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to sign access token: %w", err)
		}
		resp.TokenType = TokenTypeBearer
		resp.ExpiresIn = int64(i.cfg.AccessTokenLifespan / time.Second)
		resp.Scope = scope
	}

	if slices.Contains(responseTypes, authorize.ResponseTypeIDToken) {
		if req.Claims == nil {
			return nil, errors.New("claims are required for an ID token")
		}
		authTime := req.AuthTime
		if authTime.IsZero() {
			authTime = now
		}
		idToken := &fositejwt.IDTokenClaims{
			JTI:         uuid.NewString(),
			Issuer:      i.cfg.Issuer,
			Audience:    []string{actx.Client.ClientID},
			Nonce:       actx.Request.Nonce,
			IssuedAt:    now,
			RequestedAt: now,
			AuthTime:    authTime,
			ExpiresAt:   now.Add(i.cfg.IDTokenLifespan),
		}
		req.Claims.ApplyTo(idToken)
		if resp.AccessToken != "" {
			idToken.AccessTokenHash, err = TokenHash(key.Algorithm, resp.AccessToken)
			if err != nil {
				return nil, err
			}
		}
		resp.IDToken, err = sign(key, typIDToken, map[string]any(idToken.ToMapClaims()))
		if err != nil {
			return nil, fmt.Errorf("failed to sign ID token: %w", err)
		}
	}
	return resp, nil
}

func sign(key *keys.SigningKey, typ string, payload any) (string, error) {
	opts := (&jose.SignerOptions{}).WithType(jose.ContentType(typ)).WithHeader(jose.HeaderKey("kid"), key.KeyID)
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(key.Algorithm),
		Key:       key.Signer,
	}, opts)
	if err != nil {
		return "", err
	}
	return josejwt.Signed(signer).Claims(payload).Serialize()
}

// TokenHash computes an at_hash or c_hash value: the left half of the token
// digest under the hash function of the signing algorithm.
func TokenHash(algorithm, token string) (string, error) {
	var sum []byte
	switch algorithm {
	case "ES256", "RS256", "PS256", "HS256":
		d := sha256.Sum256([]byte(token))
		sum = d[:]
	case "ES384", "RS384", "PS384", "HS384":
		d := sha512.Sum384([]byte(token))
		sum = d[:]
	case "ES512", "RS512", "PS512", "HS512", "EdDSA":
		d := sha512.Sum512([]byte(token))
		sum = d[:]
	default:
		return "", fmt.Errorf("no token hash defined for algorithm %s", algorithm)
	}
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

var _ Issuer = (*JWTIssuer)(nil)
