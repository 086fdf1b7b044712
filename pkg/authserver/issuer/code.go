// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/eiamhq/eiam/pkg/authserver/clientauth"
	"github.com/eiamhq/eiam/pkg/authserver/oautherr"
)

var codeSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.ES256, jose.ES384, jose.ES512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// CodeRedemption is a token request presenting an authorization code.
type CodeRedemption struct {
	Code     string
	ClientID string

	// RedirectURI is compared with the code's redirect URI when present.
	RedirectURI  string
	CodeVerifier string
}

// CodeGrant describes the authorization an authorization code stands for.
type CodeGrant struct {
	ClientID    string
	Subject     string
	RedirectURI string
	Scope       string
	Nonce       string
	ExpiresAt   time.Time
}

// VerifyCode checks that r.Code was signed by one of the issuer's keys, is
// unexpired, and is bound to r's client, redirect URI and PKCE verifier.
// Failures are invalid_grant errors.
func (i *JWTIssuer) VerifyCode(ctx context.Context, r *CodeRedemption) (*CodeGrant, error) {
	if r == nil || r.Code == "" {
		return nil, oautherr.New(oautherr.KindInvalidRequest, "code", "OAuth 2.0 Parameter: code is required")
	}

	tok, err := josejwt.ParseSigned(r.Code, codeSignatureAlgorithms)
	if err != nil {
		return nil, oautherr.InvalidGrant(fmt.Errorf("malformed authorization code: %w", err))
	}
	if len(tok.Headers) != 1 || tok.Headers[0].ExtraHeaders[jose.HeaderType] != typCode {
		return nil, oautherr.InvalidGrant(errors.New("token is not an authorization code"))
	}

	verificationKeys, err := i.keys.VerificationKeys(ctx)
	if err != nil {
		return nil, oautherr.ServerError(fmt.Errorf("failed to get verification keys: %w", err))
	}
	var claims codeClaims
	verified := false
	for _, k := range verificationKeys {
		if k.KeyID != tok.Headers[0].KeyID {
			continue
		}
		if err := tok.Claims(k.Signer.Public(), &claims); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		return nil, oautherr.InvalidGrant(errors.New("authorization code signature does not verify"))
	}

	err = claims.ValidateWithLeeway(josejwt.Expected{
		Issuer:      i.cfg.Issuer,
		AnyAudience: josejwt.Audience{i.cfg.Issuer},
		Time:        i.now(),
	}, 0)
	if err != nil {
		return nil, oautherr.InvalidGrant(fmt.Errorf("authorization code rejected: %w", err))
	}

	if claims.ClientID != r.ClientID {
		return nil, oautherr.InvalidGrant(fmt.Errorf("authorization code was issued to client %s", claims.ClientID))
	}
	if r.RedirectURI != "" && r.RedirectURI != claims.RedirectURI {
		return nil, oautherr.InvalidGrant(errors.New("redirect_uri does not match the authorization request"))
	}
	if claims.CodeChallenge != "" {
		if err := clientauth.VerifyChallenge(r.CodeVerifier, claims.CodeChallenge, claims.CodeChallengeMethod); err != nil {
			return nil, oautherr.InvalidGrant(err)
		}
	}

	return &CodeGrant{
		ClientID:    claims.ClientID,
		Subject:     claims.Subject,
		RedirectURI: claims.RedirectURI,
		Scope:       claims.Scope,
		Nonce:       claims.Nonce,
		ExpiresAt:   claims.Expiry.Time(),
	}, nil
}
