// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package clientauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/authserver/oautherr"
)

// PKCE challenge methods (RFC 7636 section 4.2).
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// ValidCodeVerifier reports whether v has the length and alphabet RFC 7636
// section 4.1 requires: 43 to 128 characters of [A-Za-z0-9-._~].
func ValidCodeVerifier(v string) bool {
	if len(v) < 43 || len(v) > 128 {
		return false
	}
	for i := 0; i < len(v); i++ {
		switch c := v[i]; {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

// VerifyChallenge checks verifier against a code_challenge stored at the
// authorization endpoint. An empty method means "plain".
func VerifyChallenge(verifier, challenge, method string) error {
	if !ValidCodeVerifier(verifier) {
		return errors.New("malformed code_verifier")
	}
	var computed string
	switch method {
	case PKCEMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case PKCEMethodPlain, "":
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return errors.New("code_verifier does not match code_challenge")
	}
	return nil
}

// PublicVerifier accepts public clients that present a PKCE verifier. The
// verifier itself is matched against the challenge by the token issuer.
type PublicVerifier struct{}

// Verify implements Verifier.
func (PublicVerifier) Verify(_ context.Context, _ *client.RegisteredClient, creds *Credentials) error {
	if !ValidCodeVerifier(creds.CodeVerifier) {
		return oautherr.New(oautherr.KindInvalidRequest, ParamCodeVerifier, "code_verifier is malformed")
	}
	return nil
}
