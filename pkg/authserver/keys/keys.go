// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

// Package keys supplies the keys the token issuer signs with and the public
// halves published at the JWKS endpoint.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// DefaultAlgorithm is used for generated keys.
const DefaultAlgorithm = "ES256"

// minRSABits is the smallest RSA modulus accepted for signing.
const minRSABits = 2048

// SigningKey is a private signing key and its JOSE metadata.
type SigningKey struct {
	// KeyID is the RFC 7638 SHA-256 thumbprint of the public key.
	KeyID     string
	Algorithm string
	Signer    crypto.Signer
}

// PublicJWK returns the public half as a JSON Web Key.
func (k *SigningKey) PublicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.Signer.Public(),
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		Use:       "sig",
	}
}

// Source provides the active signing key and every key still valid for
// verification.
type Source interface {
	// SigningKey returns the key new tokens are signed with.
	SigningKey(ctx context.Context) (*SigningKey, error)

	// VerificationKeys returns the active key followed by any retired keys.
	VerificationKeys(ctx context.Context) ([]*SigningKey, error)
}

// JWKS renders the public verification keys of src.
func JWKS(ctx context.Context, src Source) (*jose.JSONWebKeySet, error) {
	keys, err := src.VerificationKeys(ctx)
	if err != nil {
		return nil, err
	}
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		set.Keys = append(set.Keys, k.PublicJWK())
	}
	return set, nil
}

// newSigningKey derives the algorithm (unless given) and key ID for signer.
func newSigningKey(signer crypto.Signer, algorithm string) (*SigningKey, error) {
	derived, err := algorithmFor(signer)
	if err != nil {
		return nil, err
	}
	if algorithm == "" {
		algorithm = derived
	}
	if err := checkAlgorithm(signer, algorithm); err != nil {
		return nil, err
	}
	kid, err := keyID(signer.Public())
	if err != nil {
		return nil, err
	}
	return &SigningKey{KeyID: kid, Algorithm: algorithm, Signer: signer}, nil
}

func algorithmFor(signer crypto.Signer) (string, error) {
	switch k := signer.(type) {
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return "ES256", nil
		case elliptic.P384():
			return "ES384", nil
		case elliptic.P521():
			return "ES512", nil
		default:
			return "", fmt.Errorf("unsupported elliptic curve %s", k.Curve.Params().Name)
		}
	case *rsa.PrivateKey:
		if k.N.BitLen() < minRSABits {
			return "", fmt.Errorf("RSA key is %d bits, at least %d required", k.N.BitLen(), minRSABits)
		}
		return "RS256", nil
	case ed25519.PrivateKey:
		return "EdDSA", nil
	default:
		return "", fmt.Errorf("unsupported key type %T", signer)
	}
}

func checkAlgorithm(signer crypto.Signer, algorithm string) error {
	ok := false
	switch signer.(type) {
	case *ecdsa.PrivateKey:
		derived, _ := algorithmFor(signer)
		ok = algorithm == derived
	case *rsa.PrivateKey:
		switch algorithm {
		case "RS256", "RS384", "RS512", "PS256", "PS384", "PS512":
			ok = true
		}
	case ed25519.PrivateKey:
		ok = algorithm == "EdDSA"
	}
	if !ok {
		return fmt.Errorf("algorithm %s does not fit key type %T", algorithm, signer)
	}
	return nil
}

func keyID(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}
