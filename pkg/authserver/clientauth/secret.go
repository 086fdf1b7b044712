// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package clientauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/eiamhq/eiam/pkg/authserver/client"
)

// SecretMode selects how stored client secrets are compared.
type SecretMode string

// Secret comparison modes.
const (
	SecretModePlain  SecretMode = "plain"
	SecretModeBcrypt SecretMode = "bcrypt"
)

var errSecretMismatch = errors.New("client secret mismatch")

// SecretComparator compares a presented secret with stored secret material.
// Implementations must run in time independent of where the inputs differ.
type SecretComparator interface {
	Matches(stored, presented string) bool
}

// NewSecretComparator returns the comparator for mode.
func NewSecretComparator(mode SecretMode) (SecretComparator, error) {
	switch mode {
	case SecretModePlain, "":
		return PlainComparator{}, nil
	case SecretModeBcrypt:
		return BcryptComparator{}, nil
	default:
		return nil, fmt.Errorf("unknown secret comparison mode %q", mode)
	}
}

// PlainComparator compares cleartext secrets. Both sides are hashed first so
// the constant-time comparison always sees equal-length inputs.
type PlainComparator struct{}

// Matches implements SecretComparator.
func (PlainComparator) Matches(stored, presented string) bool {
	if stored == "" {
		return false
	}
	a := sha256.Sum256([]byte(stored))
	b := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// BcryptComparator compares against a bcrypt hash.
type BcryptComparator struct{}

// Matches implements SecretComparator.
func (BcryptComparator) Matches(stored, presented string) bool {
	if stored == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
}

// SecretVerifier verifies client_secret_basic and client_secret_post credentials.
type SecretVerifier struct {
	comparator SecretComparator
	decoy      func() string
}

// NewSecretVerifier creates a SecretVerifier.
func NewSecretVerifier(comparator SecretComparator) *SecretVerifier {
	return &SecretVerifier{comparator: comparator, decoy: sync.OnceValue(decoySecret(comparator))}
}

// Verify implements Verifier.
func (v *SecretVerifier) Verify(_ context.Context, c *client.RegisteredClient, creds *Credentials) error {
	if !v.comparator.Matches(c.Secret, creds.Secret) {
		return errSecretMismatch
	}
	return nil
}

// verifyUnknown compares the presented secret with random stored material so
// an unknown client_id costs the same as a wrong secret.
func (v *SecretVerifier) verifyUnknown(creds *Credentials) {
	_ = v.comparator.Matches(v.decoy(), creds.Secret)
}

// decoySecret returns stored material in the comparator's format.
func decoySecret(comparator SecretComparator) func() string {
	return func() string {
		random := rand.Text()
		if _, ok := comparator.(BcryptComparator); !ok {
			return random
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(random), bcrypt.DefaultCost)
		if err != nil {
			return random
		}
		return string(hash)
	}
}
