// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package clientauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

func TestSecretComparators(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name      string
		mode      SecretMode
		stored    string
		presented string
		want      bool
	}{
		{name: "plain match", mode: SecretModePlain, stored: "s3cret", presented: "s3cret", want: true},
		{name: "plain mismatch", mode: SecretModePlain, stored: "s3cret", presented: "s3creT"},
		{name: "plain prefix", mode: SecretModePlain, stored: "s3cret", presented: "s3c"},
		{name: "plain empty stored", mode: SecretModePlain, stored: "", presented: ""},
		{name: "default is plain", mode: "", stored: "x", presented: "x", want: true},
		{name: "bcrypt match", mode: SecretModeBcrypt, stored: string(hash), presented: "s3cret", want: true},
		{name: "bcrypt mismatch", mode: SecretModeBcrypt, stored: string(hash), presented: "nope"},
		{name: "bcrypt against cleartext", mode: SecretModeBcrypt, stored: "s3cret", presented: "s3cret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cmp, err := NewSecretComparator(tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmp.Matches(tt.stored, tt.presented))
		})
	}

	_, err = NewSecretComparator("argon2")
	assert.Error(t, err)
}

func TestDecoySecret(t *testing.T) {
	t.Parallel()

	hashed := decoySecret(BcryptComparator{})()
	cost, err := bcrypt.Cost([]byte(hashed))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.DefaultCost, cost)
	assert.False(t, BcryptComparator{}.Matches(hashed, ""))

	plain := decoySecret(PlainComparator{})()
	assert.NotEmpty(t, plain)
	assert.NotEqual(t, plain, decoySecret(PlainComparator{})())
}

func TestValidCodeVerifier(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidCodeVerifier(oauth2.GenerateVerifier()))
	assert.True(t, ValidCodeVerifier("abcdefghijklmnopqrstuvwxyz0123456789-._~ABC"))
	assert.False(t, ValidCodeVerifier("too-short"))
	assert.False(t, ValidCodeVerifier("abcdefghijklmnopqrstuvwxyz0123456789-._~AB+"))
	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	assert.False(t, ValidCodeVerifier(string(long)))
}

func TestVerifyChallenge(t *testing.T) {
	t.Parallel()

	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	require.NoError(t, VerifyChallenge(verifier, challenge, PKCEMethodS256))
	require.NoError(t, VerifyChallenge(verifier, verifier, PKCEMethodPlain))
	require.NoError(t, VerifyChallenge(verifier, verifier, ""))
	assert.Error(t, VerifyChallenge(verifier, verifier, PKCEMethodS256))
	assert.Error(t, VerifyChallenge(oauth2.GenerateVerifier(), challenge, PKCEMethodS256))
	assert.Error(t, VerifyChallenge(verifier, challenge, "S512"))
	assert.Error(t, VerifyChallenge("short", "short", PKCEMethodPlain))
}
