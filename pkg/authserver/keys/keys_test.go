// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePEM(t *testing.T, dir, name, pemType string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	ecKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	smallRSA, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()
	sec1, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)
	writePEM(t, dir, "ec.pem", "EC PRIVATE KEY", sec1)
	writePEM(t, dir, "rsa.pem", "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rsaKey))
	writePEM(t, dir, "small.pem", "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(smallRSA))
	pkcs8, err := x509.MarshalPKCS8PrivateKey(edKey)
	require.NoError(t, err)
	writePEM(t, dir, "ed.pem", "PRIVATE KEY", pkcs8)
	writePEM(t, dir, "cert.pem", "CERTIFICATE", []byte("junk"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.pem"), []byte("not pem"), 0o600))

	tests := []struct {
		file      string
		algorithm string
		wantAlg   string
		wantErr   bool
	}{
		{file: "ec.pem", wantAlg: "ES384"},
		{file: "ec.pem", algorithm: "ES256", wantErr: true},
		{file: "rsa.pem", wantAlg: "RS256"},
		{file: "rsa.pem", algorithm: "PS256", wantAlg: "PS256"},
		{file: "small.pem", wantErr: true},
		{file: "ed.pem", wantAlg: "EdDSA"},
		{file: "cert.pem", wantErr: true},
		{file: "empty.pem", wantErr: true},
		{file: "missing.pem", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.file+"/"+tt.algorithm, func(t *testing.T) {
			t.Parallel()
			key, err := LoadFile(filepath.Join(dir, tt.file), tt.algorithm)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAlg, key.Algorithm)
			assert.NotEmpty(t, key.KeyID)
		})
	}
}

func TestFileSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"current.pem", "old.pem"} {
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalPKCS8PrivateKey(k)
		require.NoError(t, err)
		writePEM(t, dir, name, "PRIVATE KEY", der)
	}

	src, err := NewSource(Config{KeyDir: dir, SigningKeyFile: "current.pem", FallbackKeyFiles: []string{"old.pem"}})
	require.NoError(t, err)

	signing, err := src.SigningKey(t.Context())
	require.NoError(t, err)

	set, err := JWKS(t.Context(), src)
	require.NoError(t, err)
	require.Len(t, set.Keys, 2)
	assert.Equal(t, signing.KeyID, set.Keys[0].KeyID)
	assert.NotEqual(t, set.Keys[0].KeyID, set.Keys[1].KeyID)
	for _, k := range set.Keys {
		assert.True(t, k.IsPublic())
		assert.Equal(t, "sig", k.Use)
	}

	_, err = NewSource(Config{KeyDir: dir})
	assert.Error(t, err)
	_, err = NewSource(Config{SigningKeyFile: "current.pem"})
	assert.Error(t, err)
}

func TestEphemeralSource(t *testing.T) {
	t.Parallel()

	src := NewEphemeralSource("")
	first, err := src.SigningKey(t.Context())
	require.NoError(t, err)
	second, err := src.SigningKey(t.Context())
	require.NoError(t, err)
	assert.Equal(t, first.KeyID, second.KeyID)
	assert.Equal(t, DefaultAlgorithm, first.Algorithm)

	set, err := JWKS(t.Context(), src)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, first.KeyID, set.Keys[0].KeyID)

	_, err = NewEphemeralSource("HS256").SigningKey(t.Context())
	assert.Error(t, err)
}
