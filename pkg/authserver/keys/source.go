// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Config selects where signing keys come from.
type Config struct {
	// KeyDir holds PEM-encoded private keys. Empty selects an ephemeral key.
	KeyDir string

	// SigningKeyFile is the active key, relative to KeyDir.
	SigningKeyFile string

	// FallbackKeyFiles are retired keys, relative to KeyDir, still published
	// for verification of tokens they signed.
	FallbackKeyFiles []string

	// Algorithm overrides the algorithm derived from the key type.
	Algorithm string
}

// NewSource returns a FileSource when cfg.KeyDir is set, otherwise an
// EphemeralSource.
func NewSource(cfg Config) (Source, error) {
	if cfg.KeyDir != "" {
		return NewFileSource(cfg)
	}
	if cfg.SigningKeyFile != "" || len(cfg.FallbackKeyFiles) > 0 {
		return nil, errors.New("signing key files require a key directory")
	}
	return NewEphemeralSource(cfg.Algorithm), nil
}

// FileSource serves keys loaded once from PEM files.
type FileSource struct {
	signing *SigningKey
	all     []*SigningKey
}

// NewFileSource loads the signing key and fallback keys named in cfg.
func NewFileSource(cfg Config) (*FileSource, error) {
	if cfg.SigningKeyFile == "" {
		return nil, errors.New("signing key file is required")
	}
	signing, err := LoadFile(filepath.Join(cfg.KeyDir, cfg.SigningKeyFile), cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	all := []*SigningKey{signing}
	for _, name := range cfg.FallbackKeyFiles {
		k, err := LoadFile(filepath.Join(cfg.KeyDir, name), "")
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", name, err)
		}
		all = append(all, k)
	}
	return &FileSource{signing: signing, all: all}, nil
}

// SigningKey implements Source.
func (s *FileSource) SigningKey(context.Context) (*SigningKey, error) {
	cp := *s.signing
	return &cp, nil
}

// VerificationKeys implements Source.
func (s *FileSource) VerificationKeys(context.Context) ([]*SigningKey, error) {
	out := make([]*SigningKey, len(s.all))
	for i, k := range s.all {
		cp := *k
		out[i] = &cp
	}
	return out, nil
}

// LoadFile reads a PEM private key (PKCS#8, SEC 1 or PKCS#1).
func LoadFile(path, algorithm string) (*SigningKey, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	var parsed any
	switch block.Type {
	case "PRIVATE KEY":
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		parsed, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		parsed, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key type %T cannot sign", parsed)
	}
	return newSigningKey(signer, algorithm)
}

// EphemeralSource generates a key on first use. Tokens it signs become
// unverifiable after a restart, so it is meant for development.
type EphemeralSource struct {
	algorithm string

	mu  sync.Mutex
	key *SigningKey
}

// NewEphemeralSource creates an EphemeralSource for algorithm, or
// DefaultAlgorithm when empty.
func NewEphemeralSource(algorithm string) *EphemeralSource {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &EphemeralSource{algorithm: algorithm}
}

// SigningKey implements Source.
func (s *EphemeralSource) SigningKey(context.Context) (*SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == nil {
		signer, err := generate(s.algorithm)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		key, err := newSigningKey(signer, s.algorithm)
		if err != nil {
			return nil, err
		}
		slog.Warn("generated ephemeral signing key - tokens will be invalid after restart",
			"algorithm", key.Algorithm,
			"key_id", key.KeyID,
		)
		s.key = key
	}
	cp := *s.key
	return &cp, nil
}

// VerificationKeys implements Source.
func (s *EphemeralSource) VerificationKeys(ctx context.Context) ([]*SigningKey, error) {
	k, err := s.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*SigningKey{k}, nil
}

func generate(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case "RS256":
		return rsa.GenerateKey(rand.Reader, minRSABits)
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
}

var (
	_ Source = (*FileSource)(nil)
	_ Source = (*EphemeralSource)(nil)
)
