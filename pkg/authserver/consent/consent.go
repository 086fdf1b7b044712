// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

// Package consent stores the scopes an end user has approved for a client.
package consent

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=consent.go Store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/eiamhq/eiam/pkg/storage"
)

// ErrNotFound is returned when no consent is stored for a client and principal.
var ErrNotFound = fmt.Errorf("consent %w", storage.ErrNotFound)

// AuthorizationConsent records that Principal approved Scopes for ClientID.
// The (ClientID, Principal) pair is the only key.
type AuthorizationConsent struct {
	ClientID    string   `json:"client_id"`
	Principal   string   `json:"principal"`
	Scopes      []string `json:"scopes"`
	Authorities []string `json:"authorities,omitempty"`
}

// Validate checks the key fields are present.
func (c *AuthorizationConsent) Validate() error {
	if c == nil {
		return errors.New("consent cannot be nil")
	}
	if c.ClientID == "" {
		return errors.New("consent client_id cannot be empty")
	}
	if c.Principal == "" {
		return errors.New("consent principal cannot be empty")
	}
	return nil
}

// Covers reports whether every scope in scopes has been consented to.
func (c *AuthorizationConsent) Covers(scopes []string) bool {
	return len(c.Missing(scopes)) == 0
}

// Missing returns the scopes not yet consented to, in request order.
func (c *AuthorizationConsent) Missing(scopes []string) []string {
	var missing []string
	for _, s := range scopes {
		if c == nil || !slices.Contains(c.Scopes, s) {
			missing = append(missing, s)
		}
	}
	return missing
}

// Clone returns a deep copy of c.
func (c *AuthorizationConsent) Clone() *AuthorizationConsent {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	cp.Authorities = slices.Clone(c.Authorities)
	return &cp
}

// UpdateFunc computes the next consent from the current one, which is nil
// when none is stored. Returning nil removes the consent.
type UpdateFunc func(current *AuthorizationConsent) (*AuthorizationConsent, error)

// Store persists consents. Save is last-write-wins; Update is an atomic
// read-modify-write for a single key.
type Store interface {
	// Get returns the consent for (clientID, principal) or ErrNotFound.
	Get(ctx context.Context, clientID, principal string) (*AuthorizationConsent, error)

	// Save stores consent, replacing any previous record for its key.
	Save(ctx context.Context, consent *AuthorizationConsent) error

	// Remove deletes the record for the consent's key. Removing a missing
	// record is not an error.
	Remove(ctx context.Context, consent *AuthorizationConsent) error

	// Update applies fn atomically to the record for (clientID, principal)
	// and returns the stored result.
	Update(ctx context.Context, clientID, principal string, fn UpdateFunc) (*AuthorizationConsent, error)
}

// Key returns the storage key for a (clientID, principal) pair.
func Key(prefix, clientID, principal string) string {
	return prefix + "consent:" + clientID + ":" + principal
}

// MergeScopes returns an UpdateFunc that adds scopes to the stored consent,
// creating it when absent. Stored scopes outside allowed are dropped; a nil
// allowed keeps every stored scope.
func MergeScopes(clientID, principal string, scopes, allowed []string) UpdateFunc {
	return func(current *AuthorizationConsent) (*AuthorizationConsent, error) {
		next := current.Clone()
		if next == nil {
			next = &AuthorizationConsent{ClientID: clientID, Principal: principal}
		}
		if allowed != nil {
			next.Scopes = slices.DeleteFunc(next.Scopes, func(s string) bool {
				return !slices.Contains(allowed, s)
			})
		}
		for _, s := range scopes {
			if !slices.Contains(next.Scopes, s) {
				next.Scopes = append(next.Scopes, s)
			}
		}
		return next, nil
	}
}
