// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

// Package client holds the registered client model and the read-only store
// the authorization engine resolves clients from.
package client

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=types.go Store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/ory/fosite"

	"github.com/eiamhq/eiam/pkg/storage"
)

// ErrNotFound is returned when no client is registered under the requested ID.
var ErrNotFound = fmt.Errorf("client %w", storage.ErrNotFound)

// GrantType is an OAuth 2.0 grant type.
type GrantType string

// Supported grant types.
const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeImplicit          GrantType = "implicit"
	GrantTypeRefreshToken      GrantType = "refresh_token"
	GrantTypeClientCredentials GrantType = "client_credentials"
	GrantTypeDeviceCode        GrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

// AuthMethod is a token endpoint client authentication method.
type AuthMethod string

// Client authentication methods.
const (
	AuthMethodClientSecretBasic AuthMethod = "client_secret_basic"
	AuthMethodClientSecretPost  AuthMethod = "client_secret_post"
	AuthMethodClientSecretJWT   AuthMethod = "client_secret_jwt"
	AuthMethodPrivateKeyJWT     AuthMethod = "private_key_jwt"
	AuthMethodNone              AuthMethod = "none"
)

// RegisteredClient is a relying party with its pre-configured identity and
// permitted behaviors. Values returned by a Store are owned by the caller and
// are never written back.
type RegisteredClient struct {
	// ID is the internal identifier of the registration.
	ID string

	// ClientID is the public client identifier.
	ClientID string

	// Secret is the client secret, either cleartext or a bcrypt hash depending
	// on the configured comparison mode. Empty for public clients.
	Secret string

	// JWKS is an inline JSON Web Key Set used to verify private_key_jwt assertions.
	JWKS string

	// JWKSURI locates a remote JSON Web Key Set for private_key_jwt assertions.
	JWKSURI string

	// TokenEndpointAuthSigningAlg pins the assertion signing algorithm, if set.
	TokenEndpointAuthSigningAlg string

	// RedirectURIs are the registered redirection endpoints.
	RedirectURIs []string

	// AllowedScopes are the scopes the client may request.
	AllowedScopes []string

	// AllowedGrantTypes are the grants the client may use.
	AllowedGrantTypes []GrantType

	// AllowedAuthMethods are the credential schemes the client may authenticate with.
	AllowedAuthMethods []AuthMethod
}

// Store resolves registered clients. Implementations are read-only from the
// engine's point of view and need no locking for lookups.
type Store interface {
	// FindByClientID returns the client registered under clientID or ErrNotFound.
	FindByClientID(ctx context.Context, clientID string) (*RegisteredClient, error)
}

// AllowsScope reports whether scope is in the client's allowed scopes.
func (c *RegisteredClient) AllowsScope(scope string) bool {
	return slices.Contains(c.AllowedScopes, scope)
}

// AllowsGrantType reports whether the client may use grant.
func (c *RegisteredClient) AllowsGrantType(grant GrantType) bool {
	return slices.Contains(c.AllowedGrantTypes, grant)
}

// AllowsAuthMethod reports whether the client may authenticate with method.
func (c *RegisteredClient) AllowsAuthMethod(method AuthMethod) bool {
	return slices.Contains(c.AllowedAuthMethods, method)
}

// Clone returns a deep copy of c.
func (c *RegisteredClient) Clone() *RegisteredClient {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.AllowedScopes = slices.Clone(c.AllowedScopes)
	cp.AllowedGrantTypes = slices.Clone(c.AllowedGrantTypes)
	cp.AllowedAuthMethods = slices.Clone(c.AllowedAuthMethods)
	return &cp
}

// Validate checks the registration is internally consistent.
func (c *RegisteredClient) Validate() error {
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if len(c.AllowedAuthMethods) == 0 {
		return fmt.Errorf("client %s: at least one authentication method is required", c.ClientID)
	}
	if len(c.AllowedGrantTypes) == 0 {
		return fmt.Errorf("client %s: at least one grant type is required", c.ClientID)
	}
	for _, raw := range c.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("client %s: redirect_uri %q must be an absolute URI", c.ClientID, raw)
		}
		if u.Fragment != "" {
			return fmt.Errorf("client %s: redirect_uri %q must not contain a fragment", c.ClientID, raw)
		}
	}
	for _, m := range c.AllowedAuthMethods {
		switch m {
		case AuthMethodClientSecretBasic, AuthMethodClientSecretPost, AuthMethodClientSecretJWT:
			if c.Secret == "" {
				return fmt.Errorf("client %s: %s requires a secret", c.ClientID, m)
			}
		case AuthMethodPrivateKeyJWT:
			if c.JWKS == "" && c.JWKSURI == "" {
				return fmt.Errorf("client %s: private_key_jwt requires jwks or jwks_uri", c.ClientID)
			}
		case AuthMethodNone:
		default:
			return fmt.Errorf("client %s: unknown authentication method %q", c.ClientID, m)
		}
	}
	return nil
}

// fosite.Client implementation so registrations can be handed to a
// fosite-based token issuer unchanged.

// GetID returns the public client identifier.
func (c *RegisteredClient) GetID() string { return c.ClientID }

// GetHashedSecret returns the stored secret material.
func (c *RegisteredClient) GetHashedSecret() []byte { return []byte(c.Secret) }

// GetRedirectURIs returns the registered redirect URIs.
func (c *RegisteredClient) GetRedirectURIs() []string { return c.RedirectURIs }

// GetScopes returns the allowed scopes.
func (c *RegisteredClient) GetScopes() fosite.Arguments { return c.AllowedScopes }

// GetAudience returns no audiences; audiences are granted per request.
func (*RegisteredClient) GetAudience() fosite.Arguments { return nil }

// IsPublic reports whether the client can only authenticate with "none".
func (c *RegisteredClient) IsPublic() bool {
	return len(c.AllowedAuthMethods) == 1 && c.AllowedAuthMethods[0] == AuthMethodNone
}

// GetGrantTypes returns the allowed grant types.
func (c *RegisteredClient) GetGrantTypes() fosite.Arguments {
	out := make(fosite.Arguments, 0, len(c.AllowedGrantTypes))
	for _, g := range c.AllowedGrantTypes {
		out = append(out, string(g))
	}
	return out
}

// GetResponseTypes derives the response types implied by the allowed grants.
func (c *RegisteredClient) GetResponseTypes() fosite.Arguments {
	var out fosite.Arguments
	if c.AllowsGrantType(GrantTypeAuthorizationCode) {
		out = append(out, "code")
	}
	if c.AllowsGrantType(GrantTypeImplicit) {
		out = append(out, "token", "id_token", "id_token token")
	}
	return out
}

var _ fosite.Client = (*RegisteredClient)(nil)
