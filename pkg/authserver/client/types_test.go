// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"testing"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func confidentialClient() *RegisteredClient {
	return &RegisteredClient{
		ID:                 "1",
		ClientID:           "web-app",
		Secret:             "s3cret",
		RedirectURIs:       []string{"https://app.example.com/callback"},
		AllowedScopes:      []string{"openid", "profile"},
		AllowedGrantTypes:  []GrantType{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		AllowedAuthMethods: []AuthMethod{AuthMethodClientSecretBasic},
	}
}

func TestRegisteredClient_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *RegisteredClient)
		wantErr string
	}{
		{name: "valid", mutate: func(*RegisteredClient) {}},
		{
			name:    "missing client id",
			mutate:  func(c *RegisteredClient) { c.ClientID = "" },
			wantErr: "client_id is required",
		},
		{
			name:    "no auth methods",
			mutate:  func(c *RegisteredClient) { c.AllowedAuthMethods = nil },
			wantErr: "authentication method",
		},
		{
			name:    "no grant types",
			mutate:  func(c *RegisteredClient) { c.AllowedGrantTypes = nil },
			wantErr: "grant type",
		},
		{
			name:    "relative redirect",
			mutate:  func(c *RegisteredClient) { c.RedirectURIs = []string{"/callback"} },
			wantErr: "absolute URI",
		},
		{
			name:    "redirect with fragment",
			mutate:  func(c *RegisteredClient) { c.RedirectURIs = []string{"https://app.example.com/cb#frag"} },
			wantErr: "fragment",
		},
		{
			name:    "secret method without secret",
			mutate:  func(c *RegisteredClient) { c.Secret = "" },
			wantErr: "requires a secret",
		},
		{
			name: "private_key_jwt without keys",
			mutate: func(c *RegisteredClient) {
				c.AllowedAuthMethods = []AuthMethod{AuthMethodPrivateKeyJWT}
			},
			wantErr: "jwks",
		},
		{
			name: "unknown method",
			mutate: func(c *RegisteredClient) {
				c.AllowedAuthMethods = []AuthMethod{"tls_client_auth"}
			},
			wantErr: "unknown authentication method",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := confidentialClient()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegisteredClient_FositeClient(t *testing.T) {
	t.Parallel()

	c := confidentialClient()
	c.AllowedGrantTypes = append(c.AllowedGrantTypes, GrantTypeImplicit)

	var fc fosite.Client = c
	assert.Equal(t, "web-app", fc.GetID())
	assert.Equal(t, []byte("s3cret"), fc.GetHashedSecret())
	assert.False(t, fc.IsPublic())
	assert.Equal(t, fosite.Arguments{"authorization_code", "refresh_token", "implicit"}, fc.GetGrantTypes())
	assert.Equal(t, fosite.Arguments{"code", "token", "id_token", "id_token token"}, fc.GetResponseTypes())
	assert.True(t, fc.GetScopes().Has("openid", "profile"))

	public := &RegisteredClient{ClientID: "spa", AllowedAuthMethods: []AuthMethod{AuthMethodNone}}
	assert.True(t, public.IsPublic())
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	store, err := NewMemoryStore(confidentialClient())
	require.NoError(t, err)

	got, err := store.FindByClientID(context.Background(), "web-app")
	require.NoError(t, err)
	assert.Equal(t, "web-app", got.ClientID)

	// Returned values are copies.
	got.RedirectURIs[0] = "https://evil.example.com"
	again, err := store.FindByClientID(context.Background(), "web-app")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/callback", again.RedirectURIs[0])

	_, err = store.FindByClientID(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	bad := confidentialClient()
	bad.ClientID = ""
	_, err = NewMemoryStore(bad)
	assert.Error(t, err)
}
