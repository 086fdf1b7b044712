// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/eiamhq/eiam/pkg/authserver/authorize"
	"github.com/eiamhq/eiam/pkg/authserver/claims"
	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/authserver/clientauth"
	"github.com/eiamhq/eiam/pkg/authserver/keys"
)

// Cache-Control max-age values for discovery endpoints.
const (
	// DefaultJWKSCacheMaxAge is the Cache-Control max-age for the JWKS endpoint (1 hour).
	DefaultJWKSCacheMaxAge = 3600

	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the discovery endpoints (1 hour).
	DefaultDiscoveryCacheMaxAge = 3600
)

// AuthorizationServerMetadata is the OAuth 2.0 Authorization Server
// Metadata document (RFC 8414).
type AuthorizationServerMetadata struct {
	Issuer                             string   `json:"issuer"`
	AuthorizationEndpoint              string   `json:"authorization_endpoint"`
	TokenEndpoint                      string   `json:"token_endpoint"`
	JWKSURI                            string   `json:"jwks_uri"`
	IntrospectionEndpoint              string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                 string   `json:"revocation_endpoint,omitempty"`
	DeviceAuthorizationEndpoint        string   `json:"device_authorization_endpoint,omitempty"`
	ScopesSupported                    []string `json:"scopes_supported"`
	ResponseTypesSupported             []string `json:"response_types_supported"`
	ResponseModesSupported             []string `json:"response_modes_supported"`
	GrantTypesSupported                []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported  []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgs       []string `json:"token_endpoint_auth_signing_alg_values_supported,omitempty"`
	CodeChallengeMethodsSupported      []string `json:"code_challenge_methods_supported"`
	IntrospectionAuthMethodsSupported  []string `json:"introspection_endpoint_auth_methods_supported,omitempty"`
	RevocationEndpointAuthMethods      []string `json:"revocation_endpoint_auth_methods_supported,omitempty"`
}

// OIDCDiscoveryDocument extends the metadata with OpenID Connect Discovery
// 1.0 fields.
type OIDCDiscoveryDocument struct {
	AuthorizationServerMetadata

	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ClaimsSupported                  []string `json:"claims_supported"`
}

var assertionSigningAlgs = []string{
	"RS256", "RS384", "RS512", "PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512", "HS256", "HS384", "HS512", "EdDSA",
}

// getSigningAlgorithms returns the algorithms of the published keys. It
// falls back to RS256 per OIDC Core Section 15.1.
func (h *Handler) getSigningAlgorithms(req *http.Request) []string {
	set, err := keys.JWKS(req.Context(), h.keys)
	if err != nil || len(set.Keys) == 0 {
		return []string{"RS256"}
	}

	seen := make(map[string]bool)
	var algs []string
	for _, key := range set.Keys {
		if key.Algorithm != "" && !seen[key.Algorithm] {
			seen[key.Algorithm] = true
			algs = append(algs, key.Algorithm)
		}
	}
	if len(algs) == 0 {
		return []string{"RS256"}
	}
	return algs
}

// JWKSHandler handles GET /.well-known/jwks.json requests.
// It returns the public keys used for verifying issued tokens.
func (h *Handler) JWKSHandler(w http.ResponseWriter, req *http.Request) {
	set, err := keys.JWKS(req.Context(), h.keys)
	if err != nil {
		h.logger.Error("failed to load public keys", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeCachedJSON(w, h, set, DefaultJWKSCacheMaxAge)
}

func (h *Handler) buildOAuthMetadata() AuthorizationServerMetadata {
	methods := make([]string, 0, len(h.pipeline.Methods()))
	usesAssertions := false
	for _, m := range h.pipeline.Methods() {
		methods = append(methods, string(m))
		if m == client.AuthMethodClientSecretJWT || m == client.AuthMethodPrivateKeyJWT {
			usesAssertions = true
		}
	}

	md := AuthorizationServerMetadata{
		Issuer:                h.issuer,
		AuthorizationEndpoint: h.issuer + AuthorizePath,
		TokenEndpoint:         h.issuer + TokenPath,
		JWKSURI:               h.issuer + JWKSPath,
		ScopesSupported: []string{
			authorize.ScopeOpenID, claims.ScopeProfile, claims.ScopeEmail, claims.ScopePhone,
		},
		ResponseTypesSupported: []string{
			authorize.ResponseTypeCode,
			authorize.ResponseTypeToken,
			authorize.ResponseTypeIDToken,
			authorize.ResponseTypeIDToken + " " + authorize.ResponseTypeToken,
		},
		ResponseModesSupported: h.responseModes,
		GrantTypesSupported: []string{
			string(client.GrantTypeAuthorizationCode),
			string(client.GrantTypeImplicit),
		},
		TokenEndpointAuthMethodsSupported: methods,
		CodeChallengeMethodsSupported:     []string{clientauth.PKCEMethodS256, clientauth.PKCEMethodPlain},
	}
	if usesAssertions {
		md.TokenEndpointAuthSigningAlgs = assertionSigningAlgs
	}
	if h.tokenService != nil {
		md.IntrospectionEndpoint = h.issuer + IntrospectionPath
		md.RevocationEndpoint = h.issuer + RevocationPath
		md.DeviceAuthorizationEndpoint = h.issuer + DeviceAuthorizationPath
		md.IntrospectionAuthMethodsSupported = methods
		md.RevocationEndpointAuthMethods = methods
	}
	return md
}

// OAuthDiscoveryHandler handles GET /.well-known/oauth-authorization-server requests.
func (h *Handler) OAuthDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	writeCachedJSON(w, h, h.buildOAuthMetadata(), DefaultDiscoveryCacheMaxAge)
}

// OIDCDiscoveryHandler handles GET /.well-known/openid-configuration requests.
func (h *Handler) OIDCDiscoveryHandler(w http.ResponseWriter, req *http.Request) {
	discovery := OIDCDiscoveryDocument{
		AuthorizationServerMetadata:      h.buildOAuthMetadata(),
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: h.getSigningAlgorithms(req),
		ClaimsSupported:                  claims.Supported(),
	}
	writeCachedJSON(w, h, discovery, DefaultDiscoveryCacheMaxAge)
}

func writeCachedJSON(w http.ResponseWriter, h *Handler, v any, maxAge int) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to encode discovery document", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
