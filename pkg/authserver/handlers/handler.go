// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/eiamhq/eiam/pkg/authserver/authorize"
	"github.com/eiamhq/eiam/pkg/authserver/clientauth"
	"github.com/eiamhq/eiam/pkg/authserver/engine"
	"github.com/eiamhq/eiam/pkg/authserver/keys"
	"github.com/eiamhq/eiam/pkg/authserver/user"
)

// Endpoint paths relative to the issuer.
const (
	AuthorizePath           = "/oauth/authorize"
	ConsentPath             = "/oauth/consent"
	TokenPath               = "/oauth/token"
	IntrospectionPath       = "/oauth/introspect"
	RevocationPath          = "/oauth/revoke"
	DeviceAuthorizationPath = "/oauth/device_authorization"
	JWKSPath                = "/.well-known/jwks.json"
	OIDCDiscoveryPath       = "/.well-known/openid-configuration"
	OAuthDiscoveryPath      = "/.well-known/oauth-authorization-server"
)

// Authorizer runs the authorization flow behind the authorize and consent
// endpoints. *engine.Engine implements it.
type Authorizer interface {
	Authorize(ctx context.Context, params url.Values, principal *user.Profile) (*engine.Outcome, error)
	GrantConsent(ctx context.Context, params url.Values, principal *user.Profile, approved []string) (*engine.Outcome, error)
	RevokeConsent(ctx context.Context, clientID, principal string) error
}

var _ Authorizer = (*engine.Engine)(nil)

// Deps are the collaborators a Handler needs.
type Deps struct {
	Authorizer Authorizer
	Pipeline   *clientauth.Pipeline
	Principals PrincipalResolver
	Keys       keys.Source

	// ResponseModes are advertised in the discovery documents.
	ResponseModes []string

	// TokenService serves the client-authenticated endpoints once the
	// client is identified. When nil those endpoints are not registered.
	TokenService http.Handler

	// Codes verifies authorization codes before token requests are
	// forwarded. When nil codes are left to the token service.
	Codes CodeVerifier
}

// Handler provides HTTP handlers for the authorization server endpoints.
type Handler struct {
	issuer        string
	authorizer    Authorizer
	pipeline      *clientauth.Pipeline
	principals    PrincipalResolver
	keys          keys.Source
	responseModes []string
	tokenService  http.Handler
	codes         CodeVerifier
	logger        *slog.Logger
}

// NewHandler creates a new Handler serving issuer.
func NewHandler(issuer string, deps Deps, logger *slog.Logger) (*Handler, error) {
	switch {
	case issuer == "":
		return nil, errors.New("issuer is required")
	case deps.Authorizer == nil:
		return nil, errors.New("authorizer is required")
	case deps.Pipeline == nil:
		return nil, errors.New("client authentication pipeline is required")
	case deps.Principals == nil:
		return nil, errors.New("principal resolver is required")
	case deps.Keys == nil:
		return nil, errors.New("key source is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	modes := deps.ResponseModes
	if len(modes) == 0 {
		modes = authorize.DefaultResponseModes
	}
	return &Handler{
		issuer:        strings.TrimSuffix(issuer, "/"),
		authorizer:    deps.Authorizer,
		pipeline:      deps.Pipeline,
		principals:    deps.Principals,
		keys:          deps.Keys,
		responseModes: slices.Clone(modes),
		tokenService:  deps.TokenService,
		codes:         deps.Codes,
		logger:        logger,
	}, nil
}

// Routes returns a router with all endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	return r
}

// OAuthRoutes registers the authorize, consent and client-authenticated
// endpoints on r.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get(AuthorizePath, h.AuthorizeHandler)
	r.Post(AuthorizePath, h.AuthorizeHandler)
	r.Post(ConsentPath, h.ConsentHandler)
	r.Delete(ConsentPath+"/{client_id}", h.RevokeConsentHandler)

	if h.tokenService == nil {
		return
	}
	r.Group(func(r chi.Router) {
		r.Use(h.ClientAuthentication)
		r.With(h.TokenRequestPolicy).Post(TokenPath, h.tokenService.ServeHTTP)
		r.Post(IntrospectionPath, h.tokenService.ServeHTTP)
		r.Post(RevocationPath, h.tokenService.ServeHTTP)
		r.Post(DeviceAuthorizationPath, h.tokenService.ServeHTTP)
	})
}

// WellKnownRoutes registers the JWKS and discovery endpoints on r.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get(JWKSPath, h.JWKSHandler)
	r.Get(OAuthDiscoveryPath, h.OAuthDiscoveryHandler)
	r.Get(OIDCDiscoveryPath, h.OIDCDiscoveryHandler)
}

// realm is the WWW-Authenticate realm of invalid_client challenges.
func (h *Handler) realm() string {
	return h.issuer
}
