// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/ory/fosite"

	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/authserver/clientauth"
	"github.com/eiamhq/eiam/pkg/authserver/issuer"
	"github.com/eiamhq/eiam/pkg/authserver/oautherr"
)

// HeaderCodeSubject carries the subject of a redeemed authorization code to
// the token service. Inbound values are always stripped.
const HeaderCodeSubject = "X-Eiam-Code-Subject"

// CodeVerifier checks authorization codes presented at the token endpoint.
// *issuer.JWTIssuer implements it.
type CodeVerifier interface {
	VerifyCode(ctx context.Context, r *issuer.CodeRedemption) (*issuer.CodeGrant, error)
}

var _ CodeVerifier = (*issuer.JWTIssuer)(nil)

// TokenRequestPolicy rejects token requests the authenticated client is not
// registered for before they reach the token service. Authorization codes are
// verified against the client, redirect URI and PKCE verifier they were
// issued for. It must run after ClientAuthentication.
func (h *Handler) TokenRequestPolicy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		req.Header.Del(HeaderCodeSubject)

		res, ok := clientauth.ResultFromContext(req.Context())
		grantType := req.PostForm.Get("grant_type")
		if !ok || res.Anonymous() || grantType == "" {
			next.ServeHTTP(w, req)
			return
		}

		var registration fosite.Client = res.Client
		if err := checkTokenGrant(registration, grantType, req.PostForm.Get("scope")); err != nil {
			oautherr.WriteJSON(w, err, h.realm())
			return
		}

		if grantType == string(client.GrantTypeAuthorizationCode) && h.codes != nil {
			grant, err := h.codes.VerifyCode(req.Context(), &issuer.CodeRedemption{
				Code:         req.PostForm.Get("code"),
				ClientID:     registration.GetID(),
				RedirectURI:  req.PostForm.Get("redirect_uri"),
				CodeVerifier: req.PostForm.Get("code_verifier"),
			})
			if err != nil {
				if oautherr.Is(err, oautherr.KindServerError) {
					h.logger.Error("authorization code verification failed", "client_id", registration.GetID(), "error", err)
				} else {
					h.logger.Debug("authorization code rejected", "client_id", registration.GetID(), "error", err)
				}
				oautherr.WriteJSON(w, err, h.realm())
				return
			}
			req.Header.Set(HeaderCodeSubject, grant.Subject)
		}

		next.ServeHTTP(w, req)
	})
}

func checkTokenGrant(registration fosite.Client, grantType, scope string) error {
	if !registration.GetGrantTypes().Has(grantType) {
		return &oautherr.Error{
			Kind:        oautherr.KindUnauthorizedClient,
			Parameter:   "grant_type",
			Description: "The client is not authorized to use grant type " + grantType + ".",
			URI:         oautherr.TokenErrorURI,
		}
	}
	if grantType == string(client.GrantTypeClientCredentials) && registration.IsPublic() {
		return &oautherr.Error{
			Kind:        oautherr.KindUnauthorizedClient,
			Parameter:   "grant_type",
			Description: "Public clients may not use the client_credentials grant.",
			URI:         oautherr.TokenErrorURI,
		}
	}
	if scope != "" && !registration.GetScopes().Has(strings.Fields(scope)...) {
		return &oautherr.Error{
			Kind:        oautherr.KindInvalidScope,
			Parameter:   "scope",
			Description: "The requested scope exceeds the scope registered for the client.",
			URI:         oautherr.TokenErrorURI,
		}
	}
	return nil
}
