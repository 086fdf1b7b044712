// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/eiamhq/eiam/pkg/authserver/engine"
	"github.com/eiamhq/eiam/pkg/authserver/oautherr"
)

// Consent form fields.
const (
	// FormApprovedScope lists approved scopes, space delimited or repeated.
	FormApprovedScope = "approved_scope"
	// FormAction is "deny" to reject the request outright.
	FormAction = "action"

	actionDeny = "deny"
)

const maxFormBytes = 64 << 10

// ConsentPrompt is returned by the authorization endpoint when the principal
// must approve additional scopes. The front end re-posts the original
// request parameters with the approval to ConsentEndpoint.
type ConsentPrompt struct {
	ClientID        string     `json:"client_id"`
	Scopes          []string   `json:"scopes"`
	MissingScopes   []string   `json:"missing_scopes"`
	State           string     `json:"state,omitempty"`
	ConsentEndpoint string     `json:"consent_endpoint"`
	Parameters      url.Values `json:"parameters"`
}

// AuthorizeHandler handles GET and POST /oauth/authorize requests.
// It runs the authorization flow and either redirects with the issued
// response or asks for consent.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	params, err := requestParams(w, req)
	if err != nil {
		oautherr.WriteJSON(w, err, h.realm())
		return
	}

	principal, err := h.principals.ResolvePrincipal(req)
	if err != nil {
		h.logger.Error("failed to resolve principal", "error", err)
		oautherr.WriteJSON(w, oautherr.ServerError(err), h.realm())
		return
	}

	out, err := h.authorizer.Authorize(req.Context(), params, principal)
	if err != nil {
		oautherr.Write(w, req, err, h.realm())
		return
	}
	h.writeOutcome(w, req, params, out)
}

// ConsentHandler handles POST /oauth/consent. The form carries the original
// authorization request parameters plus the approved scopes.
func (h *Handler) ConsentHandler(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, maxFormBytes)
	if err := req.ParseForm(); err != nil {
		oautherr.WriteJSON(w, oautherr.New(oautherr.KindInvalidRequest, "", "malformed form body"), h.realm())
		return
	}

	params := cloneValues(req.PostForm)
	approved := splitScopes(params[FormApprovedScope])
	if params.Get(FormAction) == actionDeny {
		approved = nil
	}
	params.Del(FormApprovedScope)
	params.Del(FormAction)

	principal, err := h.principals.ResolvePrincipal(req)
	if err != nil {
		h.logger.Error("failed to resolve principal", "error", err)
		oautherr.WriteJSON(w, oautherr.ServerError(err), h.realm())
		return
	}

	out, err := h.authorizer.GrantConsent(req.Context(), params, principal, approved)
	if err != nil {
		oautherr.Write(w, req, err, h.realm())
		return
	}
	h.writeOutcome(w, req, params, out)
}

// RevokeConsentHandler handles DELETE /oauth/consent/{client_id}. It removes
// the calling principal's consent for the client.
func (h *Handler) RevokeConsentHandler(w http.ResponseWriter, req *http.Request) {
	principal, err := h.principals.ResolvePrincipal(req)
	if err != nil {
		h.logger.Error("failed to resolve principal", "error", err)
		oautherr.WriteJSON(w, oautherr.ServerError(err), h.realm())
		return
	}
	if principal == nil {
		oautherr.WriteJSON(w, oautherr.New(oautherr.KindAccessDenied, "", "authentication required"), h.realm())
		return
	}

	clientID := chi.URLParam(req, "client_id")
	if err := h.authorizer.RevokeConsent(req.Context(), clientID, principal.ID); err != nil {
		oautherr.WriteJSON(w, err, h.realm())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeOutcome(w http.ResponseWriter, req *http.Request, params url.Values, out *engine.Outcome) {
	if out.ConsentRequired {
		prompt := ConsentPrompt{
			ClientID:        out.Context.Client.ClientID,
			Scopes:          out.Context.Scopes,
			MissingScopes:   out.MissingScopes,
			State:           out.Context.State,
			ConsentEndpoint: h.issuer + ConsentPath,
			Parameters:      params,
		}
		data, err := json.Marshal(prompt)
		if err != nil {
			h.logger.Error("failed to encode consent prompt", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(data)
		return
	}

	location, err := out.RedirectLocation()
	if err != nil {
		h.logger.Error("failed to build authorization response", "error", err)
		oautherr.WriteJSON(w, oautherr.ServerError(err), h.realm())
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, req, location, http.StatusFound)
}

// requestParams returns the authorization request parameters: the query for
// GET, the form body for POST.
func requestParams(w http.ResponseWriter, req *http.Request) (url.Values, error) {
	if req.Method != http.MethodPost {
		return req.URL.Query(), nil
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxFormBytes)
	if err := req.ParseForm(); err != nil {
		return nil, oautherr.New(oautherr.KindInvalidRequest, "", "malformed form body")
	}
	return cloneValues(req.PostForm), nil
}

func splitScopes(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, strings.Fields(v)...)
	}
	return out
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
