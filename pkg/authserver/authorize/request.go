// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

// Package authorize parses and validates authorization endpoint requests
// against a client's registration.
package authorize

import (
	"net/url"
	"slices"
	"strings"

	"github.com/eiamhq/eiam/pkg/authserver/oautherr"
)

// Authorization request parameter names.
const (
	ParamClientID            = "client_id"
	ParamRedirectURI         = "redirect_uri"
	ParamScope               = "scope"
	ParamState               = "state"
	ParamResponseType        = "response_type"
	ParamResponseMode        = "response_mode"
	ParamNonce               = "nonce"
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
)

// ScopeOpenID marks a request as an OpenID Connect request.
const ScopeOpenID = "openid"

var knownParams = []string{
	ParamClientID, ParamRedirectURI, ParamScope, ParamState, ParamResponseType,
	ParamResponseMode, ParamNonce, ParamCodeChallenge, ParamCodeChallengeMethod,
}

// Request is a parsed authorization request. It lives for one inbound call
// and is never persisted.
type Request struct {
	ClientID string

	// Principal is the authenticated end user, or "" when anonymous.
	Principal string

	RedirectURI         string
	Scopes              []string
	State               string
	ResponseTypes       []string
	ResponseMode        string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string

	// Additional holds every parameter not listed above.
	Additional map[string]string
}

// HasScope reports whether scope was requested.
func (r *Request) HasScope(scope string) bool {
	return slices.Contains(r.Scopes, scope)
}

// IsOpenID reports whether the request asks for the openid scope.
func (r *Request) IsOpenID() bool {
	return r.HasScope(ScopeOpenID)
}

// ParseRequest builds a Request from query or form parameters. It only
// rejects structurally broken input; policy checks belong to the Validator.
func ParseRequest(params url.Values, principal string) (*Request, error) {
	single := func(name string) (string, error) {
		values := params[name]
		if len(values) > 1 {
			return "", oautherr.New(oautherr.KindInvalidRequest, name,
				"OAuth 2.0 Parameter: "+name+" must not be repeated")
		}
		if len(values) == 0 {
			return "", nil
		}
		return values[0], nil
	}

	req := &Request{Principal: principal, Additional: map[string]string{}}
	var err error
	fields := []struct {
		name string
		dst  *string
	}{
		{ParamClientID, &req.ClientID},
		{ParamRedirectURI, &req.RedirectURI},
		{ParamState, &req.State},
		{ParamResponseMode, &req.ResponseMode},
		{ParamNonce, &req.Nonce},
		{ParamCodeChallenge, &req.CodeChallenge},
		{ParamCodeChallengeMethod, &req.CodeChallengeMethod},
	}
	for _, f := range fields {
		if *f.dst, err = single(f.name); err != nil {
			return nil, err
		}
	}

	if req.ClientID == "" {
		return nil, oautherr.New(oautherr.KindInvalidRequest, ParamClientID, "OAuth 2.0 Parameter: client_id is required")
	}

	scope, err := single(ParamScope)
	if err != nil {
		return nil, err
	}
	req.Scopes = splitSpaceDelimited(scope)

	responseType, err := single(ParamResponseType)
	if err != nil {
		return nil, err
	}
	req.ResponseTypes = splitSpaceDelimited(responseType)
	if len(req.ResponseTypes) == 0 {
		return nil, oautherr.New(oautherr.KindInvalidRequest, ParamResponseType, "OAuth 2.0 Parameter: response_type is required")
	}

	for name, values := range params {
		if slices.Contains(knownParams, name) || len(values) == 0 {
			continue
		}
		req.Additional[name] = values[0]
	}
	return req, nil
}

// Values renders the request back into query parameters.
func (r *Request) Values() url.Values {
	v := url.Values{}
	set := func(name, value string) {
		if value != "" {
			v.Set(name, value)
		}
	}
	set(ParamClientID, r.ClientID)
	set(ParamRedirectURI, r.RedirectURI)
	set(ParamScope, strings.Join(r.Scopes, " "))
	set(ParamState, r.State)
	set(ParamResponseType, strings.Join(r.ResponseTypes, " "))
	set(ParamResponseMode, r.ResponseMode)
	set(ParamNonce, r.Nonce)
	set(ParamCodeChallenge, r.CodeChallenge)
	set(ParamCodeChallengeMethod, r.CodeChallengeMethod)
	for k, val := range r.Additional {
		set(k, val)
	}
	return v
}

// splitSpaceDelimited splits a space-delimited parameter, dropping empty
// entries and duplicates while keeping first-seen order.
func splitSpaceDelimited(s string) []string {
	var out []string
	for _, part := range strings.Fields(s) {
		if !slices.Contains(out, part) {
			out = append(out, part)
		}
	}
	return out
}
