// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package oautherr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Response modes understood by RedirectLocation.
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
)

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

// Values returns the error as OAuth 2.0 response parameters.
func (e *Error) Values() url.Values {
	v := url.Values{}
	v.Set("error", e.Code())
	if e.Description != "" {
		v.Set("error_description", e.Description)
	}
	if e.URI != "" {
		v.Set("error_uri", e.URI)
	}
	if e.State != "" {
		v.Set("state", e.State)
	}
	return v
}

// RedirectLocation builds the redirect target carrying the error parameters.
// It returns false when the error has no redirect URI and must be rendered directly.
func (e *Error) RedirectLocation() (string, bool) {
	if e.RedirectURI == "" {
		return "", false
	}
	u, err := url.Parse(e.RedirectURI)
	if err != nil {
		return "", false
	}
	if e.ResponseMode == ResponseModeFragment {
		u.Fragment = e.Values().Encode()
		return u.String(), true
	}
	q := u.Query()
	for k, vs := range e.Values() {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), true
}

// WriteJSON renders err as an OAuth 2.0 JSON error response. Non-protocol
// errors are rendered as server_error without exposing their message.
// InvalidClient responses carry a WWW-Authenticate challenge for realm.
func WriteJSON(w http.ResponseWriter, err error, realm string) {
	oe := Wrap(err)

	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if oe.Kind == KindInvalidClient {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Basic realm=%q, error=%q`, realm, oe.Code()))
	}
	w.WriteHeader(oe.StatusCode())
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:            oe.Code(),
		ErrorDescription: oe.Description,
		ErrorURI:         oe.URI,
	})
}

// Write delivers err to the user agent: a redirect when a target is known,
// a JSON body otherwise.
func Write(w http.ResponseWriter, r *http.Request, err error, realm string) {
	oe := Wrap(err)
	if location, ok := oe.RedirectLocation(); ok {
		http.Redirect(w, r, location, http.StatusFound)
		return
	}
	WriteJSON(w, oe, realm)
}
