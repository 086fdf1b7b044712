// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

// Package oautherr defines the typed protocol errors returned by the
// authorization engine and how they map onto OAuth 2.0 wire responses.
//
// Components never panic or leak store errors across their boundaries. Every
// failure is returned as an *Error carrying a Kind, and anything that is not
// already an *Error is collapsed into KindServerError by Wrap.
package oautherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a protocol error.
type Kind int

// Error kinds, one per entry of the error taxonomy.
const (
	// KindInvalidRequest covers malformed or missing parameters (redirect_uri, response_mode, ...).
	KindInvalidRequest Kind = iota + 1
	// KindUnauthorizedClient means the client may not use the requested grant type.
	KindUnauthorizedClient
	// KindInvalidScope means at least one requested scope is not allowed for the client.
	KindInvalidScope
	// KindInvalidClient means client authentication failed.
	KindInvalidClient
	// KindServerError wraps store, timeout and other internal failures.
	KindServerError
	// KindProviderNotSupported means the credential scheme has no registered verifier.
	KindProviderNotSupported
	// KindUnsupportedResponseType means the response_type maps to no known grant.
	KindUnsupportedResponseType
	// KindAccessDenied means the resource owner denied the request.
	KindAccessDenied
	// KindInvalidGrant means an authorization code is invalid, expired or
	// bound to another client, redirect URI or code verifier.
	KindInvalidGrant
)

// Error reference URIs.
const (
	AuthorizationErrorURI = "https://datatracker.ietf.org/doc/html/rfc6749#section-4.1.2.1"
	TokenErrorURI         = "https://datatracker.ietf.org/doc/html/rfc6749#section-5.2"
)

// InvalidClientDescription is returned for every client authentication failure,
// regardless of whether the client was unknown or its credentials were wrong.
const InvalidClientDescription = "Client authentication failed. Either the client or the client credentials are invalid."

// String returns the OAuth 2.0 error code for the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidRequest, KindProviderNotSupported:
		return "invalid_request"
	case KindUnauthorizedClient:
		return "unauthorized_client"
	case KindInvalidScope:
		return "invalid_scope"
	case KindInvalidClient:
		return "invalid_client"
	case KindServerError:
		return "server_error"
	case KindUnsupportedResponseType:
		return "unsupported_response_type"
	case KindAccessDenied:
		return "access_denied"
	case KindInvalidGrant:
		return "invalid_grant"
	default:
		return "server_error"
	}
}

// Error is a protocol error with an optional delivery target.
type Error struct {
	// Kind classifies the error.
	Kind Kind

	// Description is a human readable explanation safe to show to the client.
	Description string

	// Parameter names the offending request parameter, if any.
	Parameter string

	// URI points at documentation for the error.
	URI string

	// RedirectURI is where the error must be delivered. Empty means the error
	// is rendered directly to the user agent and never redirected.
	RedirectURI string

	// State echoes the request state when the error is redirected.
	State string

	// ResponseMode selects query or fragment encoding for redirected errors.
	ResponseMode string

	cause error
}

// New creates an error of the given kind for the named parameter.
func New(kind Kind, parameter, description string) *Error {
	return &Error{
		Kind:        kind,
		Parameter:   parameter,
		Description: description,
		URI:         AuthorizationErrorURI,
	}
}

// InvalidClient returns the generic client authentication failure.
// The cause is kept for logging only and never rendered.
func InvalidClient(cause error) *Error {
	return &Error{
		Kind:        KindInvalidClient,
		Description: InvalidClientDescription,
		URI:         TokenErrorURI,
		cause:       cause,
	}
}

// ProviderNotSupported reports a credential scheme without a registered verifier.
func ProviderNotSupported(method string) *Error {
	return &Error{
		Kind:        KindProviderNotSupported,
		Description: fmt.Sprintf("client authentication method %q is not supported", method),
		URI:         TokenErrorURI,
	}
}

// InvalidGrant reports an authorization code that cannot be redeemed. The
// cause is kept for logging only.
func InvalidGrant(cause error) *Error {
	return &Error{
		Kind:        KindInvalidGrant,
		Description: "The provided authorization grant is invalid, expired or was issued to another client.",
		URI:         TokenErrorURI,
		cause:       cause,
	}
}

// ServerError wraps an internal failure.
func ServerError(cause error) *Error {
	return &Error{
		Kind:        KindServerError,
		Description: "The authorization server encountered an unexpected condition.",
		URI:         AuthorizationErrorURI,
		cause:       cause,
	}
}

// Wrap converts err into an *Error. Errors that already carry a Kind pass
// through untouched; everything else becomes a server error.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return ServerError(err)
}

// KindOf returns the kind of err, or zero if err is not an *Error.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return 0
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Parameter != "" {
		msg += " (" + e.Parameter + ")"
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Code returns the OAuth 2.0 error code.
func (e *Error) Code() string {
	return e.Kind.String()
}

// StatusCode returns the HTTP status for a directly rendered error.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindInvalidClient:
		return http.StatusUnauthorized
	case KindServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// WithRedirect returns a copy of e addressed to redirectURI.
func (e *Error) WithRedirect(redirectURI, state, responseMode string) *Error {
	cp := *e
	cp.RedirectURI = redirectURI
	cp.State = state
	cp.ResponseMode = responseMode
	return &cp
}
