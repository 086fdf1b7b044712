// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"fmt"
	"net/netip"
	"net/url"
	"slices"
	"strings"

	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/authserver/oautherr"
)

// Response modes.
const (
	ResponseModeQuery    = oautherr.ResponseModeQuery
	ResponseModeFragment = oautherr.ResponseModeFragment
)

// Response types.
const (
	ResponseTypeCode    = "code"
	ResponseTypeToken   = "token"
	ResponseTypeIDToken = "id_token"
)

// DefaultResponseModes is the response mode set supported out of the box.
var DefaultResponseModes = []string{ResponseModeQuery, ResponseModeFragment}

// Context is a request that passed validation, ready for consent and token
// issuance.
type Context struct {
	Client    *client.RegisteredClient
	Principal string
	GrantType client.GrantType
	Scopes    []string

	// RedirectURI is where the response is delivered: the requested URI or,
	// when none was sent, the client's single registered URI.
	RedirectURI  string
	ResponseMode string
	State        string
	Request      *Request
}

// Validator runs the authorization request checks in a fixed order: grant
// type, scope, redirect URI, response mode, then request parameters. The
// first failure is returned.
type Validator struct {
	responseModes []string
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithResponseModes restricts the supported response modes.
func WithResponseModes(modes ...string) ValidatorOption {
	return func(v *Validator) {
		if len(modes) > 0 {
			v.responseModes = slices.Clone(modes)
		}
	}
}

// NewValidator creates a Validator.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{responseModes: slices.Clone(DefaultResponseModes)}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ResponseModes returns the supported response modes.
func (v *Validator) ResponseModes() []string {
	return slices.Clone(v.responseModes)
}

// Validate checks req against the registered client c. Errors are
// *oautherr.Error values carrying the redirect target the error response may
// be sent to, which is empty when redirect_uri itself was rejected.
func (v *Validator) Validate(req *Request, c *client.RegisteredClient) (*Context, error) {
	redirect, redirectErr := resolveRedirect(req, c)

	fail := func(err *oautherr.Error, grant client.GrantType) error {
		target := redirect
		if redirectErr != nil && len(c.RedirectURIs) == 1 {
			target = c.RedirectURIs[0]
		}
		if target == "" {
			return err
		}
		return err.WithRedirect(target, req.State, v.errorResponseMode(req, grant))
	}

	grant, err := grantTypeFor(req.ResponseTypes)
	if err != nil {
		return nil, fail(err, "")
	}
	if !c.AllowsGrantType(grant) {
		return nil, fail(oautherr.New(oautherr.KindUnauthorizedClient, ParamResponseType,
			fmt.Sprintf("client is not allowed to use the %s grant", grant)), grant)
	}

	for _, scope := range req.Scopes {
		if !c.AllowsScope(scope) {
			return nil, fail(oautherr.New(oautherr.KindInvalidScope, ParamScope,
				fmt.Sprintf("scope %q is not allowed for this client", scope)), grant)
		}
	}

	if redirectErr != nil {
		// Never redirect to a URI that failed validation.
		return nil, redirectErr
	}

	mode := req.ResponseMode
	if mode != "" {
		if !slices.Contains(v.responseModes, mode) {
			return nil, fail(oautherr.New(oautherr.KindInvalidRequest, ParamResponseMode,
				fmt.Sprintf("response_mode %q is not supported", mode)), grant)
		}
		if grant == client.GrantTypeImplicit && mode == ResponseModeQuery {
			return nil, fail(oautherr.New(oautherr.KindInvalidRequest, ParamResponseMode,
				"query response_mode is not allowed when tokens are returned from the authorization endpoint"), grant)
		}
	} else {
		mode = defaultResponseMode(grant)
	}

	if err := checkParameters(req, c, grant); err != nil {
		return nil, fail(err, grant)
	}

	return &Context{
		Client:       c,
		Principal:    req.Principal,
		GrantType:    grant,
		Scopes:       slices.Clone(req.Scopes),
		RedirectURI:  redirect,
		ResponseMode: mode,
		State:        req.State,
		Request:      req,
	}, nil
}

func (v *Validator) errorResponseMode(req *Request, grant client.GrantType) string {
	if slices.Contains(v.responseModes, req.ResponseMode) &&
		(grant != client.GrantTypeImplicit || req.ResponseMode != ResponseModeQuery) {
		return req.ResponseMode
	}
	return defaultResponseMode(grant)
}

func defaultResponseMode(grant client.GrantType) string {
	if grant == client.GrantTypeImplicit {
		return ResponseModeFragment
	}
	return ResponseModeQuery
}

// grantTypeFor maps response_type to the grant it starts: "code" starts the
// authorization code grant, any combination of "token" and "id_token" the
// implicit grant.
func grantTypeFor(responseTypes []string) (client.GrantType, *oautherr.Error) {
	if len(responseTypes) == 0 {
		return "", oautherr.New(oautherr.KindInvalidRequest, ParamResponseType, "OAuth 2.0 Parameter: response_type is required")
	}
	if len(responseTypes) == 1 && responseTypes[0] == ResponseTypeCode {
		return client.GrantTypeAuthorizationCode, nil
	}
	for _, rt := range responseTypes {
		if rt != ResponseTypeToken && rt != ResponseTypeIDToken {
			return "", oautherr.New(oautherr.KindUnsupportedResponseType, ParamResponseType,
				fmt.Sprintf("response_type %q is not supported", strings.Join(responseTypes, " ")))
		}
	}
	return client.GrantTypeImplicit, nil
}

func checkParameters(req *Request, c *client.RegisteredClient, grant client.GrantType) *oautherr.Error {
	switch grant {
	case client.GrantTypeAuthorizationCode:
		if req.CodeChallenge == "" {
			if c.IsPublic() {
				return oautherr.New(oautherr.KindInvalidRequest, ParamCodeChallenge, "code_challenge is required for public clients")
			}
			return nil
		}
		switch req.CodeChallengeMethod {
		case "", "S256", "plain":
		default:
			return oautherr.New(oautherr.KindInvalidRequest, ParamCodeChallengeMethod, "code_challenge_method is not supported")
		}
	case client.GrantTypeImplicit:
		if slices.Contains(req.ResponseTypes, ResponseTypeIDToken) {
			if !req.IsOpenID() {
				return oautherr.New(oautherr.KindInvalidScope, ParamScope, "id_token requires the openid scope")
			}
			if req.Nonce == "" {
				return oautherr.New(oautherr.KindInvalidRequest, ParamNonce, "nonce is required when an id_token is returned")
			}
		}
	}
	return nil
}

// resolveRedirect returns the redirect target for req. The returned error has
// no redirect attached.
func resolveRedirect(req *Request, c *client.RegisteredClient) (string, *oautherr.Error) {
	invalid := func(description string) *oautherr.Error {
		return oautherr.New(oautherr.KindInvalidRequest, ParamRedirectURI, description)
	}

	if req.RedirectURI == "" {
		if len(c.RedirectURIs) == 1 {
			return c.RedirectURIs[0], nil
		}
		return "", invalid("OAuth 2.0 Parameter: redirect_uri is required")
	}

	requested, err := url.Parse(req.RedirectURI)
	if err != nil || !requested.IsAbs() || requested.Host == "" {
		return "", invalid("redirect_uri must be an absolute URI")
	}
	if requested.Fragment != "" || strings.Contains(req.RedirectURI, "#") {
		return "", invalid("redirect_uri must not contain a fragment")
	}

	for _, registered := range c.RedirectURIs {
		if registered == req.RedirectURI {
			return registered, nil
		}
	}
	if isLoopback(requested.Hostname()) {
		for _, raw := range c.RedirectURIs {
			registered, err := url.Parse(raw)
			if err != nil {
				continue
			}
			if loopbackMatch(registered, requested) {
				return req.RedirectURI, nil
			}
		}
	}
	return "", invalid("redirect_uri does not match a registered redirect URI")
}

// loopbackMatch compares two loopback URIs ignoring the port (RFC 8252
// section 7.3).
func loopbackMatch(registered, requested *url.URL) bool {
	if !isLoopback(registered.Hostname()) {
		return false
	}
	regAddr, err := netip.ParseAddr(registered.Hostname())
	if err != nil {
		return false
	}
	reqAddr, err := netip.ParseAddr(requested.Hostname())
	if err != nil {
		return false
	}
	return registered.Scheme == requested.Scheme &&
		regAddr == reqAddr &&
		registered.EscapedPath() == requested.EscapedPath() &&
		registered.RawQuery == requested.RawQuery &&
		registered.User.String() == requested.User.String()
}

// isLoopback reports whether host is an IPv4 address in 127.0.0.1 through
// 127.255.255.255 or the IPv6 loopback address. Host names such as
// "localhost" are not treated as loopback.
func isLoopback(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil || addr.Zone() != "" {
		return false
	}
	if addr.Is4() {
		b := addr.As4()
		return b[0] == 127 && addr != netip.AddrFrom4([4]byte{127, 0, 0, 0})
	}
	return addr == netip.IPv6Loopback()
}
