// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package clientauth

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/authserver/oautherr"
)

// JWTBearerAssertionType is the client_assertion_type for JWT client assertions (RFC 7523).
const JWTBearerAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Form parameter names.
const (
	ParamClientID            = "client_id"
	ParamClientSecret        = "client_secret"
	ParamClientAssertion     = "client_assertion"
	ParamClientAssertionType = "client_assertion_type"
	ParamCodeVerifier        = "code_verifier"
)

// singleParam returns the only value of name in form. Repeated parameters
// are rejected as invalid_request.
func singleParam(form url.Values, name string) (string, error) {
	values := form[name]
	switch len(values) {
	case 0:
		return "", nil
	case 1:
		return values[0], nil
	default:
		return "", oautherr.New(oautherr.KindInvalidRequest, name, "parameter must not be repeated")
	}
}

func convertAssertion(r *http.Request) (*Credentials, error) {
	assertionType, err := singleParam(r.PostForm, ParamClientAssertionType)
	if err != nil {
		return nil, err
	}
	assertion, err := singleParam(r.PostForm, ParamClientAssertion)
	if err != nil {
		return nil, err
	}
	if assertionType == "" && assertion == "" {
		return nil, nil
	}
	if assertionType != JWTBearerAssertionType {
		return nil, oautherr.New(oautherr.KindInvalidRequest, ParamClientAssertionType, "unsupported client_assertion_type")
	}
	if assertion == "" {
		return nil, oautherr.New(oautherr.KindInvalidRequest, ParamClientAssertion, "client_assertion is required")
	}

	// Peek at the header and subject to choose the method and client; the
	// signature is verified later against the registered key material.
	claims := jwt.RegisteredClaims{}
	token, _, err := jwt.NewParser().ParseUnverified(assertion, &claims)
	if err != nil {
		return nil, oautherr.New(oautherr.KindInvalidRequest, ParamClientAssertion, "client_assertion is malformed")
	}

	clientID, err := singleParam(r.PostForm, ParamClientID)
	if err != nil {
		return nil, err
	}
	if clientID == "" {
		clientID = claims.Subject
	}
	if clientID == "" {
		return nil, oautherr.New(oautherr.KindInvalidRequest, ParamClientID, "client_id is required")
	}

	method := client.AuthMethodPrivateKeyJWT
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
		method = client.AuthMethodClientSecretJWT
	}

	return &Credentials{ClientID: clientID, Method: method, Assertion: assertion}, nil
}

func convertBasic(r *http.Request) (*Credentials, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}
	scheme, payload, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, "Basic") {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, oautherr.New(oautherr.KindInvalidRequest, "", "malformed Basic authorization header")
	}
	rawID, rawSecret, ok := strings.Cut(string(decoded), ":")
	if !ok || rawID == "" {
		return nil, oautherr.New(oautherr.KindInvalidRequest, "", "malformed Basic authorization header")
	}

	// RFC 6749 section 2.3.1: both parts are form-urlencoded before encoding.
	clientID, err := url.QueryUnescape(rawID)
	if err != nil {
		return nil, oautherr.New(oautherr.KindInvalidRequest, "", "malformed Basic authorization header")
	}
	secret, err := url.QueryUnescape(rawSecret)
	if err != nil {
		return nil, oautherr.New(oautherr.KindInvalidRequest, "", "malformed Basic authorization header")
	}

	return &Credentials{ClientID: clientID, Method: client.AuthMethodClientSecretBasic, Secret: secret}, nil
}

func convertPost(r *http.Request) (*Credentials, error) {
	secret, err := singleParam(r.PostForm, ParamClientSecret)
	if err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, nil
	}
	clientID, err := singleParam(r.PostForm, ParamClientID)
	if err != nil {
		return nil, err
	}
	if clientID == "" {
		return nil, nil
	}
	return &Credentials{ClientID: clientID, Method: client.AuthMethodClientSecretPost, Secret: secret}, nil
}

func convertPublic(r *http.Request) (*Credentials, error) {
	verifier, err := singleParam(r.PostForm, ParamCodeVerifier)
	if err != nil {
		return nil, err
	}
	if verifier == "" {
		return nil, nil
	}
	clientID, err := singleParam(r.PostForm, ParamClientID)
	if err != nil {
		return nil, err
	}
	if clientID == "" {
		return nil, oautherr.New(oautherr.KindInvalidRequest, ParamClientID, "client_id is required")
	}
	return &Credentials{ClientID: clientID, Method: client.AuthMethodNone, CodeVerifier: verifier}, nil
}
