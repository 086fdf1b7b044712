// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

// Package clientauth identifies the OAuth client behind a protocol request.
//
// A Pipeline runs a fixed, ordered list of credential converters (signed
// assertion, HTTP Basic, form post, public client) and stops at the first one
// whose scheme markers are present. The matched credentials are then checked by
// the Verifier registered for their authentication method. A failed check is
// terminal: later converters are never consulted.
package clientauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/authserver/oautherr"
)

// DefaultLookupTimeout bounds the registered-client lookup.
const DefaultLookupTimeout = 3 * time.Second

// Credentials are the raw client credentials extracted from a request.
type Credentials struct {
	ClientID string
	Method   client.AuthMethod

	// Secret is set for client_secret_basic and client_secret_post.
	Secret string

	// Assertion is the compact JWT for client_secret_jwt and private_key_jwt.
	Assertion string

	// CodeVerifier is the PKCE verifier presented by a public client.
	CodeVerifier string
}

// Result is the outcome of a successful authentication.
type Result struct {
	// Client is nil when the request carried no client credentials.
	Client *client.RegisteredClient
	Method client.AuthMethod

	// CodeVerifier is handed to the token issuer for PKCE verification.
	CodeVerifier string
}

// Anonymous reports whether no converter matched the request.
func (r *Result) Anonymous() bool {
	return r.Client == nil
}

// ClientID returns the authenticated client identifier, or "" when anonymous.
func (r *Result) ClientID() string {
	if r.Client == nil {
		return ""
	}
	return r.Client.ClientID
}

// Converter extracts credentials for one authentication scheme. It returns
// (nil, nil) when the request does not carry the scheme's markers, and an
// error only when the markers are present but malformed.
type Converter interface {
	Convert(r *http.Request) (*Credentials, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(r *http.Request) (*Credentials, error)

// Convert implements Converter.
func (f ConverterFunc) Convert(r *http.Request) (*Credentials, error) { return f(r) }

// Verifier checks extracted credentials against the client's registration.
type Verifier interface {
	Verify(ctx context.Context, c *client.RegisteredClient, creds *Credentials) error
}

// unknownClientVerifier is implemented by verifiers whose cost depends on the
// stored credential. It is run when the client_id is not registered.
type unknownClientVerifier interface {
	verifyUnknown(creds *Credentials)
}

// Pipeline authenticates clients at the token, introspection, revocation and
// device authorization endpoints.
type Pipeline struct {
	converters    []Converter
	verifiers     map[client.AuthMethod]Verifier
	clients       client.Store
	lookupTimeout time.Duration
	logger        *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLookupTimeout overrides DefaultLookupTimeout.
func WithLookupTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.lookupTimeout = d
		}
	}
}

// WithLogger sets the logger used for authentication diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// DefaultConverters returns the converters in their required order:
// signed assertion, HTTP Basic, form post, public client.
func DefaultConverters() []Converter {
	return []Converter{
		ConverterFunc(convertAssertion),
		ConverterFunc(convertBasic),
		ConverterFunc(convertPost),
		ConverterFunc(convertPublic),
	}
}

// NewPipeline creates a Pipeline using DefaultConverters. The verifier map is
// the set of supported authentication methods; it is copied and fixed for the
// lifetime of the pipeline.
func NewPipeline(clients client.Store, verifiers map[client.AuthMethod]Verifier, opts ...Option) (*Pipeline, error) {
	if clients == nil {
		return nil, errors.New("client store is required")
	}
	if len(verifiers) == 0 {
		return nil, errors.New("at least one verifier is required")
	}
	p := &Pipeline{
		converters:    DefaultConverters(),
		verifiers:     make(map[client.AuthMethod]Verifier, len(verifiers)),
		clients:       clients,
		lookupTimeout: DefaultLookupTimeout,
		logger:        slog.Default(),
	}
	for m, v := range verifiers {
		if v == nil {
			return nil, fmt.Errorf("verifier for %s is nil", m)
		}
		p.verifiers[m] = v
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Methods returns the supported authentication methods.
func (p *Pipeline) Methods() []client.AuthMethod {
	out := make([]client.AuthMethod, 0, len(p.verifiers))
	for _, m := range []client.AuthMethod{
		client.AuthMethodClientSecretBasic,
		client.AuthMethodClientSecretPost,
		client.AuthMethodClientSecretJWT,
		client.AuthMethodPrivateKeyJWT,
		client.AuthMethodNone,
	} {
		if _, ok := p.verifiers[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Authenticate identifies the client behind r. The request form must already
// be parsed. Every failure is an *oautherr.Error.
func (p *Pipeline) Authenticate(ctx context.Context, r *http.Request) (*Result, error) {
	creds, err := p.extract(r)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return &Result{}, nil
	}

	verifier, ok := p.verifiers[creds.Method]
	if !ok {
		return nil, oautherr.ProviderNotSupported(string(creds.Method))
	}

	registered, err := p.lookup(ctx, creds.ClientID)
	if err != nil {
		if oautherr.Is(err, oautherr.KindInvalidClient) {
			if v, ok := verifier.(unknownClientVerifier); ok {
				v.verifyUnknown(creds)
			}
		}
		return nil, err
	}

	if !registered.AllowsAuthMethod(creds.Method) {
		p.logger.Debug("client authentication method not allowed",
			"client_id", creds.ClientID, "method", creds.Method)
		return nil, oautherr.InvalidClient(fmt.Errorf("method %s not allowed", creds.Method))
	}

	if err := verifier.Verify(ctx, registered, creds); err != nil {
		var oerr *oautherr.Error
		if errors.As(err, &oerr) && oerr.Kind != oautherr.KindInvalidClient {
			return nil, oerr
		}
		p.logger.Debug("client authentication failed", "client_id", creds.ClientID, "method", creds.Method)
		return nil, oautherr.InvalidClient(err)
	}

	return &Result{
		Client:       registered,
		Method:       creds.Method,
		CodeVerifier: creds.CodeVerifier,
	}, nil
}

func (p *Pipeline) extract(r *http.Request) (*Credentials, error) {
	for _, c := range p.converters {
		creds, err := c.Convert(r)
		if err != nil {
			return nil, err
		}
		if creds != nil {
			return creds, nil
		}
	}
	return nil, nil
}

func (p *Pipeline) lookup(ctx context.Context, clientID string) (*client.RegisteredClient, error) {
	ctx, cancel := context.WithTimeout(ctx, p.lookupTimeout)
	defer cancel()

	registered, err := p.clients.FindByClientID(ctx, clientID)
	if errors.Is(err, client.ErrNotFound) {
		return nil, oautherr.InvalidClient(err)
	}
	if err != nil {
		return nil, oautherr.ServerError(fmt.Errorf("client lookup: %w", err))
	}
	if registered == nil {
		return nil, oautherr.InvalidClient(client.ErrNotFound)
	}
	return registered, nil
}

type resultKey struct{}

// WithResult stores the authentication result in ctx.
func WithResult(ctx context.Context, res *Result) context.Context {
	return context.WithValue(ctx, resultKey{}, res)
}

// ResultFromContext returns the authentication result stored in ctx.
func ResultFromContext(ctx context.Context) (*Result, bool) {
	res, ok := ctx.Value(resultKey{}).(*Result)
	return res, ok
}
