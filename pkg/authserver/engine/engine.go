// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine runs the authorization endpoint flow: client lookup,
// request validation, consent, claim assembly and token issuance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/eiamhq/eiam/pkg/authserver/authorize"
	"github.com/eiamhq/eiam/pkg/authserver/claims"
	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/authserver/consent"
	"github.com/eiamhq/eiam/pkg/authserver/issuer"
	"github.com/eiamhq/eiam/pkg/authserver/oautherr"
	"github.com/eiamhq/eiam/pkg/authserver/user"
)

const instrumentationName = "github.com/eiamhq/eiam/pkg/authserver/engine"

// DefaultDependencyTimeout bounds every store call made by the Engine.
const DefaultDependencyTimeout = 3 * time.Second

// Outcomes recorded on spans and metrics.
const (
	outcomeIssued          = "issued"
	outcomeConsentRequired = "consent_required"
	outcomeRevoked         = "revoked"
	outcomeError           = "error"
)

// Timeouts bound the external calls made while handling one request.
type Timeouts struct {
	ClientLookup time.Duration
	Consent      time.Duration
}

// Outcome is the result of an authorization step. Exactly one of
// ConsentRequired and Response is meaningful.
type Outcome struct {
	Context *authorize.Context

	// ConsentRequired is set when the principal has not yet approved
	// MissingScopes for this client.
	ConsentRequired bool
	MissingScopes   []string

	Response *issuer.Response
}

// RedirectLocation returns the URI the user agent is sent to with the
// issued response, encoded in the negotiated response mode.
func (o *Outcome) RedirectLocation() (string, error) {
	if o.Response == nil || o.Context == nil {
		return "", errors.New("outcome carries no response")
	}
	u, err := url.Parse(o.Context.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}

	params := url.Values{}
	for k, v := range o.Response.Parameters() {
		params.Set(k, v)
	}
	if o.Context.State != "" {
		params.Set(authorize.ParamState, o.Context.State)
	}

	if o.Context.ResponseMode == authorize.ResponseModeFragment {
		u.Fragment = params.Encode()
		return u.String(), nil
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Engine runs the authorization flow: client lookup, request validation,
// consent, claim assembly and issuance. Every dependency is injected.
type Engine struct {
	clients    client.Store
	validator  *authorize.Validator
	consents   consent.Store
	customizer *claims.Customizer
	issuer     issuer.Issuer

	timeouts Timeouts
	logger   *slog.Logger

	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// Deps are the collaborators an Engine needs.
type Deps struct {
	Clients    client.Store
	Validator  *authorize.Validator
	Consents   consent.Store
	Customizer *claims.Customizer
	Issuer     issuer.Issuer
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	timeouts       Timeouts
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithTimeouts overrides the dependency timeouts. Zero fields keep the
// default.
func WithTimeouts(t Timeouts) Option {
	return func(o *options) {
		if t.ClientLookup > 0 {
			o.timeouts.ClientLookup = t.ClientLookup
		}
		if t.Consent > 0 {
			o.timeouts.Consent = t.Consent
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracerProvider sets the tracer provider. The otel global is the default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets the meter provider. The otel global is the default.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// New creates an Engine.
func New(deps Deps, opts ...Option) (*Engine, error) {
	switch {
	case deps.Clients == nil:
		return nil, errors.New("client store is required")
	case deps.Validator == nil:
		return nil, errors.New("validator is required")
	case deps.Consents == nil:
		return nil, errors.New("consent store is required")
	case deps.Customizer == nil:
		return nil, errors.New("claim customizer is required")
	case deps.Issuer == nil:
		return nil, errors.New("issuer is required")
	}

	o := options{
		timeouts: Timeouts{
			ClientLookup: DefaultDependencyTimeout,
			Consent:      DefaultDependencyTimeout,
		},
		logger:         slog.Default(),
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	meter := o.meterProvider.Meter(instrumentationName)
	requests, err := meter.Int64Counter("eiam_authorization_requests",
		metric.WithDescription("Authorization engine operations by operation and outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	duration, err := meter.Float64Histogram("eiam_authorization_duration",
		metric.WithDescription("Authorization engine operation latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &Engine{
		clients:    deps.Clients,
		validator:  deps.Validator,
		consents:   deps.Consents,
		customizer: deps.Customizer,
		issuer:     deps.Issuer,
		timeouts:   o.timeouts,
		logger:     o.logger,
		tracer:     o.tracerProvider.Tracer(instrumentationName),
		requests:   requests,
		duration:   duration,
	}, nil
}

// Authorize handles an authorization request from principal, which is nil
// for an anonymous caller. The result either asks for consent or carries
// the issued response. Nothing is written on any path.
func (e *Engine) Authorize(ctx context.Context, params url.Values, principal *user.Profile) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Authorize")
	defer span.End()
	start := time.Now()

	out, err := e.authorize(ctx, params, principal)
	e.record(ctx, span, "authorize", start, out, err)
	return out, err
}

func (e *Engine) authorize(ctx context.Context, params url.Values, principal *user.Profile) (*Outcome, error) {
	actx, err := e.validate(ctx, params, principal)
	if err != nil {
		return nil, err
	}

	current, err := e.getConsent(ctx, actx)
	if err != nil {
		return nil, err
	}
	if missing := current.Missing(consentableScopes(actx.Scopes)); len(missing) > 0 {
		return &Outcome{Context: actx, ConsentRequired: true, MissingScopes: missing}, nil
	}
	return e.issue(ctx, actx, principal)
}

// GrantConsent records that principal approved the scopes in approved for
// the request in params, then completes the authorization with the scopes
// now consented to. An empty approval is a denial.
func (e *Engine) GrantConsent(
	ctx context.Context, params url.Values, principal *user.Profile, approved []string,
) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.GrantConsent")
	defer span.End()
	start := time.Now()

	out, err := e.grantConsent(ctx, params, principal, approved)
	e.record(ctx, span, "grant_consent", start, out, err)
	return out, err
}

func (e *Engine) grantConsent(
	ctx context.Context, params url.Values, principal *user.Profile, approved []string,
) (*Outcome, error) {
	actx, err := e.validate(ctx, params, principal)
	if err != nil {
		return nil, err
	}

	if len(approved) == 0 {
		return nil, redirectTo(actx, oautherr.New(oautherr.KindAccessDenied, "",
			"The resource owner denied the request."))
	}
	for _, s := range approved {
		if !slices.Contains(actx.Scopes, s) || !actx.Client.AllowsScope(s) {
			return nil, redirectTo(actx, oautherr.New(oautherr.KindInvalidScope, authorize.ParamScope,
				fmt.Sprintf("scope %q was not requested", s)))
		}
	}

	// An aborted request must not leave a consent behind.
	if err := ctx.Err(); err != nil {
		return nil, oautherr.ServerError(fmt.Errorf("request cancelled before consent was stored: %w", err))
	}

	updateCtx, cancel := context.WithTimeout(ctx, e.timeouts.Consent)
	defer cancel()
	stored, err := e.consents.Update(updateCtx, actx.Client.ClientID, actx.Principal,
		consent.MergeScopes(actx.Client.ClientID, actx.Principal, approved, actx.Client.AllowedScopes))
	if err != nil {
		return nil, redirectTo(actx, oautherr.ServerError(fmt.Errorf("failed to store consent: %w", err)))
	}
	e.logger.DebugContext(ctx, "consent granted",
		"client_id", actx.Client.ClientID,
		"scopes", approved,
	)

	// Scopes the principal left unchecked are dropped from this grant.
	granted := make([]string, 0, len(actx.Scopes))
	for _, s := range actx.Scopes {
		if s == authorize.ScopeOpenID || slices.Contains(stored.Scopes, s) {
			granted = append(granted, s)
		}
	}
	actx.Scopes = granted

	return e.issue(ctx, actx, principal)
}

// RevokeConsent removes the consent principal gave clientID.
func (e *Engine) RevokeConsent(ctx context.Context, clientID, principal string) error {
	ctx, span := e.tracer.Start(ctx, "Engine.RevokeConsent",
		trace.WithAttributes(attribute.String("client_id", clientID)))
	defer span.End()
	start := time.Now()

	err := e.revokeConsent(ctx, clientID, principal)
	var out *Outcome
	if err == nil {
		out = &Outcome{}
	}
	e.record(ctx, span, "revoke_consent", start, out, err)
	return err
}

func (e *Engine) revokeConsent(ctx context.Context, clientID, principal string) error {
	if clientID == "" || principal == "" {
		return oautherr.New(oautherr.KindInvalidRequest, authorize.ParamClientID,
			"client_id and an authenticated principal are required")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Consent)
	defer cancel()
	err := e.consents.Remove(ctx, &consent.AuthorizationConsent{ClientID: clientID, Principal: principal})
	if err != nil {
		return oautherr.ServerError(fmt.Errorf("failed to remove consent: %w", err))
	}
	return nil
}

// validate parses params, resolves the client and runs the validator. A
// request without an authenticated principal fails after validation so the
// error can be redirected.
func (e *Engine) validate(ctx context.Context, params url.Values, principal *user.Profile) (*authorize.Context, error) {
	principalID := ""
	if principal != nil {
		principalID = principal.ID
	}

	req, err := authorize.ParseRequest(params, principalID)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("client_id", req.ClientID))

	c, err := e.lookupClient(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}

	actx, err := e.validator.Validate(req, c)
	if err != nil {
		return nil, err
	}

	if principalID == "" {
		return nil, redirectTo(actx, oautherr.New(oautherr.KindAccessDenied, "",
			"End-user authentication is required."))
	}
	return actx, nil
}

func (e *Engine) lookupClient(ctx context.Context, clientID string) (*client.RegisteredClient, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.ClientLookup)
	defer cancel()

	c, err := e.clients.FindByClientID(ctx, clientID)
	switch {
	case errors.Is(err, client.ErrNotFound) || (err == nil && c == nil):
		// The redirect URI cannot be trusted without a client.
		return nil, oautherr.New(oautherr.KindInvalidRequest, authorize.ParamClientID, "unknown client_id")
	case err != nil:
		return nil, oautherr.ServerError(fmt.Errorf("client lookup failed: %w", err))
	}
	return c, nil
}

func (e *Engine) getConsent(ctx context.Context, actx *authorize.Context) (*consent.AuthorizationConsent, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Consent)
	defer cancel()

	current, err := e.consents.Get(ctx, actx.Client.ClientID, actx.Principal)
	switch {
	case errors.Is(err, consent.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, redirectTo(actx, oautherr.ServerError(fmt.Errorf("consent lookup failed: %w", err)))
	}
	return current, nil
}

func (e *Engine) issue(ctx context.Context, actx *authorize.Context, principal *user.Profile) (*Outcome, error) {
	var set *claims.ClaimSet
	if slices.Contains(actx.Request.ResponseTypes, authorize.ResponseTypeIDToken) {
		var err error
		set, err = e.customizer.Customize(ctx, claims.TokenTypeIDToken, actx.Scopes, principal)
		if err != nil {
			return nil, redirectTo(actx, oautherr.ServerError(fmt.Errorf("failed to assemble claims: %w", err)))
		}
	}

	resp, err := e.issuer.Issue(ctx, &issuer.Request{Context: actx, Claims: set})
	if err != nil {
		return nil, redirectTo(actx, oautherr.Wrap(err))
	}
	return &Outcome{Context: actx, Response: resp}, nil
}

func (e *Engine) record(ctx context.Context, span trace.Span, operation string, start time.Time, out *Outcome, err error) {
	outcome := outcomeIssued
	switch {
	case err != nil:
		outcome = outcomeError
	case out.ConsentRequired:
		outcome = outcomeConsentRequired
	case out.Response == nil:
		outcome = outcomeRevoked
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	}
	if err != nil {
		oe := oautherr.Wrap(err)
		attrs = append(attrs, attribute.String("error", oe.Code()))
		span.SetStatus(codes.Error, oe.Code())
		if oe.Kind == oautherr.KindServerError {
			span.RecordError(err)
			e.logger.ErrorContext(ctx, "authorization failed",
				"operation", operation,
				"error", err,
			)
		}
	}
	span.SetAttributes(attrs...)

	set := metric.WithAttributes(attrs...)
	e.requests.Add(ctx, 1, set)
	e.duration.Record(ctx, time.Since(start).Seconds(), set)
}

// redirectTo attaches the validated redirect target to err.
func redirectTo(actx *authorize.Context, err *oautherr.Error) *oautherr.Error {
	return err.WithRedirect(actx.RedirectURI, actx.State, actx.ResponseMode)
}

// consentableScopes drops scopes that never need explicit consent.
func consentableScopes(scopes []string) []string {
	return slices.DeleteFunc(slices.Clone(scopes), func(s string) bool {
		return s == authorize.ScopeOpenID
	})
}
