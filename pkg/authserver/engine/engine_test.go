// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"

	"github.com/eiamhq/eiam/pkg/authserver/authorize"
	"github.com/eiamhq/eiam/pkg/authserver/claims"
	"github.com/eiamhq/eiam/pkg/authserver/client"
	clientmocks "github.com/eiamhq/eiam/pkg/authserver/client/mocks"
	"github.com/eiamhq/eiam/pkg/authserver/consent"
	consentmocks "github.com/eiamhq/eiam/pkg/authserver/consent/mocks"
	"github.com/eiamhq/eiam/pkg/authserver/issuer"
	issuermocks "github.com/eiamhq/eiam/pkg/authserver/issuer/mocks"
	"github.com/eiamhq/eiam/pkg/authserver/keys"
	"github.com/eiamhq/eiam/pkg/authserver/oautherr"
	"github.com/eiamhq/eiam/pkg/authserver/user"
)

const testRedirect = "https://app.example.com/cb"

func testClient() *client.RegisteredClient {
	return &client.RegisteredClient{
		ID:                 "1",
		ClientID:           "c1",
		Secret:             "c1-secret",
		RedirectURIs:       []string{testRedirect},
		AllowedScopes:      []string{"openid", "profile", "email"},
		AllowedGrantTypes:  []client.GrantType{client.GrantTypeImplicit, client.GrantTypeAuthorizationCode},
		AllowedAuthMethods: []client.AuthMethod{client.AuthMethodClientSecretBasic},
	}
}

func testPrincipal() *user.Profile {
	return &user.Profile{
		ID:        "u-1",
		Username:  "alice",
		NickName:  "Al",
		Email:     "alice@example.com",
		Avatar:    "https://cdn.example.com/alice.png",
		UpdatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func implicitParams(scope string) url.Values {
	return url.Values{
		"client_id":     {"c1"},
		"response_type": {"id_token token"},
		"redirect_uri":  {testRedirect},
		"scope":         {scope},
		"state":         {"st-1"},
		"nonce":         {"n-1"},
	}
}

type engineFixture struct {
	engine   *Engine
	consents consent.Store
	spans    *tracetest.SpanRecorder
	metrics  *sdkmetric.ManualReader
}

type fixtureOption func(*Deps)

func newEngineFixture(t *testing.T, opts ...fixtureOption) *engineFixture {
	t.Helper()

	clients, err := client.NewMemoryStore(testClient())
	require.NoError(t, err)
	iss, err := issuer.NewJWTIssuer(issuer.Config{Issuer: "https://auth.example.com"}, keys.NewEphemeralSource(""))
	require.NoError(t, err)

	deps := Deps{
		Clients:    clients,
		Validator:  authorize.NewValidator(),
		Consents:   consent.NewMemoryStore(),
		Customizer: claims.NewCustomizer(nil),
		Issuer:     iss,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	engine, err := New(deps,
		WithTimeouts(Timeouts{ClientLookup: 50 * time.Millisecond, Consent: 50 * time.Millisecond}),
		WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))),
	)
	require.NoError(t, err)

	return &engineFixture{engine: engine, consents: deps.Consents, spans: spans, metrics: reader}
}

func requireErrorKind(t *testing.T, err error, kind oautherr.Kind) *oautherr.Error {
	t.Helper()
	require.Error(t, err)
	var oe *oautherr.Error
	require.True(t, errors.As(err, &oe), "expected *oautherr.Error, got %T: %v", err, err)
	require.Equal(t, kind, oe.Kind, "unexpected kind: %v", err)
	return oe
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestEngine_ConsentFlow(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := t.Context()
	params := implicitParams("openid profile")

	out, err := f.engine.Authorize(ctx, params, testPrincipal())
	require.NoError(t, err)
	assert.True(t, out.ConsentRequired)
	assert.Equal(t, []string{"profile"}, out.MissingScopes)
	assert.Nil(t, out.Response)

	_, err = f.consents.Get(ctx, "c1", "u-1")
	require.ErrorIs(t, err, consent.ErrNotFound, "authorize must not write consent")

	out, err = f.engine.GrantConsent(ctx, params, testPrincipal(), []string{"openid", "profile"})
	require.NoError(t, err)
	require.NotNil(t, out.Response)
	assert.NotEmpty(t, out.Response.AccessToken)
	assert.NotEmpty(t, out.Response.IDToken)
	assert.Equal(t, "openid profile", out.Response.Scope)

	stored, err := f.consents.Get(ctx, "c1", "u-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"openid", "profile"}, stored.Scopes)

	out, err = f.engine.Authorize(ctx, params, testPrincipal())
	require.NoError(t, err)
	assert.False(t, out.ConsentRequired)
	require.NotNil(t, out.Response)

	location, err := out.RedirectLocation()
	require.NoError(t, err)
	u, err := url.Parse(location)
	require.NoError(t, err)
	fragment, err := url.ParseQuery(u.Fragment)
	require.NoError(t, err)
	assert.Equal(t, "st-1", fragment.Get("state"))
	assert.Equal(t, "Bearer", fragment.Get("token_type"))
	assert.NotEmpty(t, fragment.Get("id_token"))
	assert.Empty(t, u.RawQuery)

	require.NoError(t, f.engine.RevokeConsent(ctx, "c1", "u-1"))
	out, err = f.engine.Authorize(ctx, params, testPrincipal())
	require.NoError(t, err)
	assert.True(t, out.ConsentRequired)
}

func TestEngine_OpenIDNeedsNoConsent(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	out, err := f.engine.Authorize(t.Context(), implicitParams("openid"), testPrincipal())
	require.NoError(t, err)
	assert.False(t, out.ConsentRequired)
	assert.NotNil(t, out.Response)
}

func TestEngine_PartialConsentNarrowsClaims(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockIssuer := issuermocks.NewMockIssuer(ctrl)

	var got *issuer.Request
	mockIssuer.EXPECT().Issue(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req *issuer.Request) (*issuer.Response, error) {
			got = req
			return &issuer.Response{IDToken: "id"}, nil
		})

	f := newEngineFixture(t, func(d *Deps) { d.Issuer = mockIssuer })
	out, err := f.engine.GrantConsent(t.Context(), implicitParams("openid profile email"), testPrincipal(),
		[]string{"email"})
	require.NoError(t, err)
	require.NotNil(t, out.Response)

	require.NotNil(t, got)
	assert.Equal(t, []string{"openid", "email"}, got.Context.Scopes)
	require.NotNil(t, got.Claims)
	assert.Equal(t, "u-1", got.Claims.Subject)
	require.NotNil(t, got.Claims.Email)
	assert.Equal(t, "alice@example.com", *got.Claims.Email)
	assert.Nil(t, got.Claims.PreferredUsername)
	assert.Nil(t, got.Claims.PhoneNumber)
}

func TestEngine_GrantConsentDropsScopesNoLongerAllowed(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := t.Context()

	// Left over from a registration that used to allow admin.
	require.NoError(t, f.consents.Save(ctx, &consent.AuthorizationConsent{
		ClientID: "c1", Principal: "u-1", Scopes: []string{"admin", "email"},
	}))

	_, err := f.engine.GrantConsent(ctx, implicitParams("openid profile"), testPrincipal(), []string{"profile"})
	require.NoError(t, err)

	stored, err := f.consents.Get(ctx, "c1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "profile"}, stored.Scopes)
	for _, s := range stored.Scopes {
		assert.True(t, testClient().AllowsScope(s), "stored scope %q is not allowed for the client", s)
	}
}

func TestEngine_GrantConsentRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		ctx      func(t *testing.T) context.Context
		approved []string
		wantKind oautherr.Kind
		redirect bool
	}{
		{
			name:     "denied",
			approved: nil,
			wantKind: oautherr.KindAccessDenied,
			redirect: true,
		},
		{
			name:     "scope not requested",
			approved: []string{"email"},
			wantKind: oautherr.KindInvalidScope,
			redirect: true,
		},
		{
			name: "cancelled request",
			ctx: func(t *testing.T) context.Context {
				t.Helper()
				ctx, cancel := context.WithCancel(t.Context())
				cancel()
				return ctx
			},
			approved: []string{"profile"},
			wantKind: oautherr.KindServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newEngineFixture(t)
			ctx := t.Context()
			if tt.ctx != nil {
				ctx = tt.ctx(t)
			}

			_, err := f.engine.GrantConsent(ctx, implicitParams("openid profile"), testPrincipal(), tt.approved)
			oe := requireErrorKind(t, err, tt.wantKind)
			if tt.redirect {
				assert.Equal(t, testRedirect, oe.RedirectURI)
				assert.Equal(t, "st-1", oe.State)
				assert.Equal(t, authorize.ResponseModeFragment, oe.ResponseMode)
			}

			_, err = f.consents.Get(t.Context(), "c1", "u-1")
			assert.ErrorIs(t, err, consent.ErrNotFound)
		})
	}
}

func TestEngine_RequestErrors(t *testing.T) {
	t.Parallel()

	t.Run("unknown client is not redirected", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture(t)
		params := implicitParams("openid")
		params.Set("client_id", "nope")

		_, err := f.engine.Authorize(t.Context(), params, testPrincipal())
		oe := requireErrorKind(t, err, oautherr.KindInvalidRequest)
		assert.Empty(t, oe.RedirectURI)
	})

	t.Run("invalid scope from validator", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture(t)
		_, err := f.engine.Authorize(t.Context(), implicitParams("openid phone"), testPrincipal())
		requireErrorKind(t, err, oautherr.KindInvalidScope)
	})

	t.Run("anonymous principal", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture(t)
		_, err := f.engine.Authorize(t.Context(), implicitParams("openid"), nil)
		oe := requireErrorKind(t, err, oautherr.KindAccessDenied)
		assert.Equal(t, testRedirect, oe.RedirectURI)
	})

	t.Run("missing client id", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture(t)
		params := implicitParams("openid")
		params.Del("client_id")
		_, err := f.engine.Authorize(t.Context(), params, testPrincipal())
		requireErrorKind(t, err, oautherr.KindInvalidRequest)
	})

	t.Run("revoke without principal", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture(t)
		err := f.engine.RevokeConsent(t.Context(), "c1", "")
		requireErrorKind(t, err, oautherr.KindInvalidRequest)
	})
}

func TestEngine_DependencyFailures(t *testing.T) {
	t.Parallel()

	t.Run("client store failure", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		store := clientmocks.NewMockStore(ctrl)
		store.EXPECT().FindByClientID(gomock.Any(), "c1").Return(nil, errors.New("connection refused"))

		f := newEngineFixture(t, func(d *Deps) { d.Clients = store })
		_, err := f.engine.Authorize(t.Context(), implicitParams("openid"), testPrincipal())
		oe := requireErrorKind(t, err, oautherr.KindServerError)
		assert.NotContains(t, oe.Description, "connection refused")
	})

	t.Run("client lookup times out", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		store := clientmocks.NewMockStore(ctrl)
		store.EXPECT().FindByClientID(gomock.Any(), "c1").DoAndReturn(
			func(ctx context.Context, _ string) (*client.RegisteredClient, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})

		f := newEngineFixture(t, func(d *Deps) { d.Clients = store })
		_, err := f.engine.Authorize(t.Context(), implicitParams("openid"), testPrincipal())
		requireErrorKind(t, err, oautherr.KindServerError)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("consent store failure is redirected", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		store := consentmocks.NewMockStore(ctrl)
		store.EXPECT().Get(gomock.Any(), "c1", "u-1").Return(nil, errors.New("redis down"))

		f := newEngineFixture(t, func(d *Deps) { d.Consents = store })
		_, err := f.engine.Authorize(t.Context(), implicitParams("openid profile"), testPrincipal())
		oe := requireErrorKind(t, err, oautherr.KindServerError)
		assert.Equal(t, testRedirect, oe.RedirectURI)
	})

	t.Run("consent write times out", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		store := consentmocks.NewMockStore(ctrl)
		store.EXPECT().Update(gomock.Any(), "c1", "u-1", gomock.Any()).DoAndReturn(
			func(ctx context.Context, _, _ string, _ consent.UpdateFunc) (*consent.AuthorizationConsent, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})

		f := newEngineFixture(t, func(d *Deps) { d.Consents = store })
		_, err := f.engine.GrantConsent(t.Context(), implicitParams("openid profile"), testPrincipal(),
			[]string{"profile"})
		requireErrorKind(t, err, oautherr.KindServerError)
	})

	t.Run("issuer failure", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		mockIssuer := issuermocks.NewMockIssuer(ctrl)
		mockIssuer.EXPECT().Issue(gomock.Any(), gomock.Any()).Return(nil, errors.New("hsm offline"))

		f := newEngineFixture(t, func(d *Deps) { d.Issuer = mockIssuer })
		_, err := f.engine.Authorize(t.Context(), implicitParams("openid"), testPrincipal())
		oe := requireErrorKind(t, err, oautherr.KindServerError)
		assert.Equal(t, testRedirect, oe.RedirectURI)
	})
}

func TestEngine_CodeFlowRedirectsWithQuery(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	params := url.Values{
		"client_id":     {"c1"},
		"response_type": {"code"},
		"redirect_uri":  {testRedirect},
		"scope":         {"openid"},
		"state":         {"st-2"},
	}

	out, err := f.engine.Authorize(t.Context(), params, testPrincipal())
	require.NoError(t, err)
	require.NotNil(t, out.Response)
	assert.NotEmpty(t, out.Response.Code)
	assert.Empty(t, out.Response.AccessToken)

	location, err := out.RedirectLocation()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(location, testRedirect+"?"))
	u, err := url.Parse(location)
	require.NoError(t, err)
	assert.Equal(t, "st-2", u.Query().Get("state"))
	assert.Equal(t, out.Response.Code, u.Query().Get("code"))
}

func TestEngine_Telemetry(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := t.Context()

	_, err := f.engine.Authorize(ctx, implicitParams("openid profile"), testPrincipal())
	require.NoError(t, err)
	_, err = f.engine.Authorize(ctx, implicitParams("openid phone"), testPrincipal())
	require.Error(t, err)

	ended := f.spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "Engine.Authorize", ended[0].Name())

	var rm metricdata.ResourceMetrics
	require.NoError(t, f.metrics.Collect(ctx, &rm))

	outcomes := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "eiam_authorization_requests" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				outcome, _ := dp.Attributes.Value("outcome")
				outcomes[outcome.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{outcomeConsentRequired: 1, outcomeError: 1}, outcomes)
}
