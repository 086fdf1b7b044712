// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/eiamhq/eiam/pkg/authserver/authorize"
	"github.com/eiamhq/eiam/pkg/authserver/claims"
	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/authserver/clientauth"
	"github.com/eiamhq/eiam/pkg/authserver/consent"
	"github.com/eiamhq/eiam/pkg/authserver/engine"
	"github.com/eiamhq/eiam/pkg/authserver/issuer"
	"github.com/eiamhq/eiam/pkg/authserver/keys"
	"github.com/eiamhq/eiam/pkg/authserver/user"
	"github.com/eiamhq/eiam/pkg/logger"
	"github.com/eiamhq/eiam/pkg/telemetry"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// DefaultListenAddress is where the server listens when none is configured.
const DefaultListenAddress = ":8080"

// DefaultPrincipalHeader carries the authenticated user ID set by the
// fronting login proxy.
const DefaultPrincipalHeader = "X-Forwarded-User"

// Config is the resolved configuration of the authorization server. Build it
// directly or from a RunConfig.
type Config struct {
	// Issuer is the issuer identifier and base URL of the server.
	Issuer string

	ListenAddress string

	// AssertionAudiences are accepted as the aud of client assertions. The
	// issuer and token endpoint URLs are always accepted.
	AssertionAudiences []string

	SecretMode clientauth.SecretMode

	// ResponseModes restricts the supported response modes.
	ResponseModes []string

	Timeouts           engine.Timeouts
	UserRefreshTimeout time.Duration

	// PrincipalHeader names the trusted request header carrying the
	// authenticated user ID.
	PrincipalHeader string

	// TokenServiceURL is the downstream service that handles the token,
	// introspection, revocation and device authorization endpoints once the
	// client is authenticated. Empty leaves those endpoints unserved.
	TokenServiceURL string

	AccessTokenLifespan time.Duration
	IDTokenLifespan     time.Duration
	CodeLifespan        time.Duration

	Keys keys.Config

	Consent ConsentConfig
	Clients ClientsConfig
	Users   UsersConfig

	// SQLitePath is the database file used by sqlite backends. Empty uses
	// the XDG data directory.
	SQLitePath string

	Telemetry telemetry.Config
}

// ConsentConfig selects the consent store.
type ConsentConfig struct {
	Backend string

	// Lifetime expires consents after the given duration. Zero keeps them
	// until revoked.
	Lifetime time.Duration

	Redis *consent.RedisConfig
}

// ClientsConfig selects the registered-client store. Static clients are
// registered in the store at startup for either backend.
type ClientsConfig struct {
	Backend string
	Static  []*client.RegisteredClient
}

// UsersConfig selects the user directory used to refresh claims.
type UsersConfig struct {
	Backend string
	Static  []user.Profile
}

// Validate checks that the Config is usable. Call after applyDefaults.
func (c *Config) Validate() error {
	logger.Debugw("validating authserver config", "issuer", c.Issuer)

	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL, got %q", c.Issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.New("issuer must not contain a query or fragment")
	}

	if c.TokenServiceURL != "" {
		ts, err := url.Parse(c.TokenServiceURL)
		if err != nil || ts.Scheme == "" || ts.Host == "" {
			return fmt.Errorf("token service URL must be an absolute URL, got %q", c.TokenServiceURL)
		}
	}

	if _, err := clientauth.NewSecretComparator(c.SecretMode); err != nil {
		return err
	}
	for _, m := range c.ResponseModes {
		if !slices.Contains(authorize.DefaultResponseModes, m) {
			return fmt.Errorf("unsupported response mode %q", m)
		}
	}

	switch c.Consent.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Consent.Redis == nil {
			return errors.New("redis consent backend requires redis settings")
		}
	default:
		return fmt.Errorf("unsupported consent backend %q", c.Consent.Backend)
	}
	if c.Consent.Lifetime < 0 {
		return errors.New("consent lifetime cannot be negative")
	}

	for _, backend := range []string{c.Clients.Backend, c.Users.Backend} {
		if backend != BackendMemory && backend != BackendSQLite {
			return fmt.Errorf("unsupported store backend %q", backend)
		}
	}
	for i, rc := range c.Clients.Static {
		if err := rc.Validate(); err != nil {
			return fmt.Errorf("client %d: %w", i, err)
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	logger.Debugw("authserver config validation passed",
		"issuer", c.Issuer,
		"static_clients", len(c.Clients.Static),
		"consent_backend", c.Consent.Backend,
	)
	return nil
}

// applyDefaults fills unset fields.
func (c *Config) applyDefaults() {
	c.Issuer = strings.TrimSuffix(c.Issuer, "/")
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.SecretMode == "" {
		c.SecretMode = clientauth.SecretModePlain
	}
	if len(c.ResponseModes) == 0 {
		c.ResponseModes = slices.Clone(authorize.DefaultResponseModes)
	}
	if c.Timeouts.ClientLookup == 0 {
		c.Timeouts.ClientLookup = engine.DefaultDependencyTimeout
	}
	if c.Timeouts.Consent == 0 {
		c.Timeouts.Consent = engine.DefaultDependencyTimeout
	}
	if c.UserRefreshTimeout == 0 {
		c.UserRefreshTimeout = claims.DefaultRefreshTimeout
	}
	if c.PrincipalHeader == "" {
		c.PrincipalHeader = DefaultPrincipalHeader
	}
	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = issuer.DefaultAccessTokenLifespan
	}
	if c.IDTokenLifespan == 0 {
		c.IDTokenLifespan = issuer.DefaultIDTokenLifespan
	}
	if c.CodeLifespan == 0 {
		c.CodeLifespan = issuer.DefaultCodeLifespan
	}
	if c.Consent.Backend == "" {
		c.Consent.Backend = BackendMemory
	}
	if c.Clients.Backend == "" {
		c.Clients.Backend = BackendMemory
	}
	if c.Users.Backend == "" {
		c.Users.Backend = BackendMemory
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = telemetry.DefaultConfig().ServiceName
	}
}

// TokenEndpoint returns the token endpoint URL.
func (c *Config) TokenEndpoint() string {
	return c.Issuer + "/oauth/token"
}

// assertionAudiences returns every audience accepted in client assertions.
func (c *Config) assertionAudiences() []string {
	out := []string{c.Issuer, c.TokenEndpoint()}
	for _, a := range c.AssertionAudiences {
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}
