// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eiamhq/eiam/pkg/authserver/authorize"
	"github.com/eiamhq/eiam/pkg/authserver/claims"
	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/authserver/clientauth"
	"github.com/eiamhq/eiam/pkg/authserver/consent"
	"github.com/eiamhq/eiam/pkg/authserver/engine"
	"github.com/eiamhq/eiam/pkg/authserver/issuer"
)

func validConfig() Config {
	cfg := Config{Issuer: "https://auth.example.com"}
	cfg.applyDefaults()
	return cfg
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "missing issuer", mutate: func(c *Config) { c.Issuer = "" }, wantErr: "issuer is required"},
		{name: "relative issuer", mutate: func(c *Config) { c.Issuer = "/auth" }, wantErr: "absolute URL"},
		{name: "issuer with query", mutate: func(c *Config) { c.Issuer = "https://auth.example.com?x=1" }, wantErr: "query or fragment"},
		{name: "relative token service", mutate: func(c *Config) { c.TokenServiceURL = "tokens" }, wantErr: "token service URL"},
		{name: "unknown secret mode", mutate: func(c *Config) { c.SecretMode = "argon2" }, wantErr: "argon2"},
		{name: "unsupported response mode", mutate: func(c *Config) { c.ResponseModes = []string{"form_post"} }, wantErr: "form_post"},
		{
			name:    "redis without settings",
			mutate:  func(c *Config) { c.Consent.Backend = BackendRedis },
			wantErr: "requires redis settings",
		},
		{
			name: "redis with settings",
			mutate: func(c *Config) {
				c.Consent.Backend = BackendRedis
				c.Consent.Redis = &consent.RedisConfig{Addr: "localhost:6379"}
			},
		},
		{name: "unknown consent backend", mutate: func(c *Config) { c.Consent.Backend = "etcd" }, wantErr: "etcd"},
		{name: "negative consent lifetime", mutate: func(c *Config) { c.Consent.Lifetime = -time.Second }, wantErr: "negative"},
		{name: "unknown client backend", mutate: func(c *Config) { c.Clients.Backend = BackendRedis }, wantErr: "unsupported store backend"},
		{
			name: "invalid static client",
			mutate: func(c *Config) {
				c.Clients.Static = []*client.RegisteredClient{{ClientID: "c1"}}
			},
			wantErr: "client 0",
		},
		{name: "bad sampling rate", mutate: func(c *Config) { c.Telemetry.SamplingRate = 2 }, wantErr: "telemetry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{Issuer: "https://auth.example.com/"}
	cfg.applyDefaults()

	assert.Equal(t, "https://auth.example.com", cfg.Issuer)
	assert.Equal(t, DefaultListenAddress, cfg.ListenAddress)
	assert.Equal(t, clientauth.SecretModePlain, cfg.SecretMode)
	assert.Equal(t, authorize.DefaultResponseModes, cfg.ResponseModes)
	assert.Equal(t, engine.DefaultDependencyTimeout, cfg.Timeouts.ClientLookup)
	assert.Equal(t, engine.DefaultDependencyTimeout, cfg.Timeouts.Consent)
	assert.Equal(t, claims.DefaultRefreshTimeout, cfg.UserRefreshTimeout)
	assert.Equal(t, DefaultPrincipalHeader, cfg.PrincipalHeader)
	assert.Equal(t, issuer.DefaultAccessTokenLifespan, cfg.AccessTokenLifespan)
	assert.Equal(t, issuer.DefaultCodeLifespan, cfg.CodeLifespan)
	assert.Equal(t, BackendMemory, cfg.Consent.Backend)
	assert.Equal(t, BackendMemory, cfg.Clients.Backend)
	assert.Equal(t, BackendMemory, cfg.Users.Backend)
	assert.Zero(t, cfg.Consent.Lifetime, "consents are durable unless a lifetime is configured")

	// Explicit values survive.
	cfg = Config{Issuer: "https://a", Timeouts: engine.Timeouts{ClientLookup: time.Second}}
	cfg.applyDefaults()
	assert.Equal(t, time.Second, cfg.Timeouts.ClientLookup)
}

func TestConfigAssertionAudiences(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.AssertionAudiences = []string{"https://auth.example.com", "https://legacy.example.com/token"}

	assert.Equal(t, []string{
		"https://auth.example.com",
		"https://auth.example.com/oauth/token",
		"https://legacy.example.com/token",
	}, cfg.assertionAudiences())
}
