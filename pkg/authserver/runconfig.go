// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"

	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/authserver/clientauth"
	"github.com/eiamhq/eiam/pkg/authserver/consent"
	"github.com/eiamhq/eiam/pkg/authserver/engine"
	"github.com/eiamhq/eiam/pkg/authserver/keys"
	"github.com/eiamhq/eiam/pkg/authserver/user"
	"github.com/eiamhq/eiam/pkg/telemetry"
)

// EnvPrefix prefixes environment overrides, e.g. EIAM_ISSUER or
// EIAM_CONSENT_LIFETIME.
const EnvPrefix = "EIAM"

// RunConfig is the serializable server configuration read from a YAML file
// and the environment.
type RunConfig struct {
	Issuer             string   `json:"issuer" yaml:"issuer" mapstructure:"issuer"`
	ListenAddress      string   `json:"listen_address,omitempty" yaml:"listen_address,omitempty" mapstructure:"listen_address"`
	AssertionAudiences []string `json:"assertion_audiences,omitempty" yaml:"assertion_audiences,omitempty" mapstructure:"assertion_audiences"`
	SecretMode         string   `json:"secret_mode,omitempty" yaml:"secret_mode,omitempty" mapstructure:"secret_mode"`
	ResponseModes      []string `json:"response_modes,omitempty" yaml:"response_modes,omitempty" mapstructure:"response_modes"`
	PrincipalHeader    string   `json:"principal_header,omitempty" yaml:"principal_header,omitempty" mapstructure:"principal_header"`
	SQLitePath         string   `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty" mapstructure:"sqlite_path"`
	TokenServiceURL    string   `json:"token_service_url,omitempty" yaml:"token_service_url,omitempty" mapstructure:"token_service_url"`

	Timeouts TimeoutsRunConfig   `json:"timeouts" yaml:"timeouts" mapstructure:"timeouts"`
	Tokens   TokensRunConfig     `json:"tokens" yaml:"tokens" mapstructure:"tokens"`
	Keys     SigningKeyRunConfig `json:"keys" yaml:"keys" mapstructure:"keys"`
	Consent  ConsentRunConfig    `json:"consent" yaml:"consent" mapstructure:"consent"`
	Clients  ClientsRunConfig    `json:"clients" yaml:"clients" mapstructure:"clients"`
	Users    UsersRunConfig      `json:"users" yaml:"users" mapstructure:"users"`

	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry" mapstructure:"telemetry"`
}

// TimeoutsRunConfig bounds calls to external stores.
type TimeoutsRunConfig struct {
	ClientLookup time.Duration `json:"client_lookup,omitempty" yaml:"client_lookup,omitempty" mapstructure:"client_lookup"`
	Consent      time.Duration `json:"consent,omitempty" yaml:"consent,omitempty" mapstructure:"consent"`
	UserRefresh  time.Duration `json:"user_refresh,omitempty" yaml:"user_refresh,omitempty" mapstructure:"user_refresh"`
}

// TokensRunConfig sets token lifespans.
type TokensRunConfig struct {
	AccessTokenLifespan time.Duration `json:"access_token_lifespan,omitempty" yaml:"access_token_lifespan,omitempty" mapstructure:"access_token_lifespan"`
	IDTokenLifespan     time.Duration `json:"id_token_lifespan,omitempty" yaml:"id_token_lifespan,omitempty" mapstructure:"id_token_lifespan"`
	CodeLifespan        time.Duration `json:"code_lifespan,omitempty" yaml:"code_lifespan,omitempty" mapstructure:"code_lifespan"`
}

// SigningKeyRunConfig locates the signing keys.
type SigningKeyRunConfig struct {
	KeyDir           string   `json:"key_dir,omitempty" yaml:"key_dir,omitempty" mapstructure:"key_dir"`
	SigningKeyFile   string   `json:"signing_key_file,omitempty" yaml:"signing_key_file,omitempty" mapstructure:"signing_key_file"`
	FallbackKeyFiles []string `json:"fallback_key_files,omitempty" yaml:"fallback_key_files,omitempty" mapstructure:"fallback_key_files"`
	Algorithm        string   `json:"algorithm,omitempty" yaml:"algorithm,omitempty" mapstructure:"algorithm"`
}

// ConsentRunConfig selects the consent store.
type ConsentRunConfig struct {
	Backend  string          `json:"backend,omitempty" yaml:"backend,omitempty" mapstructure:"backend"`
	Lifetime time.Duration   `json:"lifetime,omitempty" yaml:"lifetime,omitempty" mapstructure:"lifetime"`
	Redis    *RedisRunConfig `json:"redis,omitempty" yaml:"redis,omitempty" mapstructure:"redis"`
}

// RedisRunConfig holds Redis settings. The password is read from the
// environment variable named by PasswordEnv.
type RedisRunConfig struct {
	Addr          string   `json:"addr,omitempty" yaml:"addr,omitempty" mapstructure:"addr"`
	MasterName    string   `json:"master_name,omitempty" yaml:"master_name,omitempty" mapstructure:"master_name"`
	SentinelAddrs []string `json:"sentinel_addrs,omitempty" yaml:"sentinel_addrs,omitempty" mapstructure:"sentinel_addrs"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty" mapstructure:"username"`
	PasswordEnv   string   `json:"password_env,omitempty" yaml:"password_env,omitempty" mapstructure:"password_env"`
	DB            int      `json:"db,omitempty" yaml:"db,omitempty" mapstructure:"db"`
	KeyPrefix     string   `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty" mapstructure:"key_prefix"`
}

// ClientsRunConfig selects the client store and lists static registrations.
type ClientsRunConfig struct {
	Backend string            `json:"backend,omitempty" yaml:"backend,omitempty" mapstructure:"backend"`
	Static  []ClientRunConfig `json:"static,omitempty" yaml:"static,omitempty" mapstructure:"static"`
}

// ClientRunConfig is one static client registration. The secret is read from
// SecretFile, then from the environment variable SecretEnv.
type ClientRunConfig struct {
	ClientID                    string   `json:"client_id" yaml:"client_id" mapstructure:"client_id"`
	SecretFile                  string   `json:"secret_file,omitempty" yaml:"secret_file,omitempty" mapstructure:"secret_file"`
	SecretEnv                   string   `json:"secret_env,omitempty" yaml:"secret_env,omitempty" mapstructure:"secret_env"`
	JWKS                        string   `json:"jwks,omitempty" yaml:"jwks,omitempty" mapstructure:"jwks"`
	JWKSURI                     string   `json:"jwks_uri,omitempty" yaml:"jwks_uri,omitempty" mapstructure:"jwks_uri"`
	TokenEndpointAuthSigningAlg string   `json:"token_endpoint_auth_signing_alg,omitempty" yaml:"token_endpoint_auth_signing_alg,omitempty" mapstructure:"token_endpoint_auth_signing_alg"`
	RedirectURIs                []string `json:"redirect_uris" yaml:"redirect_uris" mapstructure:"redirect_uris"`
	Scopes                      []string `json:"scopes" yaml:"scopes" mapstructure:"scopes"`
	GrantTypes                  []string `json:"grant_types" yaml:"grant_types" mapstructure:"grant_types"`
	AuthMethods                 []string `json:"auth_methods" yaml:"auth_methods" mapstructure:"auth_methods"`
}

// UsersRunConfig selects the user directory and lists static users.
type UsersRunConfig struct {
	Backend string         `json:"backend,omitempty" yaml:"backend,omitempty" mapstructure:"backend"`
	Static  []user.Profile `json:"static,omitempty" yaml:"static,omitempty" mapstructure:"static"`
}

// LoadRunConfig reads path (YAML, JSON or TOML by extension) with EIAM_
// environment overrides. An empty path reads the environment only.
func LoadRunConfig(path string) (*RunConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_address", DefaultListenAddress)
	v.SetDefault("secret_mode", string(clientauth.SecretModePlain))
	v.SetDefault("principal_header", DefaultPrincipalHeader)
	v.SetDefault("consent.backend", BackendMemory)
	v.SetDefault("consent.lifetime", "0s")
	v.SetDefault("clients.backend", BackendMemory)
	v.SetDefault("users.backend", BackendMemory)
	v.SetDefault("issuer", "")
	v.SetDefault("telemetry.service_name", telemetry.DefaultConfig().ServiceName)
	v.SetDefault("telemetry.sampling_rate", telemetry.DefaultConfig().SamplingRate)
	v.SetDefault("telemetry.prometheus", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var rc RunConfig
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
	))
	if err := v.Unmarshal(&rc, hooks); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &rc, nil
}

// ToConfig resolves secrets and converts rc into a Config.
func (rc *RunConfig) ToConfig() (*Config, error) {
	return rc.toConfig(&env.OSReader{})
}

func (rc *RunConfig) toConfig(envReader env.Reader) (*Config, error) {
	if rc == nil {
		return nil, errors.New("run config is nil")
	}

	cfg := &Config{
		Issuer:             rc.Issuer,
		ListenAddress:      rc.ListenAddress,
		AssertionAudiences: rc.AssertionAudiences,
		SecretMode:         clientauth.SecretMode(rc.SecretMode),
		ResponseModes:      rc.ResponseModes,
		Timeouts: engine.Timeouts{
			ClientLookup: rc.Timeouts.ClientLookup,
			Consent:      rc.Timeouts.Consent,
		},
		UserRefreshTimeout:  rc.Timeouts.UserRefresh,
		PrincipalHeader:     rc.PrincipalHeader,
		TokenServiceURL:     rc.TokenServiceURL,
		AccessTokenLifespan: rc.Tokens.AccessTokenLifespan,
		IDTokenLifespan:     rc.Tokens.IDTokenLifespan,
		CodeLifespan:        rc.Tokens.CodeLifespan,
		Keys: keys.Config{
			KeyDir:           rc.Keys.KeyDir,
			SigningKeyFile:   rc.Keys.SigningKeyFile,
			FallbackKeyFiles: rc.Keys.FallbackKeyFiles,
			Algorithm:        rc.Keys.Algorithm,
		},
		Consent: ConsentConfig{
			Backend:  rc.Consent.Backend,
			Lifetime: rc.Consent.Lifetime,
		},
		Clients:    ClientsConfig{Backend: rc.Clients.Backend},
		Users:      UsersConfig{Backend: rc.Users.Backend, Static: rc.Users.Static},
		SQLitePath: rc.SQLitePath,
		Telemetry:  rc.Telemetry,
	}

	if r := rc.Consent.Redis; r != nil {
		redisCfg := &consent.RedisConfig{
			Addr:      r.Addr,
			DB:        r.DB,
			KeyPrefix: r.KeyPrefix,
			Lifetime:  rc.Consent.Lifetime,
		}
		if r.MasterName != "" || len(r.SentinelAddrs) > 0 {
			redisCfg.SentinelConfig = &consent.SentinelConfig{
				MasterName:    r.MasterName,
				SentinelAddrs: r.SentinelAddrs,
			}
		}
		if r.Username != "" || r.PasswordEnv != "" {
			redisCfg.ACLUserConfig = &consent.ACLUserConfig{Username: r.Username}
			if r.PasswordEnv != "" {
				redisCfg.ACLUserConfig.Password = envReader.Getenv(r.PasswordEnv)
			}
		}
		cfg.Consent.Redis = redisCfg
	}

	for i, c := range rc.Clients.Static {
		secret, err := resolveSecret(c, envReader)
		if err != nil {
			return nil, fmt.Errorf("client %d (%s): %w", i, c.ClientID, err)
		}
		rcClient := &client.RegisteredClient{
			ID:                          c.ClientID,
			ClientID:                    c.ClientID,
			Secret:                      secret,
			JWKS:                        c.JWKS,
			JWKSURI:                     c.JWKSURI,
			TokenEndpointAuthSigningAlg: c.TokenEndpointAuthSigningAlg,
			RedirectURIs:                c.RedirectURIs,
			AllowedScopes:               c.Scopes,
		}
		for _, g := range c.GrantTypes {
			rcClient.AllowedGrantTypes = append(rcClient.AllowedGrantTypes, client.GrantType(g))
		}
		for _, m := range c.AuthMethods {
			rcClient.AllowedAuthMethods = append(rcClient.AllowedAuthMethods, client.AuthMethod(m))
		}
		cfg.Clients.Static = append(cfg.Clients.Static, rcClient)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveSecret(c ClientRunConfig, envReader env.Reader) (string, error) {
	if c.SecretFile != "" {
		data, err := os.ReadFile(c.SecretFile) // #nosec G304 -- path comes from operator configuration
		if err != nil {
			return "", fmt.Errorf("failed to read client secret file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if c.SecretEnv != "" {
		secret := envReader.Getenv(c.SecretEnv)
		if secret == "" {
			return "", fmt.Errorf("environment variable %s is empty", c.SecretEnv)
		}
		return secret, nil
	}
	return "", nil
}
