// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eiamhq/eiam/pkg/authserver/authorize"
	"github.com/eiamhq/eiam/pkg/authserver/claims"
	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/authserver/clientauth"
	"github.com/eiamhq/eiam/pkg/authserver/consent"
	"github.com/eiamhq/eiam/pkg/authserver/engine"
	"github.com/eiamhq/eiam/pkg/authserver/handlers"
	"github.com/eiamhq/eiam/pkg/authserver/issuer"
	"github.com/eiamhq/eiam/pkg/authserver/keys"
	"github.com/eiamhq/eiam/pkg/authserver/user"
	"github.com/eiamhq/eiam/pkg/logger"
	"github.com/eiamhq/eiam/pkg/storage/sqlite"
	"github.com/eiamhq/eiam/pkg/telemetry"
)

const healthCheckTimeout = 2 * time.Second

// newServer wires the stores, the engine and the handlers for cfg. On error
// everything opened so far is closed.
func newServer(ctx context.Context, cfg Config, options *serverOptions) (_ *Server, retErr error) {
	logger.Debugw("initializing authorization server")

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{cfg: cfg, checks: map[string]func(context.Context) error{}}
	defer func() {
		if retErr != nil {
			_ = s.Close()
		}
	}()

	tel, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry provider: %w", err)
	}
	s.telemetry = tel

	db, err := s.openDatabase(ctx)
	if err != nil {
		return nil, err
	}
	clients, err := s.buildClientStore(ctx, db)
	if err != nil {
		return nil, err
	}
	users, err := s.buildUserDirectory(ctx, db)
	if err != nil {
		return nil, err
	}
	consents, err := s.buildConsentStore(ctx)
	if err != nil {
		return nil, err
	}

	src, err := keys.NewSource(cfg.Keys)
	if err != nil {
		return nil, fmt.Errorf("failed to create key source: %w", err)
	}
	// Fail startup on an unreadable signing key.
	if _, err := src.SigningKey(ctx); err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	tokenIssuer, err := issuer.NewJWTIssuer(issuer.Config{
		Issuer:              cfg.Issuer,
		AccessTokenLifespan: cfg.AccessTokenLifespan,
		IDTokenLifespan:     cfg.IDTokenLifespan,
		CodeLifespan:        cfg.CodeLifespan,
	}, src)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	pipeline, err := s.buildPipeline(ctx, clients, options.httpClient)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Deps{
		Clients:   clients,
		Validator: authorize.NewValidator(authorize.WithResponseModes(cfg.ResponseModes...)),
		Consents:  consents,
		Customizer: claims.NewCustomizer(users,
			claims.WithRefreshTimeout(cfg.UserRefreshTimeout),
			claims.WithLogger(logger.Get()),
		),
		Issuer: tokenIssuer,
	},
		engine.WithTimeouts(cfg.Timeouts),
		engine.WithLogger(logger.Get()),
		engine.WithTracerProvider(tel.TracerProvider()),
		engine.WithMeterProvider(tel.MeterProvider()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	s.engine = eng

	principals, err := handlers.NewHeaderPrincipalResolver(cfg.PrincipalHeader, users)
	if err != nil {
		return nil, err
	}

	tokenService := options.tokenService
	if tokenService == nil && cfg.TokenServiceURL != "" {
		tokenService, err = newTokenServiceProxy(cfg.TokenServiceURL)
		if err != nil {
			return nil, err
		}
	}

	h, err := handlers.NewHandler(cfg.Issuer, handlers.Deps{
		Authorizer:    eng,
		Pipeline:      pipeline,
		Principals:    principals,
		Keys:          src,
		ResponseModes: cfg.ResponseModes,
		TokenService:  tokenService,
		Codes:         tokenIssuer,
	}, logger.Get())
	if err != nil {
		return nil, fmt.Errorf("failed to create handlers: %w", err)
	}
	s.handler = s.routes(h)

	logger.Debugw("authorization server initialized",
		"issuer", cfg.Issuer,
		"client_backend", cfg.Clients.Backend,
		"user_backend", cfg.Users.Backend,
		"consent_backend", cfg.Consent.Backend,
		"auth_methods", pipeline.Methods(),
	)
	return s, nil
}

func (s *Server) routes(h *handlers.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
	)
	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	r.Get("/health", s.healthHandler)
	if metrics := s.telemetry.PrometheusHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}

// healthHandler reports 503 when a backing store is unreachable.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			logger.Warnw("health check failed", "check", name, "error", err)
			body[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		body[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// openDatabase opens the SQLite database when any store uses it.
func (s *Server) openDatabase(ctx context.Context) (*sqlite.DB, error) {
	if s.cfg.Clients.Backend != BackendSQLite && s.cfg.Users.Backend != BackendSQLite {
		return nil, nil
	}
	path := s.cfg.SQLitePath
	if path == "" {
		var err error
		if path, err = sqlite.DefaultPath(); err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
	}
	logger.Debugw("opening sqlite database", "path", path)
	db, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, db.Close)
	s.checks["sqlite"] = db.DB().PingContext
	return db, nil
}

func (s *Server) buildClientStore(ctx context.Context, db *sqlite.DB) (client.Store, error) {
	if s.cfg.Clients.Backend == BackendSQLite {
		store := sqlite.NewClientStore(db)
		for _, c := range s.cfg.Clients.Static {
			if err := store.Save(ctx, c); err != nil {
				return nil, fmt.Errorf("failed to register client %s: %w", c.ClientID, err)
			}
		}
		return store, nil
	}
	store, err := client.NewMemoryStore(s.cfg.Clients.Static...)
	if err != nil {
		return nil, fmt.Errorf("failed to register static clients: %w", err)
	}
	return store, nil
}

func (s *Server) buildUserDirectory(ctx context.Context, db *sqlite.DB) (user.Finder, error) {
	if s.cfg.Users.Backend == BackendSQLite {
		store := sqlite.NewUserStore(db)
		for _, p := range s.cfg.Users.Static {
			if err := store.Save(ctx, p); err != nil {
				return nil, fmt.Errorf("failed to save user %s: %w", p.ID, err)
			}
		}
		return store, nil
	}
	return user.NewDirectory(s.cfg.Users.Static...), nil
}

func (s *Server) buildConsentStore(ctx context.Context) (consent.Store, error) {
	if s.cfg.Consent.Backend == BackendRedis {
		redisCfg := *s.cfg.Consent.Redis
		if redisCfg.Lifetime == 0 {
			redisCfg.Lifetime = s.cfg.Consent.Lifetime
		}
		store, err := consent.NewRedisStore(ctx, redisCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis consent store: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		s.checks["redis"] = store.Ping
		return store, nil
	}
	store := consent.NewMemoryStore(consent.WithLifetime(s.cfg.Consent.Lifetime))
	s.closers = append(s.closers, store.Close)
	return store, nil
}

// buildPipeline registers one verifier per supported authentication method.
// client_secret_jwt needs the raw secret as an HMAC key, so it is only
// offered when secrets are stored in plain form.
func (s *Server) buildPipeline(
	ctx context.Context, clients client.Store, httpClient *http.Client,
) (*clientauth.Pipeline, error) {
	comparator, err := clientauth.NewSecretComparator(s.cfg.SecretMode)
	if err != nil {
		return nil, err
	}
	secrets := clientauth.NewSecretVerifier(comparator)

	resolver, err := clientauth.NewJWKSResolver(ctx, httpClient)
	if err != nil {
		return nil, err
	}
	assertions, err := clientauth.NewAssertionVerifier(s.cfg.assertionAudiences(), resolver)
	if err != nil {
		return nil, err
	}

	verifiers := map[client.AuthMethod]clientauth.Verifier{
		client.AuthMethodClientSecretBasic: secrets,
		client.AuthMethodClientSecretPost:  secrets,
		client.AuthMethodPrivateKeyJWT:     assertions,
		client.AuthMethodNone:              clientauth.PublicVerifier{},
	}
	if s.cfg.SecretMode == clientauth.SecretModePlain {
		verifiers[client.AuthMethodClientSecretJWT] = assertions
	}

	return clientauth.NewPipeline(clients, verifiers,
		clientauth.WithLookupTimeout(s.cfg.Timeouts.ClientLookup),
		clientauth.WithLogger(logger.Get()),
	)
}

// newTokenServiceProxy forwards client-authenticated requests to the
// downstream token service.
func newTokenServiceProxy(target string) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid token service URL: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Errorw("token service unavailable", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy, nil
}
