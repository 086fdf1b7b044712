// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eiamhq/eiam/pkg/authserver/engine"
	"github.com/eiamhq/eiam/pkg/logger"
	"github.com/eiamhq/eiam/pkg/telemetry"
)

const (
	// readHeaderTimeout prevents slowloris attacks by limiting time to read request headers.
	readHeaderTimeout = 10 * time.Second

	shutdownTimeout = 15 * time.Second
)

// Server is the authorization server. It serves:
//   - /oauth/authorize and /oauth/consent
//   - /oauth/token, /oauth/introspect, /oauth/revoke and
//     /oauth/device_authorization behind client authentication, when a token
//     service is configured
//   - /.well-known/openid-configuration, /.well-known/oauth-authorization-server
//     and /.well-known/jwks.json
//   - /health and, when enabled, /metrics
type Server struct {
	cfg       Config
	handler   http.Handler
	engine    *engine.Engine
	telemetry *telemetry.Provider
	checks    map[string]func(context.Context) error
	closers   []func() error
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	tokenService http.Handler
	httpClient   *http.Client
}

// WithTokenService serves the client-authenticated endpoints with h instead
// of proxying to Config.TokenServiceURL.
func WithTokenService(h http.Handler) Option {
	return func(o *serverOptions) {
		o.tokenService = h
	}
}

// WithHTTPClient sets the client used to fetch client jwks_uri key sets.
func WithHTTPClient(c *http.Client) Option {
	return func(o *serverOptions) {
		o.httpClient = c
	}
}

// New creates the authorization server described by cfg. Background work
// such as remote JWKS refresh lives until ctx is done.
func New(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	slog.Debug("creating authorization server", "issuer", cfg.Issuer)

	options := &serverOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return newServer(ctx, cfg, options)
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Engine returns the authorization engine behind the handlers.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Run serves on the configured listen address until ctx is done, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("authorization server listening", "address", listener.Addr().String(), "issuer", s.cfg.Issuer)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		logger.Infow("authorization server stopped")
		return nil
	})
	return g.Wait()
}

// Close releases the stores and flushes telemetry.
func (s *Server) Close() error {
	logger.Debugw("closing authorization server")

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
