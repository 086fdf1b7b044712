// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles the OAuth 2.0 / OpenID Connect authorization
// server: client authentication, authorization request validation, consent,
// claim customization and token issuance.
//
// The server supports:
//   - Implicit and authorization code responses (RFC 6749), with PKCE (RFC 7636)
//   - Client authentication with client_secret_basic, client_secret_post,
//     client_secret_jwt, private_key_jwt (RFC 7523) and public clients
//   - Per-user consent with in-memory or Redis storage
//   - OIDC discovery (/.well-known/openid-configuration) and RFC 8414 metadata
//
// # Usage
//
// Load a RunConfig, resolve it and run the server:
//
//	rc, err := authserver.LoadRunConfig(path)
//	if err != nil {
//	    return err
//	}
//	cfg, err := rc.ToConfig()
//	if err != nil {
//	    return err
//	}
//	srv, err := authserver.New(ctx, *cfg)
//	if err != nil {
//	    return err
//	}
//	defer srv.Close()
//	return srv.Run(ctx)
//
// # Storage
//
// Registered clients and users are kept in memory or in SQLite. Consents are
// kept in memory (single instance) or in Redis (shared between instances).
package authserver
