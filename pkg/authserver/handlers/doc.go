// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the HTTP layer of the authorization server.
//
// It serves:
//   - the authorization endpoint (/oauth/authorize) and the consent
//     endpoints used to approve or revoke scopes
//   - OIDC Discovery and OAuth 2.0 Authorization Server Metadata
//   - the JWKS endpoint (/.well-known/jwks.json)
//   - a client authentication guard in front of the token, introspection,
//     revocation and device authorization endpoints, which are served by a
//     downstream token service
//
// The Handler struct coordinates all handlers and registers them on a chi
// router.
package handlers
