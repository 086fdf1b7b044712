// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eiamhq/eiam/pkg/authserver/user"
)

// DefaultPrincipalLookupTimeout bounds the user lookup made per request.
const DefaultPrincipalLookupTimeout = 3 * time.Second

// PrincipalResolver identifies the end user behind a request. It returns
// (nil, nil) for an anonymous request.
type PrincipalResolver interface {
	ResolvePrincipal(r *http.Request) (*user.Profile, error)
}

// HeaderPrincipalResolver trusts a header set by the fronting login proxy
// and loads the named user from the directory.
type HeaderPrincipalResolver struct {
	header  string
	users   user.Finder
	timeout time.Duration
}

// NewHeaderPrincipalResolver creates a HeaderPrincipalResolver reading
// header.
func NewHeaderPrincipalResolver(header string, users user.Finder) (*HeaderPrincipalResolver, error) {
	if header == "" {
		return nil, errors.New("principal header is required")
	}
	if users == nil {
		return nil, errors.New("user directory is required")
	}
	return &HeaderPrincipalResolver{
		header:  http.CanonicalHeaderKey(header),
		users:   users,
		timeout: DefaultPrincipalLookupTimeout,
	}, nil
}

// ResolvePrincipal implements PrincipalResolver. A header naming an unknown
// user is treated as anonymous.
func (p *HeaderPrincipalResolver) ResolvePrincipal(r *http.Request) (*user.Profile, error) {
	id := strings.TrimSpace(r.Header.Get(p.header))
	if id == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	profile, err := p.users.FindUser(ctx, id)
	if errors.Is(err, user.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load principal: %w", err)
	}
	return profile, nil
}
