// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

// Package claims assembles the identity claims embedded in ID tokens.
package claims

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/ory/fosite/token/jwt"

	"github.com/eiamhq/eiam/pkg/authserver/user"
)

// TokenTypeIDToken is the only token type the Customizer enriches.
const TokenTypeIDToken = "id_token"

// Scopes gating claim groups.
const (
	ScopeEmail   = "email"
	ScopePhone   = "phone"
	ScopeProfile = "profile"
)

// DefaultRefreshTimeout bounds the live user lookup.
const DefaultRefreshTimeout = 2 * time.Second

// ClaimSet is the set of claims for one ID token. Optional claims are nil
// when their scope was not granted.
type ClaimSet struct {
	Subject string

	Email         *string
	EmailVerified *bool

	PhoneNumber         *string
	PhoneNumberVerified *bool

	PreferredUsername *string
	Nickname          *string
	Picture           *string
	UpdatedAt         *time.Time
}

// Map renders the claim set with OpenID Connect standard claim names.
func (c *ClaimSet) Map() map[string]any {
	m := map[string]any{"sub": c.Subject}
	putString := func(name string, v *string) {
		if v != nil {
			m[name] = *v
		}
	}
	putBool := func(name string, v *bool) {
		if v != nil {
			m[name] = *v
		}
	}
	putString("email", c.Email)
	putBool("email_verified", c.EmailVerified)
	putString("phone_number", c.PhoneNumber)
	putBool("phone_number_verified", c.PhoneNumberVerified)
	putString("preferred_username", c.PreferredUsername)
	putString("nickname", c.Nickname)
	putString("picture", c.Picture)
	if c.UpdatedAt != nil {
		m["updated_at"] = c.UpdatedAt.Unix()
	}
	return m
}

// Supported lists every claim a ClaimSet can carry, for discovery.
func Supported() []string {
	return []string{
		"sub", "email", "email_verified", "phone_number", "phone_number_verified",
		"preferred_username", "nickname", "picture", "updated_at",
	}
}

// ApplyTo copies the claim set into fosite ID token claims.
func (c *ClaimSet) ApplyTo(idToken *jwt.IDTokenClaims) {
	idToken.Subject = c.Subject
	if idToken.Extra == nil {
		idToken.Extra = map[string]interface{}{}
	}
	for k, v := range c.Map() {
		if k == "sub" {
			continue
		}
		idToken.Extra[k] = v
	}
}

// Customizer builds ClaimSets for ID tokens.
type Customizer struct {
	users   user.Finder
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Customizer.
type Option func(*Customizer)

// WithRefreshTimeout overrides DefaultRefreshTimeout.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Customizer) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Customizer) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCustomizer creates a Customizer. users may be nil, in which case the
// session profile is used as-is.
func NewCustomizer(users user.Finder, opts ...Option) *Customizer {
	c := &Customizer{users: users, timeout: DefaultRefreshTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Customize returns the claims for a token of tokenType issued to principal
// with the authorized scopes. It returns nil for any token type other than
// id_token.
func (c *Customizer) Customize(
	ctx context.Context, tokenType string, scopes []string, principal *user.Profile,
) (*ClaimSet, error) {
	if tokenType != TokenTypeIDToken {
		return nil, nil
	}
	if principal == nil || principal.ID == "" {
		return nil, errors.New("authenticated principal is required")
	}

	p := c.refresh(ctx, principal)

	set := &ClaimSet{Subject: p.ID}
	if slices.Contains(scopes, ScopeEmail) {
		set.Email = ptr(p.Email)
		set.EmailVerified = ptr(p.EmailVerified)
	}
	if slices.Contains(scopes, ScopePhone) {
		set.PhoneNumber = ptr(p.Phone)
		set.PhoneNumberVerified = ptr(p.PhoneVerified)
	}
	if slices.Contains(scopes, ScopeProfile) {
		set.PreferredUsername = ptr(p.Username)
		set.Nickname = ptr(p.NickName)
		if p.Avatar != "" {
			set.Picture = ptr(p.Avatar)
		}
		if !p.UpdatedAt.IsZero() {
			set.UpdatedAt = ptr(p.UpdatedAt)
		}
	}
	return set, nil
}

// refresh returns the live profile for principal, or principal itself when
// the lookup fails. The subject never changes.
func (c *Customizer) refresh(ctx context.Context, principal *user.Profile) *user.Profile {
	if c.users == nil {
		return principal
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	live, err := c.users.FindUser(ctx, principal.ID)
	switch {
	case errors.Is(err, user.ErrNotFound):
		c.logger.Debug("user no longer in directory, using session profile", "user_id", principal.ID)
		return principal
	case err != nil:
		c.logger.Warn("user refresh failed, using session profile", "user_id", principal.ID, "error", err)
		return principal
	case live == nil:
		return principal
	}

	merged := *live
	merged.ID = principal.ID
	return &merged
}

func ptr[T any](v T) *T { return &v }
