// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

// Package user defines the end-user profile consumed by the claim customizer
// and the directory it is refreshed from.
package user

//go:generate mockgen -destination=mocks/mock_finder.go -package=mocks -source=user.go Finder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eiamhq/eiam/pkg/storage"
)

// ErrNotFound is returned when the directory has no user with the given ID.
var ErrNotFound = fmt.Errorf("user %w", storage.ErrNotFound)

// Profile holds the attributes of an authenticated end user. A Profile
// captured at login is carried in the session and may be refreshed from a
// Finder before claims are built.
type Profile struct {
	ID            string    `json:"id" yaml:"id" mapstructure:"id"`
	Username      string    `json:"username" yaml:"username" mapstructure:"username"`
	NickName      string    `json:"nick_name,omitempty" yaml:"nick_name,omitempty" mapstructure:"nick_name"`
	Email         string    `json:"email,omitempty" yaml:"email,omitempty" mapstructure:"email"`
	EmailVerified bool      `json:"email_verified,omitempty" yaml:"email_verified,omitempty" mapstructure:"email_verified"`
	Phone         string    `json:"phone,omitempty" yaml:"phone,omitempty" mapstructure:"phone"`
	PhoneVerified bool      `json:"phone_verified,omitempty" yaml:"phone_verified,omitempty" mapstructure:"phone_verified"`
	Avatar        string    `json:"avatar,omitempty" yaml:"avatar,omitempty" mapstructure:"avatar"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"updated_at" mapstructure:"updated_at"`
}

// Finder looks up live user profiles.
type Finder interface {
	// FindUser returns the current profile for id or ErrNotFound.
	FindUser(ctx context.Context, id string) (*Profile, error)
}

// Directory is an in-memory Finder.
type Directory struct {
	mu    sync.RWMutex
	users map[string]Profile
}

// NewDirectory creates a Directory seeded with profiles.
func NewDirectory(profiles ...Profile) *Directory {
	d := &Directory{users: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		d.users[p.ID] = p
	}
	return d
}

// Put adds or replaces a profile.
func (d *Directory) Put(p Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[p.ID] = p
}

// Delete removes the profile with id, if any.
func (d *Directory) Delete(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, id)
}

// FindUser implements Finder.
func (d *Directory) FindUser(_ context.Context, id string) (*Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

var _ Finder = (*Directory)(nil)
