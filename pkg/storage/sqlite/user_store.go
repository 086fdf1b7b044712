// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eiamhq/eiam/pkg/authserver/user"
	"github.com/eiamhq/eiam/pkg/storage"
)

// UserStore implements user.Finder on SQLite.
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a SQLite-backed user directory.
func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db.DB()}
}

var _ user.Finder = (*UserStore)(nil)

// FindUser implements user.Finder.
func (s *UserStore) FindUser(ctx context.Context, id string) (*user.Profile, error) {
	var (
		p         user.Profile
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, nick_name, email, email_verified, phone, phone_verified, avatar, updated_at
		   FROM users WHERE id = ?`,
		id,
	).Scan(&p.ID, &p.Username, &p.NickName, &p.Email, &p.EmailVerified,
		&p.Phone, &p.PhoneVerified, &p.Avatar, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, user.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &p, nil
}

// Save inserts or replaces a user profile.
func (s *UserStore) Save(ctx context.Context, p user.Profile) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, nick_name, email, email_verified, phone, phone_verified, avatar, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			username = excluded.username, nick_name = excluded.nick_name,
			email = excluded.email, email_verified = excluded.email_verified,
			phone = excluded.phone, phone_verified = excluded.phone_verified,
			avatar = excluded.avatar, updated_at = excluded.updated_at`,
		p.ID, p.Username, p.NickName, p.Email, p.EmailVerified,
		p.Phone, p.PhoneVerified, p.Avatar, p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %s", storage.ErrAlreadyExists, p.Username)
		}
		return fmt.Errorf("saving user: %w", err)
	}
	return nil
}

// Delete removes the user with id.
func (s *UserStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	} else if n == 0 {
		return user.ErrNotFound
	}
	return nil
}
