// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/authserver/user"
	"github.com/eiamhq/eiam/pkg/storage"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.Context(), filepath.Join(t.TempDir(), "eiam.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_Idempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "eiam.db")

	db, err := Open(t.Context(), path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Re-opening must not re-apply migrations.
	db, err = Open(t.Context(), path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestClientStore(t *testing.T) {
	t.Parallel()
	store := NewClientStore(openTestDB(t))
	ctx := t.Context()

	c := &client.RegisteredClient{
		ID:                 "reg-1",
		ClientID:           "web-app",
		Secret:             "s3cret",
		RedirectURIs:       []string{"https://app.example.com/cb", "http://127.0.0.1:4000/cb"},
		AllowedScopes:      []string{"openid", "profile"},
		AllowedGrantTypes:  []client.GrantType{client.GrantTypeAuthorizationCode},
		AllowedAuthMethods: []client.AuthMethod{client.AuthMethodClientSecretBasic, client.AuthMethodClientSecretPost},
	}
	require.NoError(t, store.Save(ctx, c))

	got, err := store.FindByClientID(ctx, "web-app")
	require.NoError(t, err)
	assert.Equal(t, c, got)

	c.AllowedScopes = append(c.AllowedScopes, "email")
	require.NoError(t, store.Save(ctx, c))
	got, err = store.FindByClientID(ctx, "web-app")
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "profile", "email"}, got.AllowedScopes)

	// A second client may not reuse the registration id.
	dup := c.Clone()
	dup.ClientID = "other"
	err = store.Save(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrAlreadyExists))

	require.NoError(t, store.Delete(ctx, "web-app"))
	_, err = store.FindByClientID(ctx, "web-app")
	assert.True(t, errors.Is(err, client.ErrNotFound))
	assert.True(t, errors.Is(store.Delete(ctx, "web-app"), client.ErrNotFound))
}

func TestClientStore_RejectsInvalid(t *testing.T) {
	t.Parallel()
	store := NewClientStore(openTestDB(t))

	err := store.Save(t.Context(), &client.RegisteredClient{ClientID: "x"})
	assert.Error(t, err)
}

func TestUserStore(t *testing.T) {
	t.Parallel()
	store := NewUserStore(openTestDB(t))
	ctx := t.Context()

	updated := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p := user.Profile{
		ID:            "u1",
		Username:      "alice",
		NickName:      "Al",
		Email:         "alice@example.com",
		EmailVerified: true,
		Phone:         "+15550100",
		Avatar:        "https://cdn.example.com/alice.png",
		UpdatedAt:     updated,
	}
	require.NoError(t, store.Save(ctx, p))

	got, err := store.FindUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.True(t, got.EmailVerified)
	assert.False(t, got.PhoneVerified)
	assert.True(t, updated.Equal(got.UpdatedAt))

	err = store.Save(ctx, user.Profile{ID: "u2", Username: "alice"})
	assert.True(t, errors.Is(err, storage.ErrAlreadyExists))

	require.NoError(t, store.Delete(ctx, "u1"))
	_, err = store.FindUser(ctx, "u1")
	assert.True(t, errors.Is(err, user.ErrNotFound))
}
