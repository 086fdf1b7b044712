// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/eiamhq/eiam/pkg/authserver/client"
	"github.com/eiamhq/eiam/pkg/storage"
)

// ClientStore implements client.Store on SQLite.
type ClientStore struct {
	db *sql.DB
}

// NewClientStore creates a SQLite-backed client registry.
func NewClientStore(db *DB) *ClientStore {
	return &ClientStore{db: db.DB()}
}

var _ client.Store = (*ClientStore)(nil)

// FindByClientID implements client.Store.
func (s *ClientStore) FindByClientID(ctx context.Context, clientID string) (*client.RegisteredClient, error) {
	var (
		c                                  client.RegisteredClient
		redirects, scopes, grants, methods sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, secret, jwks, jwks_uri, signing_alg,
		        json(redirect_uris), json(scopes), json(grant_types), json(auth_methods)
		   FROM registered_clients WHERE client_id = ?`,
		clientID,
	).Scan(&c.ID, &c.ClientID, &c.Secret, &c.JWKS, &c.JWKSURI, &c.TokenEndpointAuthSigningAlg,
		&redirects, &scopes, &grants, &methods)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", client.ErrNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}

	if c.RedirectURIs, err = decodeJSONB[string](redirects); err != nil {
		return nil, fmt.Errorf("decoding redirect_uris: %w", err)
	}
	if c.AllowedScopes, err = decodeJSONB[string](scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	if c.AllowedGrantTypes, err = decodeJSONB[client.GrantType](grants); err != nil {
		return nil, fmt.Errorf("decoding grant_types: %w", err)
	}
	if c.AllowedAuthMethods, err = decodeJSONB[client.AuthMethod](methods); err != nil {
		return nil, fmt.Errorf("decoding auth_methods: %w", err)
	}
	return &c, nil
}

// Save inserts or replaces a registration keyed by client ID.
func (s *ClientStore) Save(ctx context.Context, c *client.RegisteredClient) error {
	if err := c.Validate(); err != nil {
		return err
	}

	redirects, err := encodeJSONB(c.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding redirect_uris: %w", err)
	}
	scopes, err := encodeJSONB(c.AllowedScopes)
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}
	grants, err := encodeJSONB(c.AllowedGrantTypes)
	if err != nil {
		return fmt.Errorf("encoding grant_types: %w", err)
	}
	methods, err := encodeJSONB(c.AllowedAuthMethods)
	if err != nil {
		return fmt.Errorf("encoding auth_methods: %w", err)
	}

	id := c.ID
	if id == "" {
		id = c.ClientID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO registered_clients (
			client_id, id, secret, jwks, jwks_uri, signing_alg,
			redirect_uris, scopes, grant_types, auth_methods
		) VALUES (?, ?, ?, ?, ?, ?, jsonb(?), jsonb(?), jsonb(?), jsonb(?))
		ON CONFLICT (client_id) DO UPDATE SET
			id = excluded.id, secret = excluded.secret, jwks = excluded.jwks,
			jwks_uri = excluded.jwks_uri, signing_alg = excluded.signing_alg,
			redirect_uris = excluded.redirect_uris, scopes = excluded.scopes,
			grant_types = excluded.grant_types, auth_methods = excluded.auth_methods,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		c.ClientID, id, c.Secret, c.JWKS, c.JWKSURI, c.TokenEndpointAuthSigningAlg,
		redirects, scopes, grants, methods,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: registration id %s", storage.ErrAlreadyExists, id)
		}
		return fmt.Errorf("saving client: %w", err)
	}
	return tx.Commit()
}

// Delete removes the registration for clientID.
func (s *ClientStore) Delete(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM registered_clients WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", client.ErrNotFound, clientID)
	}
	return nil
}
