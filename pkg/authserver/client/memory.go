// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store backed by a map. Registrations are
// normally loaded once at startup from configuration.
type MemoryStore struct {
	mu      sync.RWMutex
	clients map[string]*RegisteredClient
}

// NewMemoryStore creates a MemoryStore seeded with clients.
func NewMemoryStore(clients ...*RegisteredClient) (*MemoryStore, error) {
	s := &MemoryStore{clients: make(map[string]*RegisteredClient, len(clients))}
	for _, c := range clients {
		if err := s.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register validates and adds a client, replacing any existing registration
// with the same client ID.
func (s *MemoryStore) Register(c *RegisteredClient) error {
	if c == nil {
		return fmt.Errorf("client cannot be nil")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ClientID] = c.Clone()
	return nil
}

// FindByClientID implements Store.
func (s *MemoryStore) FindByClientID(_ context.Context, clientID string) (*RegisteredClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, clientID)
	}
	return c.Clone(), nil
}

var _ Store = (*MemoryStore)(nil)
