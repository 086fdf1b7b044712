// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package consent

import (
	"context"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often expired consents are purged when a
// lifetime is configured.
const DefaultCleanupInterval = 5 * time.Minute

type timedEntry struct {
	value     *AuthorizationConsent
	expiresAt time.Time
}

func (e *timedEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is a Store held in process memory. A single mutex serializes
// every operation, so Update is trivially atomic.
type MemoryStore struct {
	mu       sync.Mutex
	consents map[string]*timedEntry

	// lifetime bounds how long a consent is kept; zero keeps it until removed.
	lifetime        time.Duration
	cleanupInterval time.Duration
	now             func() time.Time

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLifetime expires consents d after they were last written.
func WithLifetime(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.lifetime = d }
}

// WithCleanupInterval sets how often expired consents are purged.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// NewMemoryStore creates a MemoryStore. When a lifetime is set a background
// goroutine purges expired records until Close is called.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		consents:        make(map[string]*timedEntry),
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.lifetime > 0 {
		go s.cleanupLoop()
	} else {
		close(s.cleanupDone)
	}
	return s
}

// Close stops the cleanup goroutine, if any.
func (s *MemoryStore) Close() error {
	select {
	case <-s.stopCleanup:
	default:
		close(s.stopCleanup)
	}
	<-s.cleanupDone
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

func (s *MemoryStore) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.consents {
		if e.expired(now) {
			delete(s.consents, k)
		}
	}
}

// lookup returns the live entry for key. Callers hold s.mu.
func (s *MemoryStore) lookup(key string) *AuthorizationConsent {
	e, ok := s.consents[key]
	if !ok {
		return nil
	}
	if e.expired(s.now()) {
		delete(s.consents, key)
		return nil
	}
	return e.value
}

// put stores consent. Callers hold s.mu.
func (s *MemoryStore) put(c *AuthorizationConsent) {
	e := &timedEntry{value: c.Clone()}
	if s.lifetime > 0 {
		e.expiresAt = s.now().Add(s.lifetime)
	}
	s.consents[Key("", c.ClientID, c.Principal)] = e
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, clientID, principal string) (*AuthorizationConsent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.lookup(Key("", clientID, principal))
	if c == nil {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, c *AuthorizationConsent) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(c)
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, c *AuthorizationConsent) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consents, Key("", c.ClientID, c.Principal))
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, clientID, principal string, fn UpdateFunc) (*AuthorizationConsent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key("", clientID, principal)
	next, err := fn(s.lookup(key).Clone())
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if next == nil {
		delete(s.consents, key)
		return nil, nil
	}
	next.ClientID, next.Principal = clientID, principal
	s.put(next)
	return next.Clone(), nil
}

var _ Store = (*MemoryStore)(nil)
