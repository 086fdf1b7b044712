// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// maxUpdateAttempts bounds optimistic transaction retries in Update.
const maxUpdateAttempts = 16

// updateRetryBackoff is the upper bound of the first jittered pause between
// Update attempts. The bound grows linearly with each attempt.
const updateRetryBackoff = 2 * time.Millisecond

// ErrContention is returned when Update loses the optimistic race too often.
var ErrContention = errors.New("consent update aborted after repeated concurrent modification")

// RedisConfig holds Redis connection settings for the consent store.
type RedisConfig struct {
	// Addr is a standalone server address. Ignored when SentinelConfig is set.
	Addr string

	// SentinelConfig enables Sentinel failover.
	SentinelConfig *SentinelConfig

	// ACLUserConfig holds ACL credentials, if any.
	ACLUserConfig *ACLUserConfig

	DB int

	// KeyPrefix namespaces keys, e.g. "eiam:{tenant}:".
	KeyPrefix string

	// Lifetime sets a TTL on each consent; zero stores consents without expiry.
	Lifetime time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string
	SentinelAddrs []string
}

// ACLUserConfig contains Redis ACL user authentication configuration.
type ACLUserConfig struct {
	Username string
	Password string
}

// RedisStore is a Store on Redis. Records are JSON documents under
// Key(prefix, clientID, principal).
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	lifetime  time.Duration
}

// NewRedisStore connects to Redis and returns a RedisStore.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	opts := &redis.UniversalOptions{
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.SentinelConfig != nil {
		opts.MasterName = cfg.SentinelConfig.MasterName
		opts.Addrs = cfg.SentinelConfig.SentinelAddrs
	} else {
		opts.Addrs = []string{cfg.Addr}
	}
	if cfg.ACLUserConfig != nil {
		opts.Username = cfg.ACLUserConfig.Username
		opts.Password = cfg.ACLUserConfig.Password
	}

	client := redis.NewUniversalClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.Lifetime), nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, lifetime time.Duration) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix, lifetime: lifetime}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if cfg.Lifetime < 0 {
		return errors.New("consent lifetime cannot be negative")
	}
	if cfg.SentinelConfig != nil {
		if cfg.SentinelConfig.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		if len(cfg.SentinelConfig.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
		return nil
	}
	if cfg.Addr == "" {
		return errors.New("redis address is required")
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(clientID, principal string) string {
	return Key(s.keyPrefix, clientID, principal)
}

func decodeConsent(data []byte) (*AuthorizationConsent, error) {
	var c AuthorizationConsent
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consent: %w", err)
	}
	return &c, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, clientID, principal string) (*AuthorizationConsent, error) {
	data, err := s.client.Get(ctx, s.key(clientID, principal)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}
	return decodeConsent(data)
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, c *AuthorizationConsent) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal consent: %w", err)
	}
	if err := s.client.Set(ctx, s.key(c.ClientID, c.Principal), data, s.lifetime).Err(); err != nil {
		return fmt.Errorf("failed to save consent: %w", err)
	}
	return nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, c *AuthorizationConsent) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(c.ClientID, c.Principal)).Err(); err != nil {
		return fmt.Errorf("failed to remove consent: %w", err)
	}
	return nil
}

// Update implements Store with WATCH/MULTI/EXEC. The transaction is retried
// when another writer touches the key between the read and the commit.
func (s *RedisStore) Update(ctx context.Context, clientID, principal string, fn UpdateFunc) (*AuthorizationConsent, error) {
	key := s.key(clientID, principal)

	var result *AuthorizationConsent
	txf := func(tx *redis.Tx) error {
		var current *AuthorizationConsent
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("failed to get consent: %w", err)
		default:
			if current, err = decodeConsent(data); err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if next == nil {
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			result = nil
			return err
		}

		next.ClientID, next.Principal = clientID, principal
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal consent: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.lifetime)
			return nil
		})
		result = next
		return err
	}

	for attempt := range maxUpdateAttempts {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		if attempt == maxUpdateAttempts-1 {
			break
		}
		if err := sleepJittered(ctx, updateRetryBackoff*time.Duration(attempt+1)); err != nil {
			return nil, err
		}
	}
	return nil, ErrContention
}

// sleepJittered waits a random duration in [0, upTo) or until ctx is done.
func sleepJittered(ctx context.Context, upTo time.Duration) error {
	timer := time.NewTimer(rand.N(upTo))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Store = (*RedisStore)(nil)
