// Package session holds the per-user console state whose lifecycle is bound
// to the authentication session: the cached resolved identity and the current
// organization selection. The selection is a convenience cache only — it is
// never consulted for authorization decisions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tenantgate.io/internal/identity"
)

const (
	defaultIdentityTTL  = 15 * time.Minute
	defaultSelectionTTL = 30 * 24 * time.Hour
)

// Store persists session state in Redis.
type Store struct {
	rdb          *redis.Client
	identityTTL  time.Duration
	selectionTTL time.Duration
}

// Option configures Store behavior.
type Option func(*Store)

// WithIdentityTTL bounds how long a cached identity survives before a
// restore falls back to full resolution.
func WithIdentityTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.identityTTL = d
		}
	}
}

// WithSelectionTTL bounds how long the organization selection is remembered.
func WithSelectionTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.selectionTTL = d
		}
	}
}

// New constructs a Store on top of an existing Redis client.
func New(rdb *redis.Client, opts ...Option) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("session: redis client is required")
	}
	s := &Store{
		rdb:          rdb,
		identityTTL:  defaultIdentityTTL,
		selectionTTL: defaultSelectionTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping reports whether the backing Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func identityKey(userID string) string  { return "session:" + userID + ":identity" }
func selectionKey(userID string) string { return "session:" + userID + ":org" }

// SaveIdentity caches a freshly resolved identity.
func (s *Store) SaveIdentity(ctx context.Context, id identity.Identity) error {
	if strings.TrimSpace(id.ID) == "" {
		return errors.New("session: identity id is required")
	}
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("session: encode identity: %w", err)
	}
	if err := s.rdb.Set(ctx, identityKey(id.ID), data, s.identityTTL).Err(); err != nil {
		return fmt.Errorf("session: save identity: %w", err)
	}
	return nil
}

// Identity returns the cached identity for a user, if still present. Session
// restoration reads this cache and performs no network resolution.
func (s *Store) Identity(ctx context.Context, userID string) (identity.Identity, bool, error) {
	data, err := s.rdb.Get(ctx, identityKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return identity.Identity{}, false, nil
	}
	if err != nil {
		return identity.Identity{}, false, fmt.Errorf("session: load identity: %w", err)
	}
	var id identity.Identity
	if err := json.Unmarshal(data, &id); err != nil {
		// A corrupt cache entry behaves like a miss so the caller re-resolves.
		return identity.Identity{}, false, nil
	}
	return id, true, nil
}

// SetCurrentOrganization persists the user's organization selection.
func (s *Store) SetCurrentOrganization(ctx context.Context, userID, orgID string) error {
	userID = strings.TrimSpace(userID)
	orgID = strings.TrimSpace(orgID)
	if userID == "" || orgID == "" {
		return errors.New("session: user id and organization id are required")
	}
	if err := s.rdb.Set(ctx, selectionKey(userID), orgID, s.selectionTTL).Err(); err != nil {
		return fmt.Errorf("session: save selection: %w", err)
	}
	return nil
}

// CurrentOrganization returns the persisted selection, if any.
func (s *Store) CurrentOrganization(ctx context.Context, userID string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, selectionKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("session: load selection: %w", err)
	}
	return val, val != "", nil
}

// Clear removes all session state for a user in a single round trip. It must
// complete before any sign-out redirect is issued so that no protected view
// can render against a stale identity.
func (s *Store) Clear(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}
	if err := s.rdb.Del(ctx, identityKey(userID), selectionKey(userID)).Err(); err != nil {
		return fmt.Errorf("session: clear: %w", err)
	}
	return nil
}
