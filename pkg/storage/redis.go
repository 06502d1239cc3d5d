package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d-kuro/helpdeskauth/pkg/constants"
	"github.com/d-kuro/helpdeskauth/pkg/types"
)

// RedisStore implements CredentialStore on Redis, for deployments where several
// instances of a backend-for-frontend share one signed-in session.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store. sessionID defaults to constants.SessionKey;
// a zero ttl keeps the record until it is cleared.
func NewRedisStore(client *redis.Client, sessionID string, ttl time.Duration) *RedisStore {
	if sessionID == "" {
		sessionID = constants.SessionKey
	}
	return &RedisStore{
		client: client,
		key:    constants.RedisKeyPrefix + sessionID,
		ttl:    ttl,
	}
}

// LoadSession implements CredentialStore.LoadSession.
func (rs *RedisStore) LoadSession(ctx context.Context) (*types.StoredSession, error) {
	data, err := rs.client.Get(ctx, rs.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("no session at %s: %w", rs.key, ErrStorageNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %v: %w", rs.key, err, ErrStorageUnavailable)
	}
	return decodeSession(data)
}

// StoreSession implements CredentialStore.StoreSession.
func (rs *RedisStore) StoreSession(ctx context.Context, session *types.StoredSession) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	if err := rs.client.Set(ctx, rs.key, data, rs.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %v: %w", rs.key, err, ErrStorageUnavailable)
	}
	return nil
}

// ClearSession implements CredentialStore.ClearSession.
func (rs *RedisStore) ClearSession(ctx context.Context) error {
	if err := rs.client.Del(ctx, rs.key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %v: %w", rs.key, err, ErrStorageUnavailable)
	}
	return nil
}

// HasSession implements CredentialStore.HasSession.
func (rs *RedisStore) HasSession(ctx context.Context) bool {
	n, err := rs.client.Exists(ctx, rs.key).Result()
	return err == nil && n > 0
}

// Location implements CredentialStore.Location.
func (rs *RedisStore) Location() string {
	return "redis:" + rs.key
}
