package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/authdemo/authdemo-api/internal/models"
	appErrors "github.com/authdemo/authdemo-api/pkg/errors"
)

// Resource is a cache namespace for one kind of cached value.
type Resource string

// Cached resource kinds.
const (
	ResourceAccessToken Resource = "access_token"
	ResourceUser        Resource = "user"
)

const keyNamespace = "authdemo"

// SessionRepository provides the cache store for access-token sessions.
// Every value is addressed as {app}:{resource}:{ownerID}:{resourceID}, which
// allows exact lookups by id and per-owner bulk operations via a pattern scan.
type SessionRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewSessionRepository constructs a session repository.
func NewSessionRepository(client *redis.Client, logger *zap.Logger) *SessionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRepository{client: client, logger: logger}
}

// Key builds the four-part cache key for one resource instance.
func Key(resource Resource, ownerID, resourceID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyNamespace, resource, ownerID, resourceID)
}

func ownerPattern(resource Resource, ownerID string) string {
	return fmt.Sprintf("%s:%s:%s:*", keyNamespace, resource, ownerID)
}

func storeUnavailable(err error, op, key string) error {
	return appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, fmt.Sprintf("redis %s %s", op, key))
}

// Get retrieves and unmarshals the cached value into the provided
// destination. Absent keys and undecodable payloads both surface as
// ErrCacheMiss; connectivity failures surface as ErrStoreUnavailable.
func (r *SessionRepository) Get(ctx context.Context, resource Resource, ownerID, resourceID string, dest interface{}) error {
	key := Key(resource, ownerID, resourceID)

	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return appErrors.ErrCacheMiss
		}
		return storeUnavailable(err, "get", key)
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		r.logger.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		return appErrors.ErrCacheMiss
	}

	return nil
}

// Set marshals the value and stores it with an absolute expiry. The store
// itself enforces the TTL; nothing in the application ever sweeps entries.
func (r *SessionRepository) Set(ctx context.Context, resource Resource, ownerID, resourceID string, value interface{}, expiresAt time.Time) error {
	key := Key(resource, ownerID, resourceID)

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("cache set %s: expiry %s already elapsed", key, expiresAt)
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value for %s: %w", key, err)
	}

	if err := r.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return storeUnavailable(err, "set", key)
	}

	return nil
}

// Remove deletes one cached value. It reports true iff a key existed and was
// deleted, and is idempotent.
func (r *SessionRepository) Remove(ctx context.Context, resource Resource, ownerID, resourceID string) (bool, error) {
	key := Key(resource, ownerID, resourceID)

	deleted, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return false, storeUnavailable(err, "del", key)
	}

	return deleted > 0, nil
}

// RemoveAllForOwner deletes every cached value of one resource kind belonging
// to the owner. The scan and the deletions are not one atomic operation: an
// entry written by a concurrent request after the scan snapshot can survive.
// Callers needing a stronger guarantee re-issue the invalidation.
func (r *SessionRepository) RemoveAllForOwner(ctx context.Context, resource Resource, ownerID string) (bool, error) {
	pattern := ownerPattern(resource, ownerID)
	ok := true

	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			r.logger.Warn("cache delete failed during owner invalidation", zap.String("key", iter.Val()), zap.Error(err))
			ok = false
		}
	}

	if err := iter.Err(); err != nil {
		return false, storeUnavailable(err, "scan", pattern)
	}

	return ok, nil
}

// SessionsForUser returns a best-effort snapshot of the user's live sessions.
// Entries that expire between the scan and the read are skipped; entries that
// fail to decode are skipped and logged.
func (r *SessionRepository) SessionsForUser(ctx context.Context, userID string) ([]models.AccessTokenSession, error) {
	pattern := ownerPattern(ResourceAccessToken, userID)
	var sessions []models.AccessTokenSession

	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		raw, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return sessions, storeUnavailable(err, "get", iter.Val())
		}

		var session models.AccessTokenSession
		if err := json.Unmarshal(raw, &session); err != nil {
			r.logger.Warn("skipping undecodable session entry", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		sessions = append(sessions, session)
	}

	if err := iter.Err(); err != nil {
		return sessions, storeUnavailable(err, "scan", pattern)
	}

	return sessions, nil
}

// Close releases the underlying Redis connection.
func (r *SessionRepository) Close() error {
	return r.client.Close()
}
