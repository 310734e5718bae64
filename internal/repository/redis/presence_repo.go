package redis

import (
	"context"
	"fmt"
	"time"

	"peercall-backend/internal/database"
)

const (
	presenceKeyPrefix = "presence:"
	presenceOnlineSet = "presence:online"
)

// PresenceRepository mirrors presence state into Redis so sibling service
// instances and other backend services can read it. It implements
// presence.Mirror.
type PresenceRepository struct {
	redis *database.RedisClient
	ttl   time.Duration
}

// NewPresenceRepository creates a Redis-backed presence mirror. ttl bounds
// how long an online marker survives without a refresh.
func NewPresenceRepository(redis *database.RedisClient, ttl time.Duration) *PresenceRepository {
	return &PresenceRepository{redis: redis, ttl: ttl}
}

func presenceKey(userID string) string {
	return presenceKeyPrefix + userID
}

// SetOnline marks a user online with a TTL and adds them to the online set.
func (r *PresenceRepository) SetOnline(ctx context.Context, userID string) error {
	if err := r.redis.SafeSet(ctx, presenceKey(userID), time.Now().Unix(), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence key: %w", err)
	}
	if err := r.redis.SafeSAdd(ctx, presenceOnlineSet, userID).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}
	return nil
}

// SetOffline removes the user's presence marker and online-set membership.
func (r *PresenceRepository) SetOffline(ctx context.Context, userID string) error {
	if err := r.redis.SafeDel(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence key: %w", err)
	}
	if err := r.redis.SafeSRem(ctx, presenceOnlineSet, userID).Err(); err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}
	return nil
}

// Refresh extends the TTL of an online marker on heartbeat.
func (r *PresenceRepository) Refresh(ctx context.Context, userID string) error {
	ok, err := r.redis.SafeExpire(ctx, presenceKey(userID), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh presence key: %w", err)
	}
	if !ok {
		// Key expired between heartbeats; recreate it.
		return r.SetOnline(ctx, userID)
	}
	return nil
}

// IsOnline checks the mirror directly, for cross-instance reachability.
func (r *PresenceRepository) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.redis.SafeExists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence key: %w", err)
	}
	return n > 0, nil
}

// OnlineCount returns the size of the mirrored online set.
func (r *PresenceRepository) OnlineCount(ctx context.Context) (int64, error) {
	n, err := r.redis.SafeSCard(ctx, presenceOnlineSet).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count online users: %w", err)
	}
	return n, nil
}
