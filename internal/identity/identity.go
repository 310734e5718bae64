package identity

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peercall-backend/internal/database"
	"peercall-backend/internal/domain"
	"peercall-backend/pkg/logger"
)

// Directory resolves a user's display profile. The caller's profile rides
// inside the invite so the callee's UI can render the ring screen without
// a directory round-trip of its own.
type Directory interface {
	Lookup(ctx context.Context, userID string) (domain.Participant, error)
}

// StaticDirectory serves profiles from memory. Used in tests and as the
// fallback when no profile store is configured.
type StaticDirectory struct {
	mu       sync.RWMutex
	profiles map[string]domain.Participant
}

// NewStaticDirectory creates an empty in-memory directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{profiles: make(map[string]domain.Participant)}
}

// Put registers or replaces a profile.
func (d *StaticDirectory) Put(p domain.Participant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = p
}

// Lookup returns the stored profile, or a minimal one carrying just the ID.
func (d *StaticDirectory) Lookup(_ context.Context, userID string) (domain.Participant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.profiles[userID]; ok {
		return p, nil
	}
	return domain.Participant{ID: userID, DisplayName: userID}, nil
}

const profileKeyPrefix = "profile:"

// RedisDirectory reads profiles written by the account service from Redis.
// A missing or unreadable profile degrades to an ID-only participant; a
// call must never fail because display info is unavailable.
type RedisDirectory struct {
	redis *database.RedisClient
}

// NewRedisDirectory creates a Redis-backed profile directory.
func NewRedisDirectory(rc *database.RedisClient) *RedisDirectory {
	return &RedisDirectory{redis: rc}
}

// Lookup fetches and decodes the profile for userID.
func (d *RedisDirectory) Lookup(ctx context.Context, userID string) (domain.Participant, error) {
	fallback := domain.Participant{ID: userID, DisplayName: userID}

	raw, err := d.redis.Client.Get(ctx, profileKeyPrefix+userID).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return fallback, nil
	}

	var p domain.Participant
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		logger.Warn("malformed profile record", zap.String("user_id", userID), zap.Error(err))
		return fallback, nil
	}
	if p.ID == "" {
		p.ID = userID
	}
	if p.DisplayName == "" {
		p.DisplayName = userID
	}
	return p, nil
}
