package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"huddle-backend/internal/database"
	"huddle-backend/internal/domain"
	"huddle-backend/pkg/constants"
)

const onlineSetKey = "presence:online"

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID)
}

// PresenceRepository holds each user's current status in Redis
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

// SetStatus stores the status with a TTL; offline removes the key
func (r *PresenceRepository) SetStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus) error {
	if status == domain.PresenceOffline {
		if err := r.client.SafeDel(ctx, presenceKey(userID)).Err(); err != nil {
			return fmt.Errorf("failed to delete presence: %w", err)
		}
		if err := r.client.SafeSRem(ctx, onlineSetKey, userID.String()).Err(); err != nil {
			return fmt.Errorf("failed to remove from online set: %w", err)
		}
		return nil
	}

	if err := r.client.SafeSet(ctx, presenceKey(userID), string(status), constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	if err := r.client.SafeSAdd(ctx, onlineSetKey, userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}
	return nil
}

// GetStatus returns the stored status; a missing key means offline
func (r *PresenceRepository) GetStatus(ctx context.Context, userID uuid.UUID) (domain.PresenceStatus, error) {
	val, err := r.client.SafeGet(ctx, presenceKey(userID)).Result()
	if err != nil {
		if err == goredis.Nil {
			return domain.PresenceOffline, nil
		}
		return domain.PresenceOffline, fmt.Errorf("failed to get presence: %w", err)
	}
	return domain.PresenceStatus(val), nil
}

// Refresh extends the TTL of a connected user's status (heartbeat)
func (r *PresenceRepository) Refresh(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeExpire(ctx, presenceKey(userID), constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// GetOnlineUsers lists users with a live status
func (r *PresenceRepository) GetOnlineUsers(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := r.client.SafeSMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}

	userIDs := make([]uuid.UUID, 0, len(ids))
	for _, idStr := range ids {
		userID, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
