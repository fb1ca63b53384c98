package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"huddle-backend/internal/database"
	"huddle-backend/internal/domain"
	"huddle-backend/pkg/constants"
	"huddle-backend/pkg/logger"
)

func membersKey(conversationID uuid.UUID) string {
	return fmt.Sprintf("directory:conversation:%s:members", conversationID)
}

// MemberSource is the durable directory behind the cache
type MemberSource interface {
	GetMembers(ctx context.Context, conversationID uuid.UUID) (*domain.ConversationMembers, error)
}

// DirectoryCache caches conversation member lists in Redis.
// Live presence is not cached here; the call registry reads it from the presence store.
type DirectoryCache struct {
	client *database.RedisClient
	source MemberSource
}

// NewDirectoryCache wraps source with a Redis read-through cache
func NewDirectoryCache(client *database.RedisClient, source MemberSource) *DirectoryCache {
	return &DirectoryCache{client: client, source: source}
}

// GetMembers serves from Redis when possible, falling back to the source
func (d *DirectoryCache) GetMembers(ctx context.Context, conversationID uuid.UUID) (*domain.ConversationMembers, error) {
	raw, err := d.client.SafeGet(ctx, membersKey(conversationID)).Bytes()
	if err == nil {
		var cached domain.ConversationMembers
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			return &cached, nil
		}
	} else if err != goredis.Nil && !d.client.IsDegraded() {
		logger.Debug("Directory cache read failed",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
	}

	members, err := d.source.GetMembers(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(members); err == nil {
		if err := d.client.SafeSet(ctx, membersKey(conversationID), data, constants.DirectoryCacheTTL).Err(); err != nil && !d.client.IsDegraded() {
			logger.Debug("Directory cache write failed",
				zap.String("conversation_id", conversationID.String()),
				zap.Error(err))
		}
	}
	return members, nil
}

// Invalidate drops the cached member list, used when membership changes
func (d *DirectoryCache) Invalidate(ctx context.Context, conversationID uuid.UUID) error {
	if err := d.client.SafeDel(ctx, membersKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate directory cache: %w", err)
	}
	return nil
}
