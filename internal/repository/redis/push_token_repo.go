package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"storylab-backend/pkg/constants"
	"storylab-backend/pkg/logger"
	"storylab-backend/pkg/push"
)

// PushTokenRepository stores push tokens in one Redis hash per user,
// keyed by token value.
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func userTokensKey(userID uuid.UUID) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

// Store stores or refreshes a push token and extends the user's token expiry
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	key := userTokensKey(token.UserID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, token.Token, data)
	pipe.Expire(ctx, key, constants.PushTokenExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	logger.Debug("Push token stored",
		zap.String("user_id", token.UserID.String()),
		zap.String("platform", token.Platform))

	return nil
}

// GetByUserID retrieves all tokens for a user. Entries that fail to decode
// are skipped.
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	entries, err := r.client.HGetAll(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	result := make([]*push.Token, 0, len(entries))
	for _, data := range entries {
		var token push.Token
		if err := json.Unmarshal([]byte(data), &token); err != nil {
			logger.Warn("Failed to decode push token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		result = append(result, &token)
	}

	return result, nil
}

// Delete removes one token of a user
func (r *PushTokenRepository) Delete(ctx context.Context, userID uuid.UUID, token string) error {
	if err := r.client.HDel(ctx, userTokensKey(userID), token).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
