package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"convosync/internal/domain/user"

	goredis "github.com/redis/go-redis/v9"
)

// Cache key patterns:
// - user:{user_id} - profile cache
// - conversation:{conv_id}:participants - active participant ids

// CacheConfig contains configuration for caching
type CacheConfig struct {
	UserTTL         time.Duration
	ParticipantsTTL time.Duration
}

// DefaultCacheConfig returns sensible defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		UserTTL:         5 * time.Minute,
		ParticipantsTTL: 5 * time.Minute,
	}
}

// CacheStore handles caching in Redis
type CacheStore struct {
	client *goredis.Client
	config CacheConfig
}

// NewCacheStore creates a new cache store
func NewCacheStore(client *goredis.Client, config CacheConfig) *CacheStore {
	return &CacheStore{client: client, config: config}
}

func userKey(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

func participantsKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:participants", conversationID)
}

// --- Profile Cache ---

// GetProfiles returns cached profiles and the ids that missed.
func (c *CacheStore) GetProfiles(ctx context.Context, userIDs []string) (map[string]user.Profile, []string, error) {
	result := make(map[string]user.Profile, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = userKey(id)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, err
	}

	var misses []string
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			misses = append(misses, userIDs[i])
			continue
		}
		var p user.Profile
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			misses = append(misses, userIDs[i])
			continue
		}
		result[userIDs[i]] = p
	}
	return result, misses, nil
}

// SetProfiles stores profiles in cache
func (c *CacheStore) SetProfiles(ctx context.Context, profiles []user.Profile) error {
	if len(profiles) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, p := range profiles {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		pipe.Set(ctx, userKey(p.UserID), data, c.config.UserTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// InvalidateProfile removes a profile from cache
func (c *CacheStore) InvalidateProfile(ctx context.Context, userID string) error {
	return c.client.Del(ctx, userKey(userID)).Err()
}

// --- Participants Cache ---

// GetParticipants returns the cached active participant ids; ok is false on a miss.
func (c *CacheStore) GetParticipants(ctx context.Context, conversationID string) ([]string, bool, error) {
	data, err := c.client.Get(ctx, participantsKey(conversationID)).Result()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, false, err
	}
	return ids, true, nil
}

func (c *CacheStore) SetParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	data, err := json.Marshal(userIDs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, participantsKey(conversationID), data, c.config.ParticipantsTTL).Err()
}

func (c *CacheStore) InvalidateParticipants(ctx context.Context, conversationID string) error {
	return c.client.Del(ctx, participantsKey(conversationID)).Err()
}

// Ping checks Redis connectivity
func (c *CacheStore) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
