package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// PresenceStatus represents a user's online status
type PresenceStatus struct {
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// PresenceStore keeps presence and typing records in Redis. Records expire on
// their own, nothing here is durable.
type PresenceStore struct {
	client *goredis.Client
	ttl    time.Duration
	now    func() time.Time
}

// Redis key prefixes for presence
const (
	presenceKeyPrefix = "presence:"        // JSON presence record per user
	presenceOnlineSet = "presence:online"  // Set of online user IDs
	typingKeyPrefix   = "typing:"          // Sorted set per conversation, score = expiry
	offlineRecordTTL  = 24 * time.Hour     // keeps last_seen around after going offline
	typingTTL         = 10 * time.Second
)

// NewPresenceStore creates a new presence store
func NewPresenceStore(client *goredis.Client, ttl time.Duration) *PresenceStore {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &PresenceStore{client: client, ttl: ttl, now: time.Now}
}

func (p *PresenceStore) SetOnline(ctx context.Context, userID string) error {
	status := PresenceStatus{UserID: userID, IsOnline: true, LastSeen: p.now()}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	pipe := p.client.Pipeline()
	pipe.Set(ctx, presenceKeyPrefix+userID, data, p.ttl)
	pipe.SAdd(ctx, presenceOnlineSet, userID)
	_, err = pipe.Exec(ctx)
	return err
}

func (p *PresenceStore) SetOffline(ctx context.Context, userID string) error {
	status := PresenceStatus{UserID: userID, IsOnline: false, LastSeen: p.now()}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	pipe := p.client.Pipeline()
	pipe.Set(ctx, presenceKeyPrefix+userID, data, offlineRecordTTL)
	pipe.SRem(ctx, presenceOnlineSet, userID)
	_, err = pipe.Exec(ctx)
	return err
}

// Heartbeat refreshes the presence record TTL
func (p *PresenceStore) Heartbeat(ctx context.Context, userID string) error {
	return p.client.Expire(ctx, presenceKeyPrefix+userID, p.ttl).Err()
}

// GetPresence returns the stored record, or an offline record when none exists.
func (p *PresenceStore) GetPresence(ctx context.Context, userID string) (PresenceStatus, error) {
	data, err := p.client.Get(ctx, presenceKeyPrefix+userID).Result()
	if err == goredis.Nil {
		return PresenceStatus{UserID: userID}, nil
	}
	if err != nil {
		return PresenceStatus{}, err
	}

	var status PresenceStatus
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return PresenceStatus{}, err
	}
	return status, nil
}

// IsOnline checks if a user is online
func (p *PresenceStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	return p.client.SIsMember(ctx, presenceOnlineSet, userID).Result()
}

// TrackTyping records or clears a typing indicator. Each entry expires on its
// own after ten seconds.
func (p *PresenceStore) TrackTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	key := typingKeyPrefix + conversationID
	if !isTyping {
		return p.client.ZRem(ctx, key, userID).Err()
	}

	expires := p.now().Add(typingTTL)
	pipe := p.client.Pipeline()
	pipe.ZAdd(ctx, key, goredis.Z{Score: float64(expires.UnixMilli()), Member: userID})
	pipe.Expire(ctx, key, typingTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetTypingUsers returns users currently typing in a conversation
func (p *PresenceStore) GetTypingUsers(ctx context.Context, conversationID string) ([]string, error) {
	key := typingKeyPrefix + conversationID
	min := fmt.Sprintf("(%d", p.now().UnixMilli())
	return p.client.ZRangeByScore(ctx, key, &goredis.ZRangeBy{Min: min, Max: "+inf"}).Result()
}
