package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Rate limiting key pattern: ratelimit:{subject}:{action}, TTL = window.

type Action string

const (
	ActionMessage Action = "messages"
	ActionCall    Action = "calls"
	ActionToken   Action = "tokens"
)

type Limit struct {
	Max    int
	Window time.Duration
}

// RateLimitConfig contains the limit for each action
type RateLimitConfig map[Action]Limit

// DefaultRateLimitConfig returns sensible defaults
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		ActionMessage: {Max: 60, Window: time.Minute},
		ActionCall:    {Max: 10, Window: time.Minute},
		ActionToken:   {Max: 30, Window: time.Minute},
	}
}

// RateLimiter handles rate limiting using Redis
type RateLimiter struct {
	client *goredis.Client
	config RateLimitConfig
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
	Limit     int
}

func NewRateLimiter(client *goredis.Client, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{client: client, config: config}
}

// fixed window counter, atomic increment and check
var limitScript = goredis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = tonumber(redis.call('GET', key) or '0')
	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end

	if current < limit then
		redis.call('INCR', key)
		if current == 0 then
			redis.call('EXPIRE', key, window)
		end
		return {1, limit - current - 1, ttl}
	end
	return {0, 0, ttl}
`)

func rateKey(subject string, action Action) string {
	return fmt.Sprintf("ratelimit:%s:%s", subject, action)
}

// Allow consumes one unit of action for subject. Actions without a configured
// limit are always allowed.
func (r *RateLimiter) Allow(ctx context.Context, subject string, action Action) (*RateLimitResult, error) {
	limit, ok := r.config[action]
	if !ok || limit.Max <= 0 {
		return &RateLimitResult{Allowed: true, Remaining: -1}, nil
	}

	result, err := limitScript.Run(ctx, r.client, []string{rateKey(subject, action)}, limit.Max, int(limit.Window.Seconds())).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 3 {
		return nil, fmt.Errorf("unexpected rate limit result format")
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	ttl, _ := values[2].(int64)

	return &RateLimitResult{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetIn:   time.Duration(ttl) * time.Second,
		Limit:     limit.Max,
	}, nil
}

// Reset clears every counter for subject.
func (r *RateLimiter) Reset(ctx context.Context, subject string) error {
	keys := make([]string, 0, len(r.config))
	for action := range r.config {
		keys = append(keys, rateKey(subject, action))
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}
