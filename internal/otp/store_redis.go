package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "otp:codes"
	redisSequenceKey = "otp:seq"
	maxCodesPerPair  = 10
)

var errMissingRedisClient = errors.New("otp: redis client is required")

// redisClient is the part of go-redis used by RedisStore.
type redisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	PExpireAt(ctx context.Context, key string, tm time.Time) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps one list per (user, phone), newest first. The key expires with its newest code,
// so Redis evicts abandoned pairs without a sweep.
type RedisStore struct {
	client redisClient
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client redisClient) (*RedisStore, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	return &RedisStore{client: client}, nil
}

// Save pushes the code onto the pair's list.
func (s *RedisStore) Save(ctx context.Context, code Code) (Code, error) {
	id, err := s.client.Incr(ctx, redisSequenceKey).Result()
	if err != nil {
		return Code{}, fmt.Errorf("otp: allocate id: %w", err)
	}
	code.ID = id

	payload, err := json.Marshal(code)
	if err != nil {
		return Code{}, fmt.Errorf("otp: marshal code: %w", err)
	}

	key := pairRedisKey(code.UserID, code.Phone)
	if err := s.client.LPush(ctx, key, payload).Err(); err != nil {
		return Code{}, fmt.Errorf("otp: lpush code: %w", err)
	}
	if err := s.client.LTrim(ctx, key, 0, maxCodesPerPair-1).Err(); err != nil {
		return Code{}, fmt.Errorf("otp: ltrim codes: %w", err)
	}
	if err := s.client.PExpireAt(ctx, key, code.ExpiresAt).Err(); err != nil {
		return Code{}, fmt.Errorf("otp: expire codes: %w", err)
	}
	return code, nil
}

// Latest scans the pair's list newest first for a live code.
func (s *RedisStore) Latest(ctx context.Context, userID int64, phone string, now time.Time) (Code, error) {
	payloads, err := s.client.LRange(ctx, pairRedisKey(userID, phone), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Code{}, fmt.Errorf("otp: lrange codes: %w", err)
	}
	for _, payload := range payloads {
		var code Code
		if err := json.Unmarshal([]byte(payload), &code); err != nil {
			continue
		}
		if !code.Expired(now) {
			return code, nil
		}
	}
	return Code{}, ErrCodeNotFound
}

// Claim removes the pair's list. DEL is atomic, so only one concurrent claim sees the key.
func (s *RedisStore) Claim(ctx context.Context, code Code) (bool, error) {
	removed, err := s.client.Del(ctx, pairRedisKey(code.UserID, code.Phone)).Result()
	if err != nil {
		return false, fmt.Errorf("otp: claim codes: %w", err)
	}
	return removed > 0, nil
}

// Prune is a no-op; key expiry evicts codes.
func (s *RedisStore) Prune(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func pairRedisKey(userID int64, phone string) string {
	return fmt.Sprintf("%s:%d:%s", redisKeyPrefix, userID, phone)
}
