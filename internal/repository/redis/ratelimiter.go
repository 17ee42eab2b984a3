package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/insider-one/notification-pipeline/internal/ratelimit"
)

// slidingWindowScript prunes, counts, conditionally inserts and refreshes the
// expiry of one window key in a single round trip. Scores are unix micros.
//
// KEYS[1] window key
// ARGV[1] now, ARGV[2] window start, ARGV[3] limit, ARGV[4] member, ARGV[5] ttl ms
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)
local admitted = 0
if count < limit then
	redis.call('ZADD', key, ARGV[1], ARGV[4])
	admitted = 1
end
if redis.call('EXISTS', key) == 1 then
	redis.call('PEXPIRE', key, ARGV[5])
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldest_score = '-1'
if oldest[2] then
	oldest_score = oldest[2]
end
return {admitted, count, oldest_score}
`)

// CounterStore implements ratelimit.Store over sorted sets.
type CounterStore struct {
	client *Client
}

func NewCounterStore(client *Client) *CounterStore {
	return &CounterStore{client: client}
}

func (s *CounterStore) Admit(ctx context.Context, key string, now, windowStart time.Time, limit int, member string, ttl time.Duration) (ratelimit.WindowState, error) {
	res, err := slidingWindowScript.Run(ctx, s.client.client, []string{key},
		now.UnixMicro(),
		windowStart.UnixMicro(),
		limit,
		member,
		ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return ratelimit.WindowState{}, fmt.Errorf("failed to run sliding window script: %w", err)
	}
	if len(res) != 3 {
		return ratelimit.WindowState{}, fmt.Errorf("unexpected sliding window reply: %v", res)
	}

	admitted, _ := res[0].(int64)
	count, _ := res[1].(int64)
	oldest, err := parseScore(res[2])
	if err != nil {
		return ratelimit.WindowState{}, err
	}

	return ratelimit.WindowState{
		Admitted: admitted == 1,
		Count:    int(count),
		Oldest:   oldest,
	}, nil
}

func (s *CounterStore) Peek(ctx context.Context, key string, windowStart time.Time) (ratelimit.WindowState, error) {
	pipe := s.client.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart.UnixMicro(), 10))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return ratelimit.WindowState{}, fmt.Errorf("failed to peek rate limit window: %w", err)
	}

	state := ratelimit.WindowState{Count: int(countCmd.Val())}
	if z := oldestCmd.Val(); len(z) > 0 {
		state.Oldest = time.UnixMicro(int64(z[0].Score)).UTC()
	}
	return state, nil
}

func (s *CounterStore) Reset(ctx context.Context, key string) error {
	if err := s.client.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit window: %w", err)
	}
	return nil
}

// parseScore reads a sorted set score reply. "-1" means the set is empty.
func parseScore(v interface{}) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected score type %T", v)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse score %q: %w", s, err)
	}
	if f < 0 {
		return time.Time{}, nil
	}
	return time.UnixMicro(int64(f)).UTC(), nil
}
