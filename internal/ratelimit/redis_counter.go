package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// consumeScript checks every window before incrementing any of them.
// KEYS are window keys; ARGV[1] is n, then one limit and one ttl (ms) per key.
var consumeScript = goredis.NewScript(`
local n = tonumber(ARGV[1])
local count = #KEYS
for i, key in ipairs(KEYS) do
	local used = tonumber(redis.call('GET', key) or '0')
	if used + n > tonumber(ARGV[1 + i]) then
		return i
	end
end
for i, key in ipairs(KEYS) do
	redis.call('INCRBY', key, n)
	redis.call('PEXPIRE', key, tonumber(ARGV[1 + count + i]))
end
return 0
`)

// RedisCounter shares window usage between processes through Redis.
type RedisCounter struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedisCounter creates a counter whose keys start with prefix.
func NewRedisCounter(client goredis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) key(w Window, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d", c.prefix, w.Name, w.Start(now).Unix())
}

// ttl keeps a key slightly past its window so late readers still see it.
func ttl(w Window, now time.Time) time.Duration {
	return w.ResetAt(now).Sub(now) + time.Second
}

func (c *RedisCounter) Consume(ctx context.Context, windows []Window, n int, now time.Time) (bool, int, error) {
	if len(windows) == 0 {
		return true, -1, nil
	}

	keys := make([]string, len(windows))
	args := make([]any, 0, 1+2*len(windows))
	args = append(args, n)
	for i, w := range windows {
		keys[i] = c.key(w, now)
		args = append(args, w.Limit)
	}
	for _, w := range windows {
		args = append(args, ttl(w, now).Milliseconds())
	}

	blocked, err := consumeScript.Run(ctx, c.client, keys, args...).Int()
	if err != nil {
		return false, -1, fmt.Errorf("failed to consume rate limit: %w", err)
	}
	if blocked > 0 {
		return false, blocked - 1, nil
	}
	return true, -1, nil
}

func (c *RedisCounter) Add(ctx context.Context, windows []Window, n int, now time.Time) error {
	_, err := c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, w := range windows {
			key := c.key(w, now)
			pipe.IncrBy(ctx, key, int64(n))
			pipe.PExpire(ctx, key, ttl(w, now))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record rate limit usage: %w", err)
	}
	return nil
}

func (c *RedisCounter) Peek(ctx context.Context, windows []Window, now time.Time) ([]int, error) {
	used := make([]int, len(windows))
	if len(windows) == 0 {
		return used, nil
	}

	keys := make([]string, len(windows))
	for i, w := range windows {
		keys[i] = c.key(w, now)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit usage: %w", err)
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if used[i], err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("invalid rate limit counter %s: %w", keys[i], err)
		}
	}
	return used, nil
}
