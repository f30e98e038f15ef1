package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KEYS: one window per check
// ARGV: now, member, record_denied, then window_ms and max per key
//
// Every window is trimmed and counted before any is written, so a request
// denied by one dimension is not recorded in the other unless denials are
// recorded.
//
// Reply per key: {allowed, count, oldest_ms, reopen_ms}. reopen_ms is the
// entry whose expiry brings the count back under max.
var slidingWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local counts, allowed, all = {}, {}, true
for i = 1, #KEYS do
  local w, max = tonumber(ARGV[2 + i * 2]), tonumber(ARGV[3 + i * 2])
  redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', now - w)
  counts[i] = redis.call('ZCARD', KEYS[i])
  if counts[i] < max then
    allowed[i] = 1
  else
    allowed[i] = 0
    all = false
  end
end
local reply = {}
for i = 1, #KEYS do
  local w, max = tonumber(ARGV[2 + i * 2]), tonumber(ARGV[3 + i * 2])
  if all or ARGV[3] == '1' then
    redis.call('ZADD', KEYS[i], now, ARGV[2])
    counts[i] = counts[i] + 1
  end
  redis.call('PEXPIRE', KEYS[i], w)
  local first = ARGV[1]
  local oldest = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
  if #oldest > 0 then
    first = oldest[2]
  end
  local reopen = first
  if counts[i] >= max then
    local e = redis.call('ZRANGE', KEYS[i], counts[i] - max, counts[i] - max, 'WITHSCORES')
    if #e > 0 then
      reopen = e[2]
    end
  end
  table.insert(reply, allowed[i])
  table.insert(reply, counts[i])
  table.insert(reply, first)
  table.insert(reply, reopen)
end
return reply
`)

// RedisStore keeps one sorted set of request timestamps per key. The key TTL
// equals the window so idle keys expire on their own.
type RedisStore struct {
	rdb redis.Scripter
	now func() time.Time
}

func NewRedisStore(rdb redis.Scripter) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func (s *RedisStore) Hit(ctx context.Context, checks []Check, recordDenied bool) ([]Hit, error) {
	if len(checks) == 0 {
		return nil, nil
	}
	now := s.now()
	rec := "0"
	if recordDenied {
		rec = "1"
	}
	keys := make([]string, len(checks))
	args := []any{
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString(),
		rec,
	}
	for i, c := range checks {
		keys[i] = c.Key
		args = append(args, strconv.FormatInt(c.Window.Window.Milliseconds(), 10), strconv.Itoa(c.Window.MaxRequests))
	}
	res, err := slidingWindow.Run(ctx, s.rdb, keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", keys[0], err)
	}
	if len(res) != 4*len(checks) {
		return nil, fmt.Errorf("rate limit %s: unexpected reply %v", keys[0], res)
	}
	hits := make([]Hit, len(checks))
	for i, c := range checks {
		r := res[4*i : 4*i+4]
		allowed, _ := r[0].(int64)
		count, _ := r[1].(int64)
		oldest, err := score(r[2])
		if err != nil {
			return nil, fmt.Errorf("rate limit %s: %w", c.Key, err)
		}
		reopen, err := score(r[3])
		if err != nil {
			return nil, fmt.Errorf("rate limit %s: %w", c.Key, err)
		}
		hits[i] = Hit{
			Allowed: allowed == 1,
			Count:   int(count),
			ResetAt: oldest.Add(c.Window.Window),
			RetryAt: reopen.Add(c.Window.Window),
		}
	}
	return hits, nil
}

func score(v any) (time.Time, error) {
	s, _ := v.(string)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("score %v: %w", v, err)
	}
	return time.UnixMilli(int64(f)), nil
}
