package queue

import r "github.com/redis/go-redis/v9"

// Every script receives its keys and a job key prefix so nothing is built from
// hidden state inside Lua. All arguments are passed as strings.

// promoteDue moves due delayed jobs into the waiting set.
// Expects: delayKey, waitKey, seqKey, now, batch, prefix in scope.
const promoteDue = `
local due = redis.call('ZRANGEBYSCORE', delayKey, '-inf', now, 'LIMIT', '0', batch)
local promoted = 0
for _, id in ipairs(due) do
  redis.call('ZREM', delayKey, id)
  local jk = prefix .. id
  local pr = redis.call('HGET', jk, 'priority')
  if pr then
    local seq = redis.call('INCR', seqKey)
    redis.call('ZADD', waitKey, pr .. string.format('%012d', seq), id)
    redis.call('HSET', jk, 'status', 'waiting', 'updated_at', now)
    promoted = promoted + 1
  end
end
`

// KEYS: job, wait, delay, seq
// ARGV: id, queue, payload, priority, max_attempts, initial_ms, multiplier, max_ms, now, run_at
var enqueueScript = r.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local status = 'waiting'
if tonumber(ARGV[10]) > tonumber(ARGV[9]) then
  status = 'delayed'
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'queue', ARGV[2], 'payload', ARGV[3], 'priority', ARGV[4],
  'attempts', '0', 'max_attempts', ARGV[5],
  'backoff_initial_ms', ARGV[6], 'backoff_multiplier', ARGV[7], 'backoff_max_ms', ARGV[8],
  'status', status, 'progress', '0',
  'created_at', ARGV[9], 'next_run_at', ARGV[10], 'updated_at', ARGV[9])
if status == 'delayed' then
  redis.call('ZADD', KEYS[3], ARGV[10], ARGV[1])
else
  local seq = redis.call('INCR', KEYS[4])
  redis.call('ZADD', KEYS[2], ARGV[4] .. string.format('%012d', seq), ARGV[1])
end
return 1
`)

// KEYS: wait, delay, active, governor, seq
// ARGV: now, lease_until, concurrency, rate_max, window_start, batch, prefix
//
// Reply: {1, id} claimed, {0, ''} empty, {2, ''} concurrency full,
// {3, oldest_ms} throttled by the governor.
var claimScript = r.NewScript(`
local waitKey, delayKey, seqKey = KEYS[1], KEYS[2], KEYS[5]
local now, batch, prefix = ARGV[1], ARGV[6], ARGV[7]
` + promoteDue + `
local conc = tonumber(ARGV[3])
if conc > 0 and redis.call('ZCARD', KEYS[3]) >= conc then
  return {2, ''}
end
local rmax = tonumber(ARGV[4])
if rmax > 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[4], '-inf', ARGV[5])
  if redis.call('ZCARD', KEYS[4]) >= rmax then
    local oldest = redis.call('ZRANGE', KEYS[4], '0', '0', 'WITHSCORES')
    return {3, oldest[2]}
  end
end
local head = redis.call('ZRANGE', waitKey, '0', '0')
if #head == 0 then
  return {0, ''}
end
local id = head[1]
redis.call('ZREM', waitKey, id)
local jk = prefix .. id
if redis.call('EXISTS', jk) == 0 then
  return {0, ''}
end
redis.call('ZADD', KEYS[3], ARGV[2], id)
if rmax > 0 then
  redis.call('ZADD', KEYS[4], now, id .. ':' .. now)
end
redis.call('HINCRBY', jk, 'attempts', '1')
redis.call('HSET', jk, 'status', 'active', 'updated_at', now, 'lease_until', ARGV[2])
return {1, id}
`)

// KEYS: wait, delay, seq
// ARGV: now, batch, prefix
var promoteScript = r.NewScript(`
local waitKey, delayKey, seqKey = KEYS[1], KEYS[2], KEYS[3]
local now, batch, prefix = ARGV[1], ARGV[2], ARGV[3]
` + promoteDue + `
return promoted
`)

// KEYS: job, active, done
// ARGV: id, now, result, retention_s
var completeScript = r.NewScript(`
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'completed', 'progress', '100', 'result', ARGV[3],
  'error', '', 'updated_at', ARGV[2], 'finished_at', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return 1
`)

// KEYS: job, active, delay, done
// ARGV: id, now, error, retry, next_run_at, retention_s
//
// Reply: 0 not active, 1 rescheduled, 2 terminal.
var failScript = r.NewScript(`
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
  return 0
end
if ARGV[4] == '1' then
  redis.call('HSET', KEYS[1], 'status', 'delayed', 'error', ARGV[3],
    'next_run_at', ARGV[5], 'updated_at', ARGV[2])
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
  return 1
end
redis.call('HSET', KEYS[1], 'status', 'failed', 'error', ARGV[3],
  'updated_at', ARGV[2], 'finished_at', ARGV[2])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[6])
return 2
`)

// KEYS: job
// ARGV: progress, now
var progressScript = r.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'active' then
  return 0
end
redis.call('HSET', KEYS[1], 'progress', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

// KEYS: active, wait, seq, done
// ARGV: now, batch, prefix, retention_s
//
// Reply: {requeued, failed_id...}
var reapScript = r.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
local requeued, failed = 0, {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[3] .. id
  local v = redis.call('HMGET', jk, 'attempts', 'max_attempts', 'priority')
  if v[1] then
    if tonumber(v[1]) >= tonumber(v[2]) then
      redis.call('HSET', jk, 'status', 'failed', 'error', 'lease expired',
        'updated_at', ARGV[1], 'finished_at', ARGV[1])
      redis.call('ZADD', KEYS[4], ARGV[1], id)
      redis.call('EXPIRE', jk, ARGV[4])
      table.insert(failed, id)
    else
      local seq = redis.call('INCR', KEYS[3])
      redis.call('ZADD', KEYS[2], v[3] .. string.format('%012d', seq), id)
      redis.call('HSET', jk, 'status', 'waiting', 'error', 'lease expired', 'updated_at', ARGV[1])
      requeued = requeued + 1
    end
  end
end
local reply = {tostring(requeued)}
for _, id in ipairs(failed) do
  table.insert(reply, id)
end
return reply
`)
