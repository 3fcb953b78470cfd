package queue

import "github.com/redis/go-redis/v9"

// Job hashes live at <prefix>job:<id>. Waiting members are "<seq>:<id>" with
// the sequence zero-padded to 20 digits, so equal priorities pop in
// submission order and the id starts at offset 22.

// KEYS: wait, delayed, active
// ARGV: now ms, lease deadline ms, token, job key prefix
var reserveScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  local key = ARGV[4] .. id
  redis.call('ZREM', KEYS[2], id)
  local vals = redis.call('HMGET', key, 'priority', 'member')
  if vals[1] and vals[2] then
    redis.call('ZADD', KEYS[1], vals[1], vals[2])
    redis.call('HSET', key, 'state', 'waiting')
  end
end
while true do
  local popped = redis.call('ZPOPMIN', KEYS[1])
  if #popped == 0 then
    return false
  end
  local id = string.sub(popped[1], 22)
  local key = ARGV[4] .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('HSET', key, 'state', 'active', 'token', ARGV[3], 'startedAt', ARGV[1])
    redis.call('ZADD', KEYS[3], ARGV[2], id)
    return redis.call('HGETALL', key)
  end
end
`)

// KEYS: active, job key
// ARGV: id, token, lease deadline ms
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
return 1
`)

// KEYS: active, job key
// ARGV: id, token, remove (1/0), now ms
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
if ARGV[3] == '1' then
  redis.call('DEL', KEYS[2])
else
  redis.call('HDEL', KEYS[2], 'token')
  redis.call('HSET', KEYS[2], 'state', 'completed', 'finishedAt', ARGV[4])
end
return 1
`)

// KEYS: active, delayed, failed, job key
// ARGV: id, token, now ms, reason, retry-at ms (-1 = exhausted), stalled-before ms (0 = any)
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], 'token') ~= ARGV[2] then
  return -1
end
if tonumber(ARGV[6]) > 0 then
  local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
  if not score or tonumber(score) > tonumber(ARGV[6]) then
    return -1
  end
end
local attempts = redis.call('HINCRBY', KEYS[4], 'attempts', 1)
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[4], 'token')
redis.call('HSET', KEYS[4], 'failedReason', ARGV[4])
if tonumber(ARGV[5]) >= 0 then
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
  redis.call('HSET', KEYS[4], 'state', 'delayed')
else
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
  redis.call('HSET', KEYS[4], 'state', 'failed', 'finishedAt', ARGV[3])
end
return attempts
`)
