package queue

import "github.com/redis/go-redis/v9"

// Waiting scores are tier*tierSpan + seq, so lower tiers always sort first and
// arrival order breaks ties inside a tier.
const tierSpan = `1000000000000`

// trimLua keeps the newest `keep` members of the terminal set `set` and deletes
// the job hashes of everything older. keep < 0 disables trimming.
const trimLua = `
local function trim(set, keep, prefix)
  if keep < 0 then return end
  local excess = redis.call('ZCARD', set) - keep
  if excess <= 0 then return end
  local old = redis.call('ZRANGE', set, 0, excess - 1)
  for _, oid in ipairs(old) do
    redis.call('DEL', prefix .. oid)
  end
  redis.call('ZREMRANGEBYRANK', set, 0, excess - 1)
end
`

// KEYS: job hash, waiting, seq. ARGV: id, payload, priority, max attempts, now ms.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {0, redis.call('HGET', KEYS[1], 'state') or ''}
end
local seq = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1],
  'payload', ARGV[2],
  'priority', ARGV[3],
  'state', 'waiting',
  'attempts', 0,
  'max_attempts', ARGV[4],
  'progress', 0,
  'stalls', 0,
  'created_at', ARGV[5])
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]) * ` + tierSpan + ` + seq, ARGV[1])
return {1, 'waiting'}
`)

// holdsLua reports whether lease is the current claim on an active job.
const holdsLua = `
local function holds(active, hash, id, lease)
  if redis.call('HGET', hash, 'lease') ~= lease then return false end
  return redis.call('ZSCORE', active, id) ~= false
end
`

// KEYS: waiting, active. ARGV: lease deadline ms, job key prefix, lease token.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then return false end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('HSET', ARGV[2] .. id, 'state', 'active', 'lease', ARGV[3])
return id
`)

// KEYS: active, job hash. ARGV: id, new deadline ms, lease token.
var extendScript = redis.NewScript(holdsLua + `
if not holds(KEYS[1], KEYS[2], ARGV[1], ARGV[3]) then return 0 end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// KEYS: active, job hash. ARGV: id, lease token.
var checkLeaseScript = redis.NewScript(holdsLua + `
if holds(KEYS[1], KEYS[2], ARGV[1], ARGV[2]) then return 1 end
return 0
`)

// KEYS: hash. ARGV: field, value.
var setIfExistsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  return 1
end
return 0
`)

// KEYS: active, completed, job hash. ARGV: id, now ms, keep, job key prefix, lease token.
var completeScript = redis.NewScript(trimLua + holdsLua + `
if not holds(KEYS[1], KEYS[3], ARGV[1], ARGV[5]) then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'completed', 'finished_at', ARGV[2])
redis.call('HDEL', KEYS[3], 'lease')
trim(KEYS[2], tonumber(ARGV[3]), ARGV[4])
return 1
`)

// KEYS: active, waiting, delayed, failed, job hash, seq.
// ARGV: id, now ms, reason, due ms (0 = immediate), keep, job key prefix, lease token.
// Reply: {outcome, attempts, max} with outcome -1 lease lost, 0 exhausted, 1 retrying.
var failScript = redis.NewScript(trimLua + holdsLua + `
if not holds(KEYS[1], KEYS[5], ARGV[1], ARGV[7]) then return {-1, 0, 0} end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[5], 'lease')
local attempts = redis.call('HINCRBY', KEYS[5], 'attempts', 1)
local max = tonumber(redis.call('HGET', KEYS[5], 'max_attempts')) or 1
redis.call('HSET', KEYS[5], 'last_error', ARGV[3])
if attempts >= max then
  redis.call('HSET', KEYS[5], 'state', 'failed', 'finished_at', ARGV[2])
  redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
  trim(KEYS[4], tonumber(ARGV[5]), ARGV[6])
  return {0, attempts, max}
end
local due = tonumber(ARGV[4])
if due > 0 then
  redis.call('HSET', KEYS[5], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], due, ARGV[1])
else
  local seq = redis.call('INCR', KEYS[6])
  local priority = tonumber(redis.call('HGET', KEYS[5], 'priority')) or 3
  redis.call('HSET', KEYS[5], 'state', 'waiting')
  redis.call('ZADD', KEYS[2], priority * ` + tierSpan + ` + seq, ARGV[1])
end
return {1, attempts, max}
`)

// KEYS: delayed, waiting, seq. ARGV: now ms, limit, job key prefix.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local seq = redis.call('INCR', KEYS[3])
  local priority = tonumber(redis.call('HGET', ARGV[3] .. id, 'priority')) or 3
  redis.call('HSET', ARGV[3] .. id, 'state', 'waiting')
  redis.call('ZADD', KEYS[2], priority * ` + tierSpan + ` + seq, id)
end
return #ids
`)

// KEYS: active, waiting, seq, failed.
// ARGV: now ms, limit, job key prefix, max stalls (negative = unlimited), keep failed, reason.
// Reply: {requeued ids, {id, payload, attempts, ...} of jobs failed for stalling}.
var requeueScript = redis.NewScript(trimLua + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local maxStalls = tonumber(ARGV[4])
local moved, dead = {}, {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('HDEL', key, 'lease')
    local stalls = redis.call('HINCRBY', key, 'stalls', 1)
    if maxStalls >= 0 and stalls > maxStalls then
      redis.call('HSET', key, 'state', 'failed', 'finished_at', ARGV[1], 'last_error', ARGV[6])
      redis.call('ZADD', KEYS[4], ARGV[1], id)
      table.insert(dead, id)
      table.insert(dead, redis.call('HGET', key, 'payload') or '')
      table.insert(dead, redis.call('HGET', key, 'attempts') or '0')
    else
      local seq = redis.call('INCR', KEYS[3])
      local priority = tonumber(redis.call('HGET', key, 'priority')) or 3
      redis.call('HSET', key, 'state', 'waiting')
      redis.call('ZADD', KEYS[2], priority * ` + tierSpan + ` + seq, id)
      table.insert(moved, id)
    end
  end
end
if #dead > 0 then trim(KEYS[4], tonumber(ARGV[5]), ARGV[3]) end
return {moved, dead}
`)
