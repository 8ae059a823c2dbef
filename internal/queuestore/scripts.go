// Copyright 2025 James Ross
package queuestore

import "github.com/redis/go-redis/v9"

// consumeScript implements the atomic token-bucket check. Tokens are stored
// fractional; refill is continuous at refill_rate tokens/sec, capped at
// capacity. Two concurrent callers can never overspend because the whole
// check-and-consume runs as one script.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local requested = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_rate = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill_ts')
local tokens = tonumber(bucket[1])
if tokens == nil then tokens = capacity end
local last = tonumber(bucket[2])
if last == nil then last = now_ms end

local elapsed = now_ms - last
if elapsed < 0 then elapsed = 0 end
tokens = math.min(capacity, tokens + elapsed * refill_rate / 1000)

local allowed = 0
if tokens >= requested then
	tokens = tokens - requested
	allowed = 1
end
redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill_ts', tostring(now_ms))

local retry_ms = -1
if allowed == 0 and refill_rate > 0 then
	retry_ms = math.ceil((requested - tokens) * 1000 / refill_rate)
end
return {allowed, tostring(tokens), retry_ms}
`)

// promoteScript atomically moves due parked jobs onto their ready streams.
// The parked member is the serialized job; its priority field picks the
// destination stream.
var promoteScript = redis.NewScript(`
local parked = KEYS[1]
local now_ms = ARGV[1]
local limit = tonumber(ARGV[2])
local prefix = ARGV[3]

local due = redis.call('ZRANGEBYSCORE', parked, '-inf', now_ms, 'LIMIT', 0, limit)
local moved = 0
for _, payload in ipairs(due) do
	local prio = 'medium'
	local ok, job = pcall(cjson.decode, payload)
	if ok and type(job) == 'table' and job.priority then prio = job.priority end
	redis.call('XADD', prefix .. prio, '*', 'job', payload)
	redis.call('ZREM', parked, payload)
	moved = moved + 1
end
return moved
`)

// renewLeaseScript extends the lease only while the caller still holds it.
var renewLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseLeaseScript deletes the lease only if the caller holds it.
var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
