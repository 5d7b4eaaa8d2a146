package redisq

import "github.com/redis/go-redis/v9"

// enqueueScript creates a queued job unless one is already queued, active or
// failed under the same id. A completed record is replaced.
//
// KEYS: job, queue:ready
// ARGV: id, spec, attempts_allowed, now_ms
var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'queued' or state == 'active' or state == 'failed' then
  return {0, state}
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'spec', ARGV[2], 'state', 'queued',
  'attempts_made', 0, 'attempts_allowed', ARGV[3],
  'progress', 0, 'created_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return {1, 'queued'}
`)

// claimScript pops ready ids until one is still queued and hands it to the worker.
// Ids whose record moved on (retried, purged, expired) are dropped.
//
// KEYS: queue:ready, running:<worker>
// ARGV: worker_id, now_ms, job key prefix
var claimScript = redis.NewScript(`
while true do
  local popped = redis.call('ZPOPMIN', KEYS[1])
  if #popped == 0 then
    return false
  end
  local id = popped[1]
  local key = ARGV[3] .. id
  if redis.call('HGET', key, 'state') == 'queued' then
    redis.call('HSET', key, 'state', 'active', 'worker_id', ARGV[1], 'started_at', ARGV[2], 'progress', 0)
    redis.call('HDEL', key, 'available_at')
    redis.call('HSET', KEYS[2], id, ARGV[2])
    return id
  end
end
`)

// completeScript marks an owned active job completed.
//
// KEYS: job, running:<worker>
// ARGV: worker_id, id, artifact_ref, cached(0|1), now_ms, retention_ms
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[1] then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'attempts_made', 1)
redis.call('HSET', KEYS[1], 'state', 'completed', 'result_ref', ARGV[3], 'result_cached', ARGV[4],
  'finished_at', ARGV[5], 'progress', 100)
redis.call('HDEL', KEYS[1], 'error', 'worker_id')
redis.call('HDEL', KEYS[2], ARGV[2])
local ttl = tonumber(ARGV[6])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
else
  redis.call('DEL', KEYS[1])
end
return 1
`)

// failScript records a failed attempt of an owned active job. Below the
// attempt ceiling the job goes back to queued behind a backoff delay;
// at the ceiling it becomes terminally failed.
//
// KEYS: job, running:<worker>, retry:scheduled, dlq:failed
// ARGV: worker_id, id, reason, now_ms, available_at_ms
// Returns {outcome, attempts_made}; outcome -1 not owner, 0 terminal, 1 retry scheduled.
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[1] then
  return {-1, 0}
end
local made = redis.call('HINCRBY', KEYS[1], 'attempts_made', 1)
local allowed = tonumber(redis.call('HGET', KEYS[1], 'attempts_allowed') or '1')
redis.call('HSET', KEYS[1], 'error', ARGV[3], 'finished_at', ARGV[4])
redis.call('HDEL', KEYS[1], 'worker_id')
redis.call('HDEL', KEYS[2], ARGV[2])
if made >= allowed then
  redis.call('HSET', KEYS[1], 'state', 'failed')
  redis.call('HDEL', KEYS[1], 'available_at')
  redis.call('ZADD', KEYS[4], ARGV[4], ARGV[2])
  return {0, made}
end
redis.call('HSET', KEYS[1], 'state', 'queued', 'available_at', ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[2])
return {1, made}
`)

// invalidScript fails a claimed job terminally without consuming the retry
// budget, for records whose payload cannot be decoded.
//
// KEYS: job, running:<worker>, dlq:failed
// ARGV: worker_id, id, reason, now_ms
var invalidScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'failed', 'error', ARGV[3], 'finished_at', ARGV[4])
redis.call('HDEL', KEYS[1], 'worker_id', 'available_at')
redis.call('HDEL', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
return 1
`)

// promoteScript moves retries whose backoff has elapsed onto the ready queue.
//
// KEYS: retry:scheduled, queue:ready
// ARGV: now_ms, limit, job key prefix
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local n = 0
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  if redis.call('HGET', ARGV[3] .. id, 'state') == 'queued' then
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    n = n + 1
  end
end
return n
`)

// retryScript re-submits a failed job with a fresh attempt budget. An absent
// record is re-created from the supplied spec.
//
// KEYS: job, queue:ready, dlq:failed, retry:scheduled
// ARGV: id, spec (may be empty), default_attempts_allowed, now_ms
// Returns {outcome, state}; outcome -1 not found, 0 wrong state, 1 queued.
var retryScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state and state ~= 'failed' then
  return {0, state}
end
local spec = ARGV[2]
local allowed = ARGV[3]
if state then
  if spec == '' then
    spec = redis.call('HGET', KEYS[1], 'spec')
  end
  allowed = redis.call('HGET', KEYS[1], 'attempts_allowed') or allowed
elseif spec == '' then
  return {-1, ''}
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'spec', spec, 'state', 'queued',
  'attempts_made', 0, 'attempts_allowed', allowed,
  'progress', 0, 'created_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return {1, 'queued'}
`)

// purgeScript deletes a failed job record.
//
// KEYS: job, dlq:failed
// ARGV: id
var purgeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state ~= 'failed' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// progressScript updates progress of an owned active job.
//
// KEYS: job
// ARGV: worker_id, progress
var progressScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'progress', ARGV[2])
return 1
`)

// recoverScript requeues the active jobs of a worker whose heartbeat expired.
// Recovery does not consume an attempt, but every recovery counts as a stall;
// a job that stalls more than max_stalls times is failed terminally so a job
// that keeps killing its worker is not redelivered forever.
//
// KEYS: running:<worker>, queue:ready, heartbeat:<worker>, dlq:failed
// ARGV: worker_id, now_ms, job key prefix, max_stalls, reason
// Returns {-1, 0} when the worker is still alive, otherwise {requeued, failed}.
var recoverScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return {-1, 0}
end
local ids = redis.call('HKEYS', KEYS[1])
local requeued, failed = 0, 0
for _, id in ipairs(ids) do
  local key = ARGV[3] .. id
  if redis.call('HGET', key, 'state') == 'active' and redis.call('HGET', key, 'worker_id') == ARGV[1] then
    local stalled = redis.call('HINCRBY', key, 'stalled', 1)
    redis.call('HDEL', key, 'worker_id', 'available_at')
    if stalled > tonumber(ARGV[4]) then
      redis.call('HSET', key, 'state', 'failed', 'error', ARGV[5], 'finished_at', ARGV[2])
      redis.call('ZADD', KEYS[4], ARGV[2], id)
      failed = failed + 1
    else
      redis.call('HSET', key, 'state', 'queued', 'progress', 0)
      redis.call('ZADD', KEYS[2], ARGV[2], id)
      requeued = requeued + 1
    end
  end
end
redis.call('DEL', KEYS[1])
return {requeued, failed}
`)
