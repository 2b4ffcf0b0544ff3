package redis

import "github.com/redis/go-redis/v9"

const (
	// openLedgerScript creates a day ledger stamped with the current score if it
	// does not exist yet, and points the current ledger at it
	openLedgerScript = `
local ledger_key = KEYS[1]    -- quiztime:ledger:{date}
local current_key = KEYS[2]   -- quiztime:ledger:current
local index_key = KEYS[3]     -- quiztime:ledgers
local score_key = KEYS[4]     -- quiztime:score

local date_key = ARGV[1]
local opened_at = ARGV[2]

if redis.call('EXISTS', ledger_key) == 0 then
  local score = redis.call('GET', score_key)
  if not score then
    score = '0'
  end
  redis.call('HSET', ledger_key,
    'date_key', date_key,
    'start_of_day_score', score,
    'settled', '0',
    'applied_delta', '0',
    'opened_at', opened_at
  )
  redis.call('SADD', index_key, date_key)
end

redis.call('SET', current_key, date_key)
return 'OK'
`

	// settleLedgerScript applies a carryover delta exactly once: it adjusts the
	// score, marks the previous ledger settled and opens the next one with the
	// post-adjustment score. Returns {status, score}.
	settleLedgerScript = `
local prev_key = KEYS[1]      -- quiztime:ledger:{prevDate}
local next_key = KEYS[2]      -- quiztime:ledger:{nextDate}
local current_key = KEYS[3]   -- quiztime:ledger:current
local index_key = KEYS[4]     -- quiztime:ledgers
local score_key = KEYS[5]     -- quiztime:score

local delta = ARGV[1]
local settled_at = ARGV[2]
local next_date = ARGV[3]
local opened_at = ARGV[4]

if redis.call('EXISTS', prev_key) == 0 then
  return {'not_found', 0}
end
if redis.call('HGET', prev_key, 'settled') == '1' then
  return {'already_settled', 0}
end

local score = redis.call('INCRBY', score_key, delta)
redis.call('HSET', prev_key,
  'settled', '1',
  'applied_delta', delta,
  'settled_at', settled_at
)

if redis.call('EXISTS', next_key) == 0 then
  redis.call('HSET', next_key,
    'date_key', next_date,
    'start_of_day_score', score,
    'settled', '0',
    'applied_delta', '0',
    'opened_at', opened_at
  )
  redis.call('SADD', index_key, next_date)
end

redis.call('SET', current_key, next_date)
return {'ok', score}
`

	// reserveCreditScript records a pending credit unless the source already exists
	reserveCreditScript = `
local credit_key = KEYS[1]    -- quiztime:credit:{sourceID}
local pending_key = KEYS[2]   -- quiztime:credits:pending

local source_id = ARGV[1]
local seconds = ARGV[2]
local created_at = ARGV[3]

if redis.call('EXISTS', credit_key) == 1 then
  return 0
end

redis.call('HSET', credit_key,
  'source_id', source_id,
  'seconds', seconds,
  'status', 'pending',
  'attempts', '0',
  'last_error', '',
  'created_at', created_at
)
redis.call('SADD', pending_key, source_id)
return 1
`

	// markAppliedScript moves a credit from the pending set to the applied index
	markAppliedScript = `
local credit_key = KEYS[1]    -- quiztime:credit:{sourceID}
local pending_key = KEYS[2]   -- quiztime:credits:pending
local applied_key = KEYS[3]   -- quiztime:credits:applied

local source_id = ARGV[1]
local applied_at = ARGV[2]
local applied_unix = ARGV[3]

if redis.call('EXISTS', credit_key) == 0 then
  return 0
end

redis.call('HSET', credit_key,
  'status', 'applied',
  'applied_at', applied_at,
  'last_error', ''
)
redis.call('SREM', pending_key, source_id)
redis.call('ZADD', applied_key, applied_unix, source_id)
return 1
`

	// recordFailureScript bumps the attempt counter of an existing credit
	recordFailureScript = `
local credit_key = KEYS[1]    -- quiztime:credit:{sourceID}

if redis.call('EXISTS', credit_key) == 0 then
  return 0
end

redis.call('HINCRBY', credit_key, 'attempts', 1)
redis.call('HSET', credit_key, 'last_error', ARGV[1])
return 1
`

	// incrementDailyUsageScript atomically increments or creates daily usage
	incrementDailyUsageScript = `
local usage_key = KEYS[1]     -- quiztime:usage:daily:{date}
local index_key = KEYS[2]     -- quiztime:usage:daily:index

local date = ARGV[1]
local used = tonumber(ARGV[2])
local credited = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

if redis.call('EXISTS', usage_key) == 0 then
  redis.call('HSET', usage_key,
    'date', date,
    'used_seconds', 0,
    'credited_seconds', 0
  )
  redis.call('SADD', index_key, date)
end

redis.call('HINCRBY', usage_key, 'used_seconds', used)
redis.call('HINCRBY', usage_key, 'credited_seconds', credited)

if ttl_seconds > 0 then
  redis.call('EXPIRE', usage_key, ttl_seconds)
end

return 'OK'
`
)

var (
	openLedger          = redis.NewScript(openLedgerScript)
	settleLedger        = redis.NewScript(settleLedgerScript)
	reserveCredit       = redis.NewScript(reserveCreditScript)
	markApplied         = redis.NewScript(markAppliedScript)
	recordFailure       = redis.NewScript(recordFailureScript)
	incrementDailyUsage = redis.NewScript(incrementDailyUsageScript)
)
