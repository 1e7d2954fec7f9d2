package lock

import redis "github.com/redis/go-redis/v9"

// Script reply conventions: acquisition scripts return nil on success and the
// record's remaining PTTL on failure (negative when the record is missing,
// which waiters treat as "poll at the retry interval"). Release scripts
// return -1 for an ownership violation, 0 when the record is still held and
// 1 when it emptied and the caller must publish exactly one wake.

// acquireScript grants the exclusive lock when the record is absent, or
// increments the hold count when the caller already holds it.
var acquireScript = redis.NewScript(`
if (redis.call('exists', KEYS[1]) == 0) then
    redis.call('hset', KEYS[1], ARGV[2], 1)
    redis.call('pexpire', KEYS[1], ARGV[1])
    return nil
end
if (redis.call('hexists', KEYS[1], ARGV[2]) == 1) then
    redis.call('hincrby', KEYS[1], ARGV[2], 1)
    redis.call('pexpire', KEYS[1], ARGV[1])
    return nil
end
return redis.call('pttl', KEYS[1])
`)

// fairAcquireScript additionally maintains the FIFO waiter queue (KEYS[2])
// and the per-token deadline hash (KEYS[3]). The lock is granted only to the
// waiter at the head of the queue; a failed attempt enqueues the caller's
// token if absent and refreshes its deadline, so an actively waiting token
// never goes stale while tokens of dead waiters are purged from the head.
// ARGV: lease ms, holder, waiter token, now ms, token deadline ms.
var fairAcquireScript = redis.NewScript(`
while true do
    local head = redis.call('lindex', KEYS[2], 0)
    if (head == false) then
        break
    end
    local deadline = tonumber(redis.call('hget', KEYS[3], head))
    if (deadline ~= nil and deadline < tonumber(ARGV[4])) then
        redis.call('lrem', KEYS[2], 1, head)
        redis.call('hdel', KEYS[3], head)
    else
        break
    end
end
local head = redis.call('lindex', KEYS[2], 0)
if (redis.call('exists', KEYS[1]) == 0) and (head == false or head == ARGV[3]) then
    redis.call('lrem', KEYS[2], 1, ARGV[3])
    redis.call('hdel', KEYS[3], ARGV[3])
    redis.call('hset', KEYS[1], ARGV[2], 1)
    redis.call('pexpire', KEYS[1], ARGV[1])
    return nil
end
if (redis.call('hexists', KEYS[1], ARGV[2]) == 1) then
    redis.call('hincrby', KEYS[1], ARGV[2], 1)
    redis.call('pexpire', KEYS[1], ARGV[1])
    return nil
end
if (redis.call('hget', KEYS[3], ARGV[3]) == false) then
    redis.call('rpush', KEYS[2], ARGV[3])
end
redis.call('hset', KEYS[3], ARGV[3], ARGV[5])
redis.call('pexpire', KEYS[2], ARGV[1])
redis.call('pexpire', KEYS[3], ARGV[1])
return redis.call('pttl', KEYS[1])
`)

// removeWaiterScript withdraws a waiter token after a timeout or
// cancellation so it never blocks the waiters behind it.
var removeWaiterScript = redis.NewScript(`
redis.call('lrem', KEYS[1], 1, ARGV[1])
redis.call('hdel', KEYS[2], ARGV[1])
return nil
`)

var releaseScript = redis.NewScript(`
if (redis.call('hexists', KEYS[1], ARGV[1]) == 0) then
    return -1
end
local counter = redis.call('hincrby', KEYS[1], ARGV[1], -1)
if (counter > 0) then
    redis.call('pexpire', KEYS[1], ARGV[2])
    return 0
end
redis.call('del', KEYS[1])
return 1
`)

var forceUnlockScript = redis.NewScript(`
if (redis.call('del', KEYS[1]) == 1) then
    return 1
end
return 0
`)

// renewScript extends the lease only while the record still carries the
// caller's field, protecting against renewing a lock that expired and was
// reassigned or force unlocked.
var renewScript = redis.NewScript(`
if (redis.call('hexists', KEYS[1], ARGV[2]) == 1) then
    redis.call('pexpire', KEYS[1], ARGV[1])
    return 1
end
return 0
`)

// Read-write lock record: one hash with a 'mode' field plus per-holder
// counters ('r:<identity>' readers, 'w:<identity>' writer). Mode exclusivity
// is enforced here; upgrade and downgrade are not supported.

var readAcquireScript = redis.NewScript(`
local mode = redis.call('hget', KEYS[1], 'mode')
if (mode == false) then
    redis.call('hset', KEYS[1], 'mode', 'read')
    redis.call('hset', KEYS[1], 'r:' .. ARGV[2], 1)
    redis.call('pexpire', KEYS[1], ARGV[1])
    return nil
end
if (mode == 'read') then
    redis.call('hincrby', KEYS[1], 'r:' .. ARGV[2], 1)
    redis.call('pexpire', KEYS[1], ARGV[1])
    return nil
end
return redis.call('pttl', KEYS[1])
`)

var writeAcquireScript = redis.NewScript(`
local mode = redis.call('hget', KEYS[1], 'mode')
if (mode == false) then
    redis.call('hset', KEYS[1], 'mode', 'write')
    redis.call('hset', KEYS[1], 'w:' .. ARGV[2], 1)
    redis.call('pexpire', KEYS[1], ARGV[1])
    return nil
end
if (mode == 'write') and (redis.call('hexists', KEYS[1], 'w:' .. ARGV[2]) == 1) then
    redis.call('hincrby', KEYS[1], 'w:' .. ARGV[2], 1)
    redis.call('pexpire', KEYS[1], ARGV[1])
    return nil
end
return redis.call('pttl', KEYS[1])
`)

// readReleaseScript returns 2 when the caller's last hold is gone but other
// readers keep the record alive: no wake yet, but the caller must stop
// renewing.
var readReleaseScript = redis.NewScript(`
if (redis.call('hexists', KEYS[1], 'r:' .. ARGV[1]) == 0) then
    return -1
end
local counter = redis.call('hincrby', KEYS[1], 'r:' .. ARGV[1], -1)
if (counter <= 0) then
    redis.call('hdel', KEYS[1], 'r:' .. ARGV[1])
end
if (redis.call('hlen', KEYS[1]) == 1) then
    redis.call('del', KEYS[1])
    return 1
end
redis.call('pexpire', KEYS[1], ARGV[2])
if (counter <= 0) then
    return 2
end
return 0
`)

var writeReleaseScript = redis.NewScript(`
if (redis.call('hexists', KEYS[1], 'w:' .. ARGV[1]) == 0) then
    return -1
end
local counter = redis.call('hincrby', KEYS[1], 'w:' .. ARGV[1], -1)
if (counter > 0) then
    redis.call('pexpire', KEYS[1], ARGV[2])
    return 0
end
redis.call('del', KEYS[1])
return 1
`)

// Semaphore record: hash with a 'total' field and per-holder 'h:<identity>'
// permit counts. The sum of held permits never exceeds total.

var semaphoreSetPermitsScript = redis.NewScript(`
if (redis.call('hexists', KEYS[1], 'total') == 1) then
    return 0
end
redis.call('hset', KEYS[1], 'total', ARGV[1])
return 1
`)

// semaphoreAcquireScript returns nil on success and the number of currently
// available permits on failure.
var semaphoreAcquireScript = redis.NewScript(`
local total = tonumber(redis.call('hget', KEYS[1], 'total')) or 0
local held = 0
local fields = redis.call('hgetall', KEYS[1])
for i = 1, #fields, 2 do
    if (fields[i] ~= 'total') then
        held = held + tonumber(fields[i + 1])
    end
end
local n = tonumber(ARGV[1])
if (total - held >= n) then
    redis.call('hincrby', KEYS[1], 'h:' .. ARGV[2], n)
    return nil
end
return total - held
`)

var semaphoreReleaseScript = redis.NewScript(`
local field = 'h:' .. ARGV[2]
local held = tonumber(redis.call('hget', KEYS[1], field)) or 0
local n = tonumber(ARGV[1])
if (held < n) then
    return -1
end
if (held == n) then
    redis.call('hdel', KEYS[1], field)
else
    redis.call('hincrby', KEYS[1], field, -n)
end
return 1
`)

var semaphoreAvailableScript = redis.NewScript(`
local total = tonumber(redis.call('hget', KEYS[1], 'total')) or 0
local held = 0
local fields = redis.call('hgetall', KEYS[1])
for i = 1, #fields, 2 do
    if (fields[i] ~= 'total') then
        held = held + tonumber(fields[i + 1])
    end
end
return total - held
`)

// Latch record: a bare counter. It is floored at zero and the zero record is
// terminal; it is never deleted, so every later await sees the open latch.

var latchSetCountScript = redis.NewScript(`
return redis.call('setnx', KEYS[1], ARGV[1])
`)

// latchCountDownScript returns 1 exactly when the count reaches zero, which
// is the caller's cue to publish the single wake.
var latchCountDownScript = redis.NewScript(`
local v = tonumber(redis.call('get', KEYS[1]))
if (v == nil or v <= 0) then
    return -1
end
v = v - 1
redis.call('set', KEYS[1], v)
if (v == 0) then
    return 1
end
return 0
`)

var latchCountScript = redis.NewScript(`
local v = tonumber(redis.call('get', KEYS[1]))
if (v == nil) then
    return 0
end
return v
`)
