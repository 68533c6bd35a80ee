package redisstore

import "github.com/redis/go-redis/v9"

// KEYS[1] hash, ARGV[1] field, ARGV[2] value, ARGV[3] owner
var ownedPutScript = redis.NewScript(`
	local owner_field = ARGV[1] .. '#owner'
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2], owner_field, ARGV[3])
	redis.call('HINCRBY', KEYS[1], '#version', 1)
	return redis.call('HGETALL', KEYS[1])
`)

// KEYS[1] hash, ARGV[1] field, ARGV[2] owner (exact, or prefix before a newline).
// The version only moves when something was actually deleted.
var ownedDeleteScript = redis.NewScript(`
	local owner_field = ARGV[1] .. '#owner'
	local current = redis.call('HGET', KEYS[1], owner_field)
	if current then
		local want = ARGV[2]
		if current == want or string.sub(current, 1, string.len(want) + 1) == want .. '\n' then
			redis.call('HDEL', KEYS[1], ARGV[1], owner_field)
			redis.call('HINCRBY', KEYS[1], '#version', 1)
		end
	end
	return redis.call('HGETALL', KEYS[1])
`)

// KEYS[1] list, ARGV[1] value, ARGV[2] ttl in ms.
// Expiry is applied only when the list is new (or somehow lost its expiry).
var appendScript = redis.NewScript(`
	local created = redis.call('EXISTS', KEYS[1]) == 0
	redis.call('RPUSH', KEYS[1], ARGV[1])
	local ttl = tonumber(ARGV[2])
	if ttl > 0 and (created or redis.call('PTTL', KEYS[1]) == -1) then
		redis.call('PEXPIRE', KEYS[1], ttl)
	end
	if created then
		return 1
	end
	return 0
`)
