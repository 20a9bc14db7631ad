package blob

import "github.com/redis/go-redis/v9"

// linkScript points a kind at a content hash and adjusts reference counts.
// KEYS[1] kind key, KEYS[2] refs key of the new hash.
// ARGV[1] hash, ARGV[2] size, ARGV[3] refs key prefix.
// Returns the previous hash when its last reference was dropped.
var linkScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], 'hash')
if old == ARGV[1] then
	return ''
end
redis.call('HSET', KEYS[1], 'hash', ARGV[1], 'size', ARGV[2])
redis.call('INCR', KEYS[2])
if old then
	if redis.call('DECR', ARGV[3] .. old) <= 0 then
		redis.call('DEL', ARGV[3] .. old)
		return old
	end
end
return ''
`)

// copyScript links KEYS[2] to the content of KEYS[1].
// ARGV[1] refs key prefix.
// Returns {found, orphaned hash}.
var copyScript = redis.NewScript(`
local src = redis.call('HMGET', KEYS[1], 'hash', 'size')
if not src[1] then
	return {0, ''}
end
local old = redis.call('HGET', KEYS[2], 'hash')
if old == src[1] then
	return {1, ''}
end
redis.call('HSET', KEYS[2], 'hash', src[1], 'size', src[2])
redis.call('INCR', ARGV[1] .. src[1])
if old then
	if redis.call('DECR', ARGV[1] .. old) <= 0 then
		redis.call('DEL', ARGV[1] .. old)
		return {1, old}
	end
end
return {1, ''}
`)

// unlinkScript removes a kind.
// KEYS[1] kind key, ARGV[1] refs key prefix.
// Returns {existed, orphaned hash}.
var unlinkScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], 'hash')
if not old then
	return {0, ''}
end
redis.call('DEL', KEYS[1])
if redis.call('DECR', ARGV[1] .. old) <= 0 then
	redis.call('DEL', ARGV[1] .. old)
	return {1, old}
end
return {1, ''}
`)
