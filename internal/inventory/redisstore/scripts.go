package redisstore

import "github.com/redis/go-redis/v9"

// Script result codes.
const (
	codeChanged         = 1
	codeNoop            = 0
	codeNotFound        = -1
	codeInsufficient    = -2
	codeProductNotFound = -3
	codeInvalidState    = -4
	codeDuplicate       = -5
)

// reserveScript
// KEYS[1] = product hash, KEYS[2] = reservation hash, KEYS[3] = expiry zset
// ARGV = quantity, id, productId, customerId, transactionId, createdAt,
//        expiresAt, updatedAt, expiresAt (unix ms), retention (ms)
//
// The hash gets no ttl here: a RESERVED record must outlive any sweep delay.
// Terminal transitions set the ttl from retentionMs.
var reserveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -3
end
if redis.call("EXISTS", KEYS[2]) == 1 then
	return -5
end

local qty = tonumber(ARGV[1])
local available = tonumber(redis.call("HGET", KEYS[1], "available"))
if available < qty then
	return -2
end

redis.call("HINCRBY", KEYS[1], "available", -qty)
redis.call("HINCRBY", KEYS[1], "reserved", qty)
redis.call("HINCRBY", KEYS[1], "version", 1)

redis.call("HSET", KEYS[2],
	"id", ARGV[2],
	"productId", ARGV[3],
	"customerId", ARGV[4],
	"transactionId", ARGV[5],
	"quantity", ARGV[1],
	"status", "RESERVED",
	"createdAt", ARGV[6],
	"expiresAt", ARGV[7],
	"updatedAt", ARGV[8])
redis.call("PEXPIRE", KEYS[2], ARGV[10])
redis.call("ZADD", KEYS[3], ARGV[9], ARGV[2])
return 1
`)

// confirmScript
// KEYS[1] = product hash, KEYS[2] = reservation hash, KEYS[3] = expiry zset
// ARGV[1] = updatedAt
var confirmScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 0 then
	return -1
end
local status = redis.call("HGET", KEYS[2], "status")
if status == "CONFIRMED" then
	return 0
end
if status ~= "RESERVED" then
	return -4
end

local qty = tonumber(redis.call("HGET", KEYS[2], "quantity"))
redis.call("HINCRBY", KEYS[1], "reserved", -qty)
redis.call("HINCRBY", KEYS[1], "total", -qty)
redis.call("HINCRBY", KEYS[1], "version", 1)
redis.call("HSET", KEYS[2], "status", "CONFIRMED", "updatedAt", ARGV[1])
redis.call("ZREM", KEYS[3], redis.call("HGET", KEYS[2], "id"))
local keep = redis.call("HGET", KEYS[2], "retentionMs")
if keep then
	redis.call("PEXPIRE", KEYS[2], keep)
end
return 1
`)

// releaseScript
// KEYS[1] = product hash, KEYS[2] = reservation hash, KEYS[3] = expiry zset
// ARGV[1] = target status (CANCELLED or EXPIRED), ARGV[2] = updatedAt
var releaseScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 0 then
	return -1
end
local status = redis.call("HGET", KEYS[2], "status")
if status == "CANCELLED" or status == "EXPIRED" then
	return 0
end
if status ~= "RESERVED" then
	return -4
end

local qty = tonumber(redis.call("HGET", KEYS[2], "quantity"))
redis.call("HINCRBY", KEYS[1], "available", qty)
redis.call("HINCRBY", KEYS[1], "reserved", -qty)
redis.call("HINCRBY", KEYS[1], "version", 1)
redis.call("HSET", KEYS[2], "status", ARGV[1], "updatedAt", ARGV[2])
redis.call("ZREM", KEYS[3], redis.call("HGET", KEYS[2], "id"))
local keep = redis.call("HGET", KEYS[2], "retentionMs")
if keep then
	redis.call("PEXPIRE", KEYS[2], keep)
end
return 1
`)

// rollbackScript
// KEYS[1] = product hash, KEYS[2] = reservation hash, KEYS[3] = expiry zset
// ARGV[1] = updatedAt
var rollbackScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 0 then
	return -1
end
local status = redis.call("HGET", KEYS[2], "status")
local qty = tonumber(redis.call("HGET", KEYS[2], "quantity"))

if status == "RESERVED" then
	redis.call("HINCRBY", KEYS[1], "available", qty)
	redis.call("HINCRBY", KEYS[1], "reserved", -qty)
elseif status == "CONFIRMED" then
	redis.call("HINCRBY", KEYS[1], "available", qty)
	redis.call("HINCRBY", KEYS[1], "total", qty)
else
	return 0
end

redis.call("HINCRBY", KEYS[1], "version", 1)
redis.call("HSET", KEYS[2], "status", "CANCELLED", "updatedAt", ARGV[1])
redis.call("ZREM", KEYS[3], redis.call("HGET", KEYS[2], "id"))
local keep = redis.call("HGET", KEYS[2], "retentionMs")
if keep then
	redis.call("PEXPIRE", KEYS[2], keep)
end
return 1
`)

// holdScript
// KEYS[1] = product hash, KEYS[2] = reservation hash, KEYS[3] = expiry zset
// ARGV[1] = updatedAt
var holdScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 0 then
	return -1
end
if redis.call("HGET", KEYS[2], "status") ~= "RESERVED" then
	return -4
end
if redis.call("HGET", KEYS[2], "held") == "1" then
	return 0
end
redis.call("HSET", KEYS[2], "held", "1", "updatedAt", ARGV[1])
redis.call("ZREM", KEYS[3], redis.call("HGET", KEYS[2], "id"))
return 1
`)

// initScript
// KEYS[1] = product hash
// ARGV[1] = total, ARGV[2] = productId
var initScript = redis.NewScript(`
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved") or "0")
local total = tonumber(ARGV[1])
if total < reserved then
	return -4
end
redis.call("HSET", KEYS[1],
	"productId", ARGV[2],
	"total", total,
	"available", total - reserved,
	"reserved", reserved)
redis.call("HINCRBY", KEYS[1], "version", 1)
return 1
`)

// overwriteScript
// KEYS[1] = product hash
// ARGV = productId, total, available, reserved
var overwriteScript = redis.NewScript(`
redis.call("HSET", KEYS[1],
	"productId", ARGV[1],
	"total", ARGV[2],
	"available", ARGV[3],
	"reserved", ARGV[4])
redis.call("HINCRBY", KEYS[1], "version", 1)
return 1
`)
