package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// The two mandated server-side scripts of spec.md §5/§9 plus a third,
// narrower one for directory-aggregation's expected/done set comparison —
// all compound counter reads+writes that two racing workers must never
// observe mid-update.

// batchThresholdScript implements the File-Discovery Batcher's
// check-and-swap (spec.md §4.2): push the new entry, add its tokens to the
// running total, and if the total has crossed threshold, atomically rename
// the pending list out from under any other caller and reset the counter.
var batchThresholdScript = redis.NewScript(`
local pendingKey = KEYS[1]
local counterKey = KEYS[2]
local entry = ARGV[1]
local tokens = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])
local swapPrefix = ARGV[4]

redis.call('RPUSH', pendingKey, entry)
local total = redis.call('INCRBY', counterKey, tokens)

if total >= threshold then
	local seq = redis.call('INCR', counterKey .. ':seq')
	local swapKey = swapPrefix .. ':' .. seq
	redis.call('RENAME', pendingKey, swapKey)
	redis.call('SET', counterKey, 0)
	return {swapKey, total}
end

return {false, total}
`)

// evidenceCounterScript implements the Validation Worker's
// check-and-fetch-ready (spec.md §4.8): increment the fingerprint's
// evidence counter, and report "ready" exactly once — the first time it
// reaches expectedCount — guarded by a set of fingerprints already fired.
var evidenceCounterScript = redis.NewScript(`
local counterKey = KEYS[1]
local readyKey = KEYS[2]
local fingerprint = ARGV[1]
local expected = tonumber(ARGV[2])

local count = redis.call('HINCRBY', counterKey, fingerprint, 1)

if count >= expected then
	local already = redis.call('SISMEMBER', readyKey, fingerprint)
	if already == 0 then
		redis.call('SADD', readyKey, fingerprint)
		return {count, 1}
	end
end

return {count, 0}
`)

// setCardEqualScript implements Directory-Aggregation's "all expected files
// are done" check (spec.md §4.4): compare the done set's cardinality to the
// expected set's, atomically so a file landing in "done" concurrently with
// the comparison can't be missed or double-counted.
var setCardEqualScript = redis.NewScript(`
local doneKey = KEYS[1]
local expectedKey = KEYS[2]
local doneCard = redis.call('SCARD', doneKey)
local expectedCard = redis.call('SCARD', expectedKey)
if expectedCard > 0 and doneCard == expectedCard then
	return 1
end
return 0
`)

func (b *RedisBus) BatchThresholdSwap(ctx context.Context, pendingKey, counterKey string, entry string, tokens, threshold int, swapKeyPrefix string) (string, int, bool, error) {
	res, err := batchThresholdScript.Run(ctx, b.client, []string{pendingKey, counterKey}, entry, tokens, threshold, swapKeyPrefix).Result()
	if err != nil {
		return "", 0, false, fmt.Errorf("batch threshold swap: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return "", 0, false, fmt.Errorf("batch threshold swap: unexpected script result %#v", res)
	}
	total := int(arr[1].(int64))
	if swapKey, ok := arr[0].(string); ok {
		return swapKey, total, true, nil
	}
	return "", total, false, nil
}

func (b *RedisBus) EvidenceCounterCheckAndFetch(ctx context.Context, counterHashKey, readyKey, fingerprint string, expectedCount int) (int, bool, error) {
	res, err := evidenceCounterScript.Run(ctx, b.client, []string{counterHashKey, readyKey}, fingerprint, expectedCount).Result()
	if err != nil {
		return 0, false, fmt.Errorf("evidence counter check-and-fetch: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return 0, false, fmt.Errorf("evidence counter check-and-fetch: unexpected script result %#v", res)
	}
	count := int(arr[0].(int64))
	ready := arr[1].(int64) == 1
	return count, ready, nil
}

func (b *RedisBus) SetAdd(ctx context.Context, key, member string) error {
	return b.client.SAdd(ctx, key, member).Err()
}

func (b *RedisBus) SetCardEqual(ctx context.Context, doneKey, expectedKey string) (bool, error) {
	res, err := setCardEqualScript.Run(ctx, b.client, []string{doneKey, expectedKey}).Result()
	if err != nil {
		return false, fmt.Errorf("set card equal: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("set card equal: unexpected script result %#v", res)
	}
	return n == 1, nil
}

func (b *RedisBus) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return b.client.LRange(ctx, key, start, stop).Result()
}

func (b *RedisBus) Delete(ctx context.Context, keys ...string) error {
	return b.client.Del(ctx, keys...).Err()
}
