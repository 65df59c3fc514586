package security

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// reserveScript checks and updates one player's record in a single Redis
// round trip. Attempts live in a sorted set scored by millisecond time.
//
// KEYS: attempts zset, last-attempt key, in-flight key
// ARGV: now_ms, min_interval_ms, window_ms, max_attempts, inflight_ttl_ms, member
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local minInterval = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local maxAttempts = tonumber(ARGV[4])
local inflightTTL = tonumber(ARGV[5])

if redis.call('EXISTS', KEYS[3]) == 1 then
	return {0, 'AlreadyInFlight', 0}
end

local last = redis.call('GET', KEYS[2])
if last then
	local elapsed = now - tonumber(last)
	if elapsed <= minInterval then
		return {0, 'RateLimited', minInterval - elapsed}
	end
end

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count >= maxAttempts then
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	return {0, 'RateLimited', tonumber(oldest[2]) + window - now}
end

redis.call('ZADD', KEYS[1], now, ARGV[6])
redis.call('PEXPIRE', KEYS[1], window)
redis.call('SET', KEYS[2], now, 'PX', math.max(window, minInterval) + 1000)
if inflightTTL > 0 then
	redis.call('SET', KEYS[3], ARGV[6], 'PX', inflightTTL)
else
	redis.call('SET', KEYS[3], ARGV[6])
end
return {1, '', 0}
`)

// releaseScript deletes the in-flight key only while it still holds the
// caller's reservation.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore shares records across server instances.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func attemptsKey(player string) string { return "ratelimit:{" + player + "}:attempts" }
func lastKey(player string) string     { return "ratelimit:{" + player + "}:last" }
func inflightKey(player string) string { return "ratelimit:{" + player + "}:inflight" }
func resultsKey(player string) string  { return "ratelimit:{" + player + "}:results" }

func (s *RedisStore) Reserve(ctx context.Context, player string, now time.Time, p Policy) (Verdict, error) {
	keys := []string{attemptsKey(player), lastKey(player), inflightKey(player)}
	member := fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())

	res, err := reserveScript.Run(ctx, s.rdb, keys,
		now.UnixMilli(),
		p.MinInterval.Milliseconds(),
		p.Window.Milliseconds(),
		p.MaxAttempts,
		p.InFlightTTL.Milliseconds(),
		member,
	).Slice()
	if err != nil {
		return Verdict{}, fmt.Errorf("reserve script: %w", err)
	}
	if len(res) != 3 {
		return Verdict{}, fmt.Errorf("reserve script: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	reason, _ := res[1].(string)
	retryMs, _ := res[2].(int64)

	v := Verdict{
		Allowed:    allowed == 1,
		Reason:     Reason(reason),
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}
	if v.Allowed {
		v.Token = member
	}
	return v, nil
}

func (s *RedisStore) Release(ctx context.Context, player, token string) error {
	return releaseScript.Run(ctx, s.rdb, []string{inflightKey(player)}, token).Err()
}

func (s *RedisStore) RecordOutcome(ctx context.Context, player string, consistent bool) error {
	field := "settled"
	if !consistent {
		field = "inconsistent"
	}
	return s.rdb.HIncrBy(ctx, resultsKey(player), field, 1).Err()
}

func (s *RedisStore) Snapshot(ctx context.Context, player string, now time.Time, p Policy) (Record, error) {
	var rec Record

	cutoff := strconv.FormatInt(now.Add(-p.Window).UnixMilli(), 10)
	pipe := s.rdb.Pipeline()
	countCmd := pipe.ZCount(ctx, attemptsKey(player), "("+cutoff, "+inf")
	lastCmd := pipe.Get(ctx, lastKey(player))
	inflightCmd := pipe.Exists(ctx, inflightKey(player))
	resultsCmd := pipe.HGetAll(ctx, resultsKey(player))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return rec, fmt.Errorf("snapshot: %w", err)
	}

	rec.Attempts = int(countCmd.Val())
	if ms, err := lastCmd.Int64(); err == nil {
		rec.LastAttempt = time.UnixMilli(ms)
	}
	rec.InFlight = inflightCmd.Val() == 1
	results := resultsCmd.Val()
	rec.Settled, _ = strconv.ParseInt(results["settled"], 10, 64)
	rec.Inconsistent, _ = strconv.ParseInt(results["inconsistent"], 10, 64)
	return rec, nil
}
