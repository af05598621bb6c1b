// Package ratelimit implements C3: per-key and global daily counters
// against Redis (github.com/go-redis/redis/v8, the same dependency the
// sibling tos-pool coordinator uses for its shared mutable counters).
// check_and_increment is made atomic with a single Lua script (INCR + EXPIRE
// only set on first write), avoiding the read-then-write race a naive
// GET/SET pair would have under concurrency — the same atomicity guarantee
// spec.md §5 requires ("no double counting under concurrency").
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tos-network/resibroker/internal/brokerrors"
	"github.com/tos-network/resibroker/internal/keyid"
)

// Scope identifies a rate-limit bucket (spec.md §3: "Rate-limit counter").
type Scope struct {
	kind string // "miner", "validator", "global", "ip"
	id   string
}

func MinerScope(hotkey keyid.KeyId) Scope     { return Scope{"miner", hotkey.String()} }
func ValidatorScope(hotkey keyid.KeyId) Scope { return Scope{"validator", hotkey.String()} }
func GlobalScope() Scope                      { return Scope{"global", "-"} }
func IPScope(ip string) Scope                 { return Scope{"ip", ip} }

func (s Scope) redisKey(now time.Time) string {
	return fmt.Sprintf("daily:%s:%s:%s", s.kind, s.id, now.UTC().Format("2006-01-02"))
}

// Result is the outcome of a check_and_increment call.
type Result struct {
	OK        bool
	Remaining int64
	ResetAt   time.Time
}

const ttl = 36 * time.Hour // spec.md §3: "TTL ≥ 36 h"

var incrScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local n = redis.call("INCR", key)
if n == 1 then
  redis.call("EXPIRE", key, ttl)
end
if n > limit then
  return {0, n}
end
return {1, n}
`)

// Limiter enforces the three logical buckets of spec.md §4.3.
type Limiter struct {
	rdb     *redis.Client
	enabled bool // ENABLE_RATE_LIMITING
}

func New(rdb *redis.Client, enabled bool) *Limiter {
	return &Limiter{rdb: rdb, enabled: enabled}
}

func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// CheckAndIncrement atomically increments scope's counter for "today" and
// reports whether the request stays within limit.
//
// If Redis is unavailable: fails open (always OK) only when the limiter was
// constructed with enabled=false; otherwise fails closed with a retriable
// DependencyUnavailable error (spec.md §4.3).
func (l *Limiter) CheckAndIncrement(ctx context.Context, scope Scope, limit int64) (Result, error) {
	now := time.Now()
	reset := nextUTCMidnight(now)

	res, err := incrScript.Run(ctx, l.rdb, []string{scope.redisKey(now)}, limit, int(ttl.Seconds())).Result()
	if err != nil {
		if !l.enabled {
			return Result{OK: true, Remaining: limit, ResetAt: reset}, nil
		}
		return Result{}, brokerrors.Wrap(brokerrors.DependencyUnavailable, "rate limit store unavailable", err)
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return Result{}, brokerrors.New(brokerrors.Internal, "rate limit script returned unexpected shape")
	}
	ok64, _ := pair[0].(int64)
	count, _ := pair[1].(int64)

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{OK: ok64 == 1, Remaining: remaining, ResetAt: reset}, nil
}

// CurrentCount returns today's count for scope without incrementing it, used
// by the GET /rate-limits endpoint.
func (l *Limiter) CurrentCount(ctx context.Context, scope Scope) (int64, error) {
	now := time.Now()
	n, err := l.rdb.Get(ctx, scope.redisKey(now)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, brokerrors.Wrap(brokerrors.DependencyUnavailable, "rate limit store unavailable", err)
	}
	return n, nil
}

// Ping verifies Redis connectivity for the health endpoint.
func (l *Limiter) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}
