package ratelimit

import (
	"testing"
	"time"

	"github.com/tos-network/resibroker/internal/keyid"
)

func TestRedisKeyIncludesUTCDate(t *testing.T) {
	var hotkey keyid.KeyId
	hotkey[0] = 0x01
	scope := MinerScope(hotkey)
	now := time.Date(2026, 7, 31, 23, 59, 0, 0, time.UTC)
	key := scope.redisKey(now)
	want := "daily:miner:" + hotkey.String() + ":2026-07-31"
	if key != want {
		t.Fatalf("got %q want %q", key, want)
	}
}

func TestRedisKeyDiffersByScopeKind(t *testing.T) {
	var hotkey keyid.KeyId
	hotkey[0] = 0x02
	now := time.Now()
	if MinerScope(hotkey).redisKey(now) == ValidatorScope(hotkey).redisKey(now) {
		t.Fatal("miner and validator scopes must not collide")
	}
}

func TestNextUTCMidnightRollsForward(t *testing.T) {
	now := time.Date(2026, 7, 31, 15, 30, 0, 0, time.UTC)
	got := nextUTCMidnight(now)
	want := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestGlobalScopeIsStable(t *testing.T) {
	now := time.Now()
	if GlobalScope().redisKey(now) != GlobalScope().redisKey(now) {
		t.Fatal("global scope key must be stable across calls at the same instant")
	}
}
