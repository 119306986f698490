// Package cache wires the teacher's Redis-backed versioned-write
// pattern (control_plane/store/redis_versioned.go) to the credit
// guard's atomic debit requirement, plus a general-purpose balance/
// session cache used by the HTTP idempotency middleware.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nick227/imagequeue/internal/credit"
)

// balanceSetScript atomically debits a balance hash only if the
// resulting value would stay non-negative, appending the transaction
// to a capped list in the same round trip. Grounded directly on the
// shape of control_plane/store/redis_versioned.go's versionedSetScript
// (HGET-then-conditional-HMSET under a single EVALSHA), repurposed from
// version-conflict detection to balance-non-negativity enforcement.
const balanceDebitScript = `
-- KEYS[1] = balance key
-- KEYS[2] = transaction log key
-- ARGV[1] = amount to debit
-- ARGV[2] = transaction JSON

local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])

if current < amount then
    return {0, current}
end

local newBalance = current - amount
redis.call("SET", KEYS[1], newBalance)
redis.call("RPUSH", KEYS[2], ARGV[2])
redis.call("LTRIM", KEYS[2], -1000, -1)

return {1, newBalance}
`

// RedisBalanceStore implements credit.BalanceStore over a shared Redis
// instance, reusing the go-redis/v9 dependency the teacher already
// requires for coordination (control_plane/store/redis.go) for a
// second, credit-specific purpose.
type RedisBalanceStore struct {
	client     *redis.Client
	debitSHA   string
}

// NewRedisBalanceStore connects to addr and preloads the debit script,
// mirroring the teacher's ScriptLoad-at-construction pattern.
func NewRedisBalanceStore(ctx context.Context, addr, password string, db int) (*RedisBalanceStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connect to redis: %w", err)
	}
	sha, err := client.ScriptLoad(ctx, balanceDebitScript).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: load debit script: %w", err)
	}
	return &RedisBalanceStore{client: client, debitSHA: sha}, nil
}

func balanceKey(userID string) string { return "imagequeue:balance:" + userID }
func txnKey(userID string) string     { return "imagequeue:transactions:" + userID }

// GetBalance returns the user's current balance (0 if unset).
func (s *RedisBalanceStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	val, err := s.client.Get(ctx, balanceKey(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache: get balance: %w", err)
	}
	return val, nil
}

// Debit atomically subtracts amount and appends txn via a single Lua
// script invocation, so a concurrent reader can never observe a
// balance between the check and the write (spec.md §4.7).
func (s *RedisBalanceStore) Debit(ctx context.Context, userID string, amount int64, txn credit.Transaction) (int64, error) {
	txnJSON, err := json.Marshal(txn)
	if err != nil {
		return 0, err
	}

	result, err := s.client.EvalSha(ctx, s.debitSHA, []string{balanceKey(userID), txnKey(userID)}, amount, string(txnJSON)).Result()
	if err != nil && isNoScript(err) {
		s.debitSHA, err = s.client.ScriptLoad(ctx, balanceDebitScript).Result()
		if err != nil {
			return 0, err
		}
		result, err = s.client.EvalSha(ctx, s.debitSHA, []string{balanceKey(userID), txnKey(userID)}, amount, string(txnJSON)).Result()
	}
	if err != nil {
		return 0, fmt.Errorf("cache: debit: %w", err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) != 2 {
		return 0, fmt.Errorf("cache: unexpected debit script result: %T", result)
	}
	ok64, _ := parts[0].(int64)
	newBalance, _ := parts[1].(int64)
	if ok64 == 0 {
		return newBalance, &credit.ErrInsufficientCredits{Required: amount, Current: newBalance, Shortfall: amount - newBalance}
	}
	return newBalance, nil
}

// Credit adds amount to a user's balance (credit purchase/redeem plane,
// out of core per spec.md §1 but required so balances are ever non-zero).
func (s *RedisBalanceStore) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	return s.client.IncrBy(ctx, balanceKey(userID), amount).Result()
}

func isNoScript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}

// SessionCache stores idempotency-key -> response bodies for the HTTP
// layer's withIdempotency middleware, grounded on
// control_plane/idempotency/store.go's Redis-backed Backend.
type SessionCache struct {
	client *redis.Client
}

// NewSessionCache wraps an existing Redis client for idempotency use.
func NewSessionCache(client *redis.Client) *SessionCache { return &SessionCache{client: client} }

func (c *SessionCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, "imagequeue:idem:"+key, value, ttl).Err()
}

func (c *SessionCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, "imagequeue:idem:"+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}
