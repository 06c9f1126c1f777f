package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists lease tokens in Redis, for deployments where the
// lease manager must be shared across processes. Keys are namespaced under
// "machina:lease:<id>" and expire naturally via Redis TTL shortly after the
// token's own ExpireAt, so DeleteExpired only needs to sweep anything Redis
// has not yet evicted on its own.
type RedisStore struct {
	rdb *redis.Client
	// ExpiryGrace is added to a token's TTL when setting the Redis key TTL,
	// so TryConsume still finds the key for a while after the lease has
	// logically expired and reports expired rather than not_found.
	ExpiryGrace time.Duration
}

// NewRedisStore wraps rdb as a lease Store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, ExpiryGrace: 30 * time.Second}
}

func redisKeyForLease(id string) string {
	return fmt.Sprintf("machina:lease:%s", id)
}

// record is the wire format stored in Redis: a flat, snake_case projection
// of Token with millisecond epoch timestamps instead of RFC3339 strings, so
// tryConsumeScript can compare expiry with plain Lua arithmetic instead of
// parsing a timestamp.
type record struct {
	ID         string `json:"id"`
	ToolAID    string `json:"tool_aid"`
	Tier       Tier   `json:"tier"`
	IssuedAtMS int64  `json:"issued_at_ms"`
	ExpireAtMS int64  `json:"expire_at_ms"`
	Consumed   bool   `json:"consumed"`
	Issuer     string `json:"issuer"`
}

func toRecord(t Token) record {
	return record{
		ID:         t.ID,
		ToolAID:    t.ToolAID,
		Tier:       t.Tier,
		IssuedAtMS: t.IssuedAt.UnixMilli(),
		ExpireAtMS: t.ExpireAt.UnixMilli(),
		Consumed:   t.Consumed,
		Issuer:     t.Issuer,
	}
}

func (r record) toToken() Token {
	return Token{
		ID:       r.ID,
		ToolAID:  r.ToolAID,
		Tier:     r.Tier,
		IssuedAt: time.UnixMilli(r.IssuedAtMS).UTC(),
		ExpireAt: time.UnixMilli(r.ExpireAtMS).UTC(),
		Consumed: r.Consumed,
		Issuer:   r.Issuer,
	}
}

func (s *RedisStore) Put(t Token) error {
	ctx := context.Background()
	data, err := json.Marshal(toRecord(t))
	if err != nil {
		return fmt.Errorf("lease: redis store: marshal token: %w", err)
	}
	ttl := time.Until(t.ExpireAt) + s.ExpiryGrace
	if ttl <= 0 {
		ttl = s.ExpiryGrace
	}
	if err := s.rdb.Set(ctx, redisKeyForLease(t.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("lease: redis store: set %q: %w", t.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(id string) (Token, bool, error) {
	ctx := context.Background()
	raw, err := s.rdb.Get(ctx, redisKeyForLease(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("lease: redis store: get %q: %w", id, err)
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Token{}, false, fmt.Errorf("lease: redis store: unmarshal %q: %w", id, err)
	}
	return rec.toToken(), true, nil
}

// tryConsumeScript atomically performs the existence/expiry/consumed/
// tool-scope checks and the consuming write in a single server-side Lua
// invocation, so two concurrent TryConsume calls for the same id cannot
// both observe an unconsumed token (spec §8 Testable Property 7): Redis
// executes EVAL single-threaded with respect to all other commands,
// including concurrent EVALs of the same script, so there is no window
// between the GET and the SET for a second caller to interleave.
var tryConsumeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 'not_found'
end
local tok = cjson.decode(raw)
local now_ms = tonumber(ARGV[1])
local tool_aid = ARGV[2]
local fallback_ttl_ms = tonumber(ARGV[3])
if now_ms >= tok.expire_at_ms then
	return 'expired'
end
if tok.consumed then
	return 'consumed'
end
if tok.tool_aid ~= '*' and tok.tool_aid ~= tool_aid then
	return 'mismatch'
end
tok.consumed = true
local ttl = redis.call('PTTL', KEYS[1])
if ttl <= 0 then
	ttl = fallback_ttl_ms
end
redis.call('SET', KEYS[1], cjson.encode(tok), 'PX', ttl)
return 'OK'
`)

// TryConsume implements Store.TryConsume (see lease.go) via tryConsumeScript.
func (s *RedisStore) TryConsume(id, toolAID string, now time.Time) error {
	ctx := context.Background()
	res, err := tryConsumeScript.Run(ctx, s.rdb, []string{redisKeyForLease(id)},
		now.UnixMilli(), toolAID, s.ExpiryGrace.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("lease: redis store: try consume %q: %w", id, err)
	}
	status, _ := res.(string)
	switch status {
	case "OK":
		return nil
	case "not_found":
		return &VerifyError{Reason: ReasonNotFound}
	case "expired":
		return &VerifyError{Reason: ReasonExpired}
	case "consumed":
		return &VerifyError{Reason: ReasonConsumed}
	case "mismatch":
		return &VerifyError{Reason: ReasonMismatch}
	default:
		return fmt.Errorf("lease: redis store: try consume %q: unexpected script result %q", id, status)
	}
}

// DeleteExpired is mostly a no-op under RedisStore: expired keys are evicted
// by Redis's own TTL. It still scans via SCAN for defense in depth against
// clock skew between the manager and Redis, deleting anything logically
// expired it finds.
func (s *RedisStore) DeleteExpired(now time.Time) (int, error) {
	ctx := context.Background()
	var cursor uint64
	n := 0
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "machina:lease:*", 100).Result()
		if err != nil {
			return n, fmt.Errorf("lease: redis store: scan: %w", err)
		}
		for _, key := range keys {
			raw, err := s.rdb.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return n, fmt.Errorf("lease: redis store: get %q: %w", key, err)
			}
			var rec record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				continue
			}
			if rec.toToken().Expired(now) {
				s.rdb.Del(ctx, key)
				n++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return n, nil
}
