package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "chatgw:"

// Lua scripts for the atomic quota primitives. Each script is the whole
// read-modify-write for one operation, so concurrent requests for the same
// key can never interleave between the check and the write.

// windowScript counts a request in a fixed window.
// Keys: [window_key]
// Args: [window_ms]
// Returns: {count, pttl_ms}
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// acquireSlotScript grants a stream slot while fewer than max are held.
// Slots are sorted-set members scored by their expiry, so abandoned slots
// fall out on their own.
// Keys: [slots_key]
// Args: [now_ms, expires_ms, max, slot_id, key_ttl_ms]
// Returns: 1 when granted, 0 otherwise
var acquireSlotScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
    return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// budgetScript adds to the daily counter unless the cap would be crossed.
// Keys: [budget_key]
// Args: [amount, limit, expire_at_unix]
// Returns: {total, allowed}
var budgetScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if limit > 0 and current + amount > limit then
    return {current, 0}
end
local total = redis.call('INCRBY', KEYS[1], amount)
redis.call('EXPIREAT', KEYS[1], ARGV[3])
return {total, 1}
`)

// RedisStore implements Store on Redis and is safe to share between any
// number of gateway instances.
type RedisStore struct {
	client *redis.Client
	opts   Options
	now    func() time.Time
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, opts Options) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisStoreWithClient(client, opts), nil
}

// NewRedisStoreWithClient wraps an existing client, allowing the connection
// pool to be shared with other Redis-backed components.
func NewRedisStoreWithClient(client *redis.Client, opts Options) *RedisStore {
	return &RedisStore{
		client: client,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func windowKey(clientKey string) string { return keyPrefix + "rl:" + clientKey }
func slotsKey(clientKey string) string  { return keyPrefix + "streams:" + clientKey }
func budgetKey(day string) string       { return keyPrefix + "budget:" + day }
func nonceKey(nonce string) string      { return keyPrefix + "nonce:" + nonce }

func (s *RedisStore) IncrementWindow(ctx context.Context, clientKey string) (Window, error) {
	now := s.now()
	res, err := windowScript.Run(ctx, s.client, []string{windowKey(clientKey)}, s.opts.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("increment window: %w", err)
	}
	if len(res) != 2 {
		return Window{}, fmt.Errorf("increment window: unexpected reply %v", res)
	}

	resetAt := now.Add(time.Duration(res[1]) * time.Millisecond)
	return Window{
		Count:       int(res[0]),
		WindowStart: resetAt.Add(-s.opts.Window),
		ResetAt:     resetAt,
	}, nil
}

func (s *RedisStore) TryAcquireStreamSlot(ctx context.Context, clientKey string, max int) (StreamSlot, bool, error) {
	now := s.now()
	slot := StreamSlot{ID: uuid.New().String(), ClientKey: clientKey}

	args := []interface{}{
		now.UnixMilli(),
		now.Add(s.opts.SlotTTL).UnixMilli(),
		max,
		slot.ID,
		s.opts.SlotTTL.Milliseconds(),
	}

	granted, err := acquireSlotScript.Run(ctx, s.client, []string{slotsKey(clientKey)}, args...).Int()
	if err != nil {
		return StreamSlot{}, false, fmt.Errorf("acquire stream slot: %w", err)
	}
	if granted != 1 {
		return StreamSlot{}, false, nil
	}
	return slot, true, nil
}

func (s *RedisStore) ReleaseStreamSlot(ctx context.Context, slot StreamSlot) error {
	if err := s.client.ZRem(ctx, slotsKey(slot.ClientKey), slot.ID).Err(); err != nil {
		return fmt.Errorf("release stream slot: %w", err)
	}
	return nil
}

func (s *RedisStore) IncrementDailyBudget(ctx context.Context, amount, limit int64) (Budget, error) {
	now := s.now()
	day := Day(now)
	expireAt := endOfDay(now).Add(time.Hour).Unix()

	res, err := budgetScript.Run(ctx, s.client, []string{budgetKey(day)}, amount, limit, expireAt).Int64Slice()
	if err != nil {
		return Budget{}, fmt.Errorf("increment daily budget: %w", err)
	}
	if len(res) != 2 {
		return Budget{}, fmt.Errorf("increment daily budget: unexpected reply %v", res)
	}

	return Budget{Day: day, Total: res[0], Limit: limit, Allowed: res[1] == 1}, nil
}

func (s *RedisStore) ClaimNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	fresh, err := s.client.SetNX(ctx, nonceKey(nonce), strconv.FormatInt(s.now().Unix(), 10), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim nonce: %w", err)
	}
	return fresh, nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
