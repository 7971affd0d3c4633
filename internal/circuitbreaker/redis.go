package circuitbreaker

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// All breaker state lives in one hash so each script touches a single key.
// Fields: state, failures, probes, opened_at (unix ms).

// allowScript moves open -> half-open once the cool-down has passed.
// Keys: [breaker_key]
// Args: [now_ms, cooldown_ms]
// Returns: state after the check
var allowScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state ~= 'open' then
    return state
end
local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
if tonumber(ARGV[1]) - opened >= tonumber(ARGV[2]) then
    redis.call('HSET', KEYS[1], 'state', 'half-open', 'probes', 0)
    return 'half-open'
end
return 'open'
`)

// successScript resets the failure count, or closes after enough probes.
// Keys: [breaker_key]
// Args: [success_threshold]
var successScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state == 'closed' then
    redis.call('HSET', KEYS[1], 'failures', 0)
    return state
end
if state == 'half-open' then
    local probes = redis.call('HINCRBY', KEYS[1], 'probes', 1)
    if probes >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'probes', 0)
        return 'closed'
    end
end
return state
`)

// failureScript counts a failure and opens the circuit when it trips.
// Keys: [breaker_key]
// Args: [failure_threshold, now_ms]
var failureScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state == 'closed' then
    local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
    if failures < tonumber(ARGV[1]) then
        return state
    end
elseif state ~= 'half-open' then
    return state
end
redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', ARGV[2], 'probes', 0)
return 'open'
`)

// Redis is a breaker shared by every instance pointing at the same Redis.
// Redis errors fail open so a broken breaker never blocks admitted traffic.
type Redis struct {
	client *redis.Client
	key    string
	cfg    Config
	now    func() time.Time
}

// NewRedisWithClient creates the breaker called name on an existing client.
func NewRedisWithClient(client *redis.Client, name string, cfg Config) *Redis {
	return &Redis{
		client: client,
		key:    "chatgw:cb:" + name,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

func (cb *Redis) Allow(ctx context.Context) error {
	state, err := allowScript.Run(ctx, cb.client, []string{cb.key},
		cb.now().UnixMilli(), cb.cfg.Cooldown.Milliseconds()).Text()
	if err != nil {
		slog.WarnContext(ctx, "circuit breaker unavailable, allowing call", "error", err)
		return nil
	}
	if state == "open" {
		return domain.ErrCircuitOpen
	}
	return nil
}

func (cb *Redis) RecordSuccess(ctx context.Context) {
	if err := successScript.Run(ctx, cb.client, []string{cb.key}, cb.cfg.SuccessThreshold).Err(); err != nil {
		slog.WarnContext(ctx, "failed to record upstream success", "error", err)
	}
}

func (cb *Redis) RecordFailure(ctx context.Context) {
	if err := failureScript.Run(ctx, cb.client, []string{cb.key}, cb.cfg.FailureThreshold, cb.now().UnixMilli()).Err(); err != nil {
		slog.WarnContext(ctx, "failed to record upstream failure", "error", err)
	}
}

func (cb *Redis) State(ctx context.Context) State {
	state, err := cb.client.HGet(ctx, cb.key, "state").Result()
	if err != nil {
		return StateClosed
	}
	return parseState(state)
}
