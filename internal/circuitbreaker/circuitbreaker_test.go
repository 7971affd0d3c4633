package circuitbreaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

var testConfig = Config{
	FailureThreshold: 3,
	SuccessThreshold: 2,
	Cooldown:         10 * time.Second,
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// forEachBreaker runs fn against the in-memory and the Redis breaker.
func forEachBreaker(t *testing.T, fn func(t *testing.T, cb Breaker, clock *fakeClock)) {
	t.Run("memory", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
		cb := NewInMemory(testConfig)
		cb.SetClock(clock.Now)
		fn(t, cb, clock)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })

		clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
		cb := NewRedisWithClient(client, "upstream", testConfig)
		cb.now = clock.Now
		fn(t, cb, clock)
	})
}

func TestBreaker_StartsClosed(t *testing.T) {
	forEachBreaker(t, func(t *testing.T, cb Breaker, _ *fakeClock) {
		ctx := context.Background()
		assert.Equal(t, StateClosed, cb.State(ctx))
		assert.NoError(t, cb.Allow(ctx))
	})
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	forEachBreaker(t, func(t *testing.T, cb Breaker, _ *fakeClock) {
		ctx := context.Background()

		cb.RecordFailure(ctx)
		cb.RecordFailure(ctx)
		assert.Equal(t, StateClosed, cb.State(ctx))

		cb.RecordFailure(ctx)
		assert.Equal(t, StateOpen, cb.State(ctx))
		assert.ErrorIs(t, cb.Allow(ctx), domain.ErrCircuitOpen)
	})
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	forEachBreaker(t, func(t *testing.T, cb Breaker, _ *fakeClock) {
		ctx := context.Background()

		cb.RecordFailure(ctx)
		cb.RecordFailure(ctx)
		cb.RecordSuccess(ctx)
		cb.RecordFailure(ctx)
		cb.RecordFailure(ctx)

		assert.Equal(t, StateClosed, cb.State(ctx), "failures must be consecutive")
	})
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	forEachBreaker(t, func(t *testing.T, cb Breaker, clock *fakeClock) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			cb.RecordFailure(ctx)
		}

		clock.Advance(9 * time.Second)
		assert.ErrorIs(t, cb.Allow(ctx), domain.ErrCircuitOpen)

		clock.Advance(time.Second)
		require.NoError(t, cb.Allow(ctx))
		assert.Equal(t, StateHalfOpen, cb.State(ctx))

		cb.RecordSuccess(ctx)
		assert.Equal(t, StateHalfOpen, cb.State(ctx))
		cb.RecordSuccess(ctx)
		assert.Equal(t, StateClosed, cb.State(ctx))
	})
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	forEachBreaker(t, func(t *testing.T, cb Breaker, clock *fakeClock) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			cb.RecordFailure(ctx)
		}
		clock.Advance(10 * time.Second)
		require.NoError(t, cb.Allow(ctx))

		cb.RecordFailure(ctx)
		assert.Equal(t, StateOpen, cb.State(ctx))
		assert.ErrorIs(t, cb.Allow(ctx), domain.ErrCircuitOpen, "cool-down restarts on reopen")
	})
}

func TestRedis_SharedBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	a := NewRedisWithClient(client, "upstream", testConfig)
	b := NewRedisWithClient(client, "upstream", testConfig)

	for i := 0; i < 3; i++ {
		a.RecordFailure(ctx)
	}
	assert.ErrorIs(t, b.Allow(ctx), domain.ErrCircuitOpen)
}

func TestRedis_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	cb := NewRedisWithClient(client, "upstream", testConfig)
	for i := 0; i < 3; i++ {
		cb.RecordFailure(ctx)
	}
	mr.Close()

	assert.NoError(t, cb.Allow(ctx))
	assert.Equal(t, StateClosed, cb.State(ctx))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
