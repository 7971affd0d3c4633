// Package circuitbreaker stops calls to the upstream provider after repeated
// failures and lets a few probe calls through once a cool-down has passed.
//
// States:
//   - Closed: calls pass through, consecutive failures are counted
//   - Open: calls fail immediately with domain.ErrCircuitOpen
//   - Half-Open: calls pass; enough successes close, any failure reopens
//
// Implementations:
//   - InMemory: one instance, sync.Mutex
//   - Redis: shared by every gateway instance, one Lua script per transition
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// Breaker guards calls to one upstream.
type Breaker interface {
	// Allow returns domain.ErrCircuitOpen while the circuit is open.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	Cooldown         time.Duration // time spent open before probing
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

type InMemory struct {
	mu       sync.Mutex
	cfg      Config
	now      func() time.Time
	state    State
	failures int
	probes   int
	openedAt time.Time
}

func NewInMemory(cfg Config) *InMemory {
	return &InMemory{cfg: cfg.withDefaults(), now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (cb *InMemory) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

func (cb *InMemory) Allow(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
		return domain.ErrCircuitOpen
	}
	cb.state = StateHalfOpen
	cb.probes = 0
	return nil
}

func (cb *InMemory) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.probes++
		if cb.probes >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.probes = 0
		}
	}
}

func (cb *InMemory) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
}

func (cb *InMemory) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.probes = 0
}

func (cb *InMemory) State(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
