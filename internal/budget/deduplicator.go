package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator makes sure each alert level fires once per budget day,
// even with several gateway instances observing the same counter.
type AlertDeduplicator interface {
	// ShouldAlert reports whether this caller won the right to dispatch the
	// alert for day and level.
	ShouldAlert(ctx context.Context, day string, level AlertLevel) bool
}

// InMemoryDeduplicator implements AlertDeduplicator using in-memory state.
// Suitable for single-instance deployments.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	day  string
	sent map[AlertLevel]bool
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		sent: make(map[AlertLevel]bool),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, day string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if day != d.day {
		d.day = day
		d.sent = make(map[AlertLevel]bool)
	}
	if d.sent[level] {
		return false
	}
	d.sent[level] = true
	return true
}

// RedisDeduplicator implements AlertDeduplicator using Redis for distributed state.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduplicatorWithClient creates a deduplicator with an existing
// Redis client. ttl should outlive the budget day.
func NewRedisDeduplicatorWithClient(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client: client,
		ttl:    ttl,
	}
}

func (d *RedisDeduplicator) alertKey(day string, level AlertLevel) string {
	return fmt.Sprintf("chatgw:budget:alert:%s:%s", day, level)
}

// ShouldAlert uses SETNX so only one instance dispatches. On Redis errors the
// alert is allowed through: a duplicate page beats a missing one.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, day string, level AlertLevel) bool {
	acquired, err := d.client.SetNX(ctx, d.alertKey(day, level), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return true
	}
	return acquired
}
