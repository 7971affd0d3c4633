// Package quota holds the shared counters that gate admission: per-client
// rate-limit windows, per-client concurrent stream slots and the global
// daily budget.
//
// Every operation is a single atomic step on the backing store. Callers must
// never compose a check and an increment out of two calls.
//
// Implementations:
//   - InMemoryStore: single instance, sync.Mutex, injectable clock
//   - RedisStore: distributed, one Lua script per operation
package quota

import (
	"context"
	"time"
)

// Store is the quota backend shared by all gateway instances.
type Store interface {
	// IncrementWindow counts one request for clientKey in the current
	// fixed window, creating the window on first use.
	IncrementWindow(ctx context.Context, clientKey string) (Window, error)

	// TryAcquireStreamSlot grants a slot only while the client holds fewer
	// than max slots.
	TryAcquireStreamSlot(ctx context.Context, clientKey string, max int) (StreamSlot, bool, error)

	// ReleaseStreamSlot gives a slot back. Releasing an already released
	// or expired slot is a no-op.
	ReleaseStreamSlot(ctx context.Context, slot StreamSlot) error

	// IncrementDailyBudget adds amount to today's global counter unless the
	// result would exceed limit. limit <= 0 disables the cap.
	IncrementDailyBudget(ctx context.Context, amount, limit int64) (Budget, error)

	// ClaimNonce records nonce for ttl and reports whether it was unseen.
	ClaimNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

type Window struct {
	Count       int
	WindowStart time.Time
	ResetAt     time.Time
}

type StreamSlot struct {
	ID        string
	ClientKey string
}

type Budget struct {
	Day     string
	Total   int64
	Limit   int64
	Allowed bool
}

// Options configures window and slot lifetimes for both implementations.
type Options struct {
	Window time.Duration
	// SlotTTL bounds how long a slot survives without release, so a crashed
	// instance cannot hold a client's slots forever.
	SlotTTL time.Duration
}

func DefaultOptions() Options {
	return Options{
		Window:  time.Minute,
		SlotTTL: 150 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Window <= 0 {
		o.Window = d.Window
	}
	if o.SlotTTL <= 0 {
		o.SlotTTL = d.SlotTTL
	}
	return o
}

// Day returns the UTC calendar day used to partition the budget counter.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// endOfDay is the first instant of the next UTC day.
func endOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
