package budget

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryDeduplicator_ShouldAlert(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDeduplicator()

	if !d.ShouldAlert(ctx, "2026-03-01", AlertLevelWarning) {
		t.Error("First alert should be allowed")
	}
	if d.ShouldAlert(ctx, "2026-03-01", AlertLevelWarning) {
		t.Error("Same alert should be deduplicated")
	}
	if !d.ShouldAlert(ctx, "2026-03-01", AlertLevelCritical) {
		t.Error("Different level should be allowed")
	}
	if !d.ShouldAlert(ctx, "2026-03-02", AlertLevelWarning) {
		t.Error("Next day should be allowed")
	}
}

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisDeduplicator_ShouldAlert(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredisClient(t)

	d1 := NewRedisDeduplicatorWithClient(client, 25*time.Hour)
	d2 := NewRedisDeduplicatorWithClient(client, 25*time.Hour)

	if !d1.ShouldAlert(ctx, "2026-03-01", AlertLevelWarning) {
		t.Error("First alert should be allowed")
	}
	if d2.ShouldAlert(ctx, "2026-03-01", AlertLevelWarning) {
		t.Error("Second instance should be deduplicated")
	}
	if !d2.ShouldAlert(ctx, "2026-03-01", AlertLevelExceeded) {
		t.Error("Different level should be allowed")
	}

	if ttl := mr.TTL("chatgw:budget:alert:2026-03-01:warning"); ttl != 25*time.Hour {
		t.Errorf("ttl = %v, want 25h", ttl)
	}

	mr.FastForward(26 * time.Hour)
	if !d1.ShouldAlert(ctx, "2026-03-01", AlertLevelWarning) {
		t.Error("Alert should be allowed after ttl")
	}
}

func TestRedisDeduplicator_FailsOpen(t *testing.T) {
	mr, client := newMiniredisClient(t)
	d := NewRedisDeduplicatorWithClient(client, time.Hour)
	mr.Close()

	if !d.ShouldAlert(context.Background(), "2026-03-01", AlertLevelWarning) {
		t.Error("Redis errors should let the alert through")
	}
}
