// Package budget raises operator alerts as the global daily budget fills up.
// It never influences admission; the quota store alone decides that.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/metrics"
	"github.com/felipepmaragno/chat-gateway/internal/notifications"
	"github.com/felipepmaragno/chat-gateway/internal/quota"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	Day        string
	Level      AlertLevel
	Limit      int64
	Total      int64
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(ctx context.Context, alert Alert)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// Level maps a usage ratio onto an alert level; "" below the warning line.
func (t Thresholds) Level(ratio float64) AlertLevel {
	switch {
	case ratio >= 1.0:
		return AlertLevelExceeded
	case ratio >= t.Critical:
		return AlertLevelCritical
	case ratio >= t.Warning:
		return AlertLevelWarning
	default:
		return ""
	}
}

// Monitor watches daily budget totals reported by admission. Dispatch runs
// off the request goroutine.
type Monitor struct {
	mu         sync.Mutex
	dedup      AlertDeduplicator
	thresholds Thresholds
	handlers   []AlertHandler
	// claimed remembers levels this instance already tried, so the shared
	// deduplicator is consulted once per level and day.
	claimed map[string]bool
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewMonitor(dedup AlertDeduplicator, thresholds Thresholds) *Monitor {
	return &Monitor{
		dedup:      dedup,
		thresholds: thresholds,
		claimed:    make(map[string]bool),
		timeout:    5 * time.Second,
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Observe records a daily total. A refused increment counts as exceeded
// whatever the ratio.
func (m *Monitor) Observe(ctx context.Context, b quota.Budget) {
	if b.Limit <= 0 {
		return
	}

	ratio := float64(b.Total) / float64(b.Limit)
	metrics.SetBudgetUsage(ratio)

	level := m.thresholds.Level(ratio)
	if !b.Allowed {
		level = AlertLevelExceeded
	}
	if level == "" {
		return
	}

	key := b.Day + ":" + string(level)
	m.mu.Lock()
	if m.claimed[key] {
		m.mu.Unlock()
		return
	}
	for k := range m.claimed {
		if !strings.HasPrefix(k, b.Day) {
			delete(m.claimed, k)
		}
	}
	m.claimed[key] = true
	handlers := make([]AlertHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	alert := Alert{
		Day:        b.Day,
		Level:      level,
		Limit:      b.Limit,
		Total:      b.Total,
		Percentage: ratio * 100,
		Timestamp:  time.Now(),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()

		if !m.dedup.ShouldAlert(dctx, alert.Day, alert.Level) {
			return
		}
		for _, handler := range handlers {
			handler(dctx, alert)
		}
	}()
}

// Wait blocks until in-flight dispatches finish.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func LogAlertHandler(ctx context.Context, alert Alert) {
	slog.WarnContext(ctx, "budget alert",
		"day", alert.Day,
		"level", alert.Level,
		"limit", alert.Limit,
		"total", alert.Total,
		"percentage", alert.Percentage,
	)
}

// NotifyHandler forwards alerts to a notifier such as SNS.
func NotifyHandler(n notifications.Notifier) AlertHandler {
	return func(ctx context.Context, alert Alert) {
		notification := notifications.Notification{
			Type:    notificationType(alert.Level),
			Day:     alert.Day,
			Message: fmt.Sprintf("daily budget %s: %d of %d (%.1f%%)", alert.Level, alert.Total, alert.Limit, alert.Percentage),
			Data: map[string]interface{}{
				"total": alert.Total,
				"limit": alert.Limit,
			},
		}
		if err := n.Send(ctx, notification); err != nil {
			slog.ErrorContext(ctx, "failed to send budget notification", "error", err, "level", alert.Level)
		}
	}
}

func notificationType(level AlertLevel) notifications.NotificationType {
	switch level {
	case AlertLevelExceeded:
		return notifications.NotificationBudgetExceeded
	case AlertLevelCritical:
		return notifications.NotificationBudgetCritical
	default:
		return notifications.NotificationBudgetWarning
	}
}
