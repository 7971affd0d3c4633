// Package audit records admission decisions and request outcomes off the
// request path. Events travel through a bounded buffer; when it is full they
// are dropped and counted rather than slowing a request down.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/metrics"
)

type Outcome string

const (
	OutcomeAdmitted  Outcome = "admitted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Event never carries message content or the raw client address.
type Event struct {
	Time           time.Time `json:"time"`
	RequestID      string    `json:"request_id"`
	ClientKey      string    `json:"client_key,omitempty"`
	Outcome        Outcome   `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	RequestedModel string    `json:"requested_model,omitempty"`
	ResolvedModel  string    `json:"resolved_model,omitempty"`
	Substituted    bool      `json:"substituted,omitempty"`
	Stream         bool      `json:"stream"`
	Status         int       `json:"status,omitempty"`
	DurationMs     int64     `json:"duration_ms,omitempty"`
}

type Sink interface {
	Write(ctx context.Context, events []Event) error
}

type Recorder interface {
	Record(e Event)
}

// Discard is a Recorder that drops everything.
type Discard struct{}

func (Discard) Record(Event) {}

const maxBatch = 10

type Dispatcher struct {
	mu     sync.RWMutex
	closed bool
	events chan Event
	sinks  []Sink
	done   chan struct{}
}

// NewDispatcher starts the worker that drains events into sinks in batches.
func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	d := &Dispatcher{
		events: make(chan Event, buffer),
		sinks:  sinks,
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Record enqueues e without blocking.
func (d *Dispatcher) Record(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.AuditDropped.Inc()
		return
	}

	select {
	case d.events <- e:
	default:
		metrics.AuditDropped.Inc()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	batch := make([]Event, 0, maxBatch)
	for e := range d.events {
		batch = append(batch, e)
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-d.events:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		d.flush(batch)
		batch = batch[:0]
	}
}

func (d *Dispatcher) flush(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, sink := range d.sinks {
		if err := sink.Write(ctx, batch); err != nil {
			slog.Warn("audit sink write failed", "error", err, "events", len(batch))
		}
	}
}

// Close stops accepting events and waits for the buffer to drain or ctx to
// expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(ctx context.Context, events []Event) error {
	for _, e := range events {
		s.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
			slog.String("request_id", e.RequestID),
			slog.String("client_key", e.ClientKey),
			slog.String("outcome", string(e.Outcome)),
			slog.String("reason", e.Reason),
			slog.String("requested_model", e.RequestedModel),
			slog.String("resolved_model", e.ResolvedModel),
			slog.Bool("substituted", e.Substituted),
			slog.Bool("stream", e.Stream),
			slog.Int("status", e.Status),
			slog.Int64("duration_ms", e.DurationMs),
		)
	}
	return nil
}
