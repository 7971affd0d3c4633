// Package admission decides whether a chat request may reach the upstream.
//
// Gates run in a fixed order, cheapest first:
//
//	origin -> body -> freshness -> rate window -> daily budget -> stream slot -> model
//
// The first failing gate rejects the request. Quota already spent by earlier
// gates is not refunded.
package admission

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/apierr"
	"github.com/felipepmaragno/chat-gateway/internal/audit"
	"github.com/felipepmaragno/chat-gateway/internal/cost"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
	"github.com/felipepmaragno/chat-gateway/internal/origin"
	"github.com/felipepmaragno/chat-gateway/internal/quota"
	"github.com/felipepmaragno/chat-gateway/internal/router"
	"github.com/felipepmaragno/chat-gateway/internal/telemetry"
	"github.com/felipepmaragno/chat-gateway/internal/validator"
)

type Config struct {
	RateLimit        int
	MaxStreams       int
	DailyBudget      int64
	ReplayWindow     time.Duration
	RequireTimestamp bool
	RequireNonce     bool
	// ReleaseTimeout bounds a slot release, which runs detached from the
	// request context.
	ReleaseTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RateLimit:        60,
		MaxStreams:       3,
		DailyBudget:      20000,
		ReplayWindow:     5 * time.Minute,
		RequireTimestamp: true,
		ReleaseTimeout:   2 * time.Second,
	}
}

// BudgetObserver is told about every daily budget result.
type BudgetObserver interface {
	Observe(ctx context.Context, b quota.Budget)
}

// Inbound is what admission needs from an HTTP request.
type Inbound struct {
	Origin        string
	Referer       string
	Body          io.Reader
	ContentLength int64
	ClientKey     string
	RequestID     string
}

type Controller struct {
	cfg       Config
	guard     *origin.Guard
	store     quota.Store
	router    *router.Router
	estimator *cost.Estimator
	budget    BudgetObserver
	audit     audit.Recorder
	now       func() time.Time
}

type Option func(*Controller)

func WithBudgetObserver(o BudgetObserver) Option {
	return func(c *Controller) { c.budget = o }
}

func WithAudit(r audit.Recorder) Option {
	return func(c *Controller) { c.audit = r }
}

func WithEstimator(e *cost.Estimator) Option {
	return func(c *Controller) { c.estimator = e }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func New(cfg Config, guard *origin.Guard, store quota.Store, r *router.Router, opts ...Option) *Controller {
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 2 * time.Second
	}
	c := &Controller{
		cfg:       cfg,
		guard:     guard,
		store:     store,
		router:    r,
		estimator: cost.NewEstimator(cost.UnitRequests),
		audit:     audit.Discard{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit runs every gate. On success the returned session may hold a stream
// slot; the caller must call session.Release on every exit path.
func (c *Controller) Admit(ctx context.Context, in Inbound) (*domain.ProxySession, error) {
	ctx, span := telemetry.StartSpan(ctx, "admission")
	defer span.End()

	session, err := c.admit(ctx, in)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		c.reject(ctx, in, session, err)
		return nil, err
	}

	telemetry.AddSessionAttributes(span, session.RequestID, session.ClientKey, session.ResolvedModel, session.Request.Stream)
	telemetry.AddModelAttributes(span, session.RequestedModel, session.ResolvedModel, session.Substituted)

	c.audit.Record(audit.Event{
		RequestID:      session.RequestID,
		ClientKey:      session.ClientKey,
		Outcome:        audit.OutcomeAdmitted,
		RequestedModel: session.RequestedModel,
		ResolvedModel:  session.ResolvedModel,
		Substituted:    session.Substituted,
		Stream:         session.Request.Stream,
	})
	return session, nil
}

func (c *Controller) admit(ctx context.Context, in Inbound) (*domain.ProxySession, error) {
	if err := c.guard.Check(in.Origin, in.Referer); err != nil {
		return nil, err
	}

	req, err := validator.Validate(in.Body, in.ContentLength)
	if err != nil {
		return nil, err
	}
	session := domain.NewProxySession(in.RequestID, in.ClientKey, req, nil)

	if err := c.checkFreshness(ctx, req); err != nil {
		return session, err
	}

	window, err := c.store.IncrementWindow(ctx, in.ClientKey)
	if err != nil {
		return session, fmt.Errorf("%w: %v", domain.ErrQuotaUnavailable, err)
	}
	if window.Count > c.cfg.RateLimit {
		return session, apierr.WithRetryAfter(
			fmt.Errorf("%w: %d requests in window", domain.ErrRateLimitExceeded, window.Count),
			window.ResetAt.Sub(c.now()),
		)
	}

	b, err := c.store.IncrementDailyBudget(ctx, c.estimator.Amount(req), c.cfg.DailyBudget)
	if err != nil {
		return session, fmt.Errorf("%w: %v", domain.ErrQuotaUnavailable, err)
	}
	if c.budget != nil {
		c.budget.Observe(ctx, b)
	}
	if !b.Allowed {
		return session, apierr.WithRetryAfter(
			fmt.Errorf("%w: %d of %d used on %s", domain.ErrBudgetExceeded, b.Total, b.Limit, b.Day),
			untilNextDay(c.now()),
		)
	}

	if req.Stream {
		slot, granted, err := c.store.TryAcquireStreamSlot(ctx, in.ClientKey, c.cfg.MaxStreams)
		if err != nil {
			return session, fmt.Errorf("%w: %v", domain.ErrQuotaUnavailable, err)
		}
		if !granted {
			return session, fmt.Errorf("%w: limit %d", domain.ErrConcurrencyLimit, c.cfg.MaxStreams)
		}
		session = domain.NewProxySession(in.RequestID, in.ClientKey, req, c.releaser(slot, in.RequestID))
	}

	c.router.Route(ctx, session)
	return session, nil
}

func (c *Controller) checkFreshness(ctx context.Context, req *domain.ChatRequest) error {
	if req.Timestamp == nil {
		if c.cfg.RequireTimestamp {
			return fmt.Errorf("%w: timestamp missing", domain.ErrRequestExpired)
		}
	} else {
		skew := c.now().Sub(time.UnixMilli(*req.Timestamp))
		if skew < 0 {
			skew = -skew
		}
		if skew > c.cfg.ReplayWindow {
			return fmt.Errorf("%w: clock skew %s", domain.ErrRequestExpired, skew.Round(time.Second))
		}
	}

	if !c.cfg.RequireNonce {
		return nil
	}
	if req.Nonce == "" {
		return fmt.Errorf("%w: nonce missing", domain.ErrReplayedRequest)
	}
	// One key space for all clients, so a captured request cannot be replayed
	// from another address. Both edges of the freshness window must be covered.
	fresh, err := c.store.ClaimNonce(ctx, req.Nonce, 2*c.cfg.ReplayWindow)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrQuotaUnavailable, err)
	}
	if !fresh {
		return domain.ErrReplayedRequest
	}
	return nil
}

// releaser returns a release func that runs at most once and survives a
// cancelled request context.
func (c *Controller) releaser(slot quota.StreamSlot, requestID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReleaseTimeout)
			defer cancel()
			if err := c.store.ReleaseStreamSlot(ctx, slot); err != nil {
				metrics.SlotReleaseFailures.Inc()
				slog.Error("failed to release stream slot",
					"error", err,
					"request_id", requestID,
					"client_key", slot.ClientKey,
				)
			}
		})
	}
}

func (c *Controller) reject(ctx context.Context, in Inbound, session *domain.ProxySession, err error) {
	e := apierr.Translate(err)
	metrics.RecordRejection(string(e.Kind))

	event := audit.Event{
		RequestID: in.RequestID,
		ClientKey: in.ClientKey,
		Outcome:   audit.OutcomeRejected,
		Reason:    string(e.Kind),
		Status:    e.Status,
	}
	if session != nil {
		event.RequestedModel = session.RequestedModel
		event.Stream = session.Request.Stream
	}
	c.audit.Record(event)

	slog.InfoContext(ctx, "request rejected",
		"request_id", in.RequestID,
		"client_key", in.ClientKey,
		"error_code", e.Kind,
		"error", err,
	)
}

func untilNextDay(now time.Time) time.Duration {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC).Sub(now)
}
