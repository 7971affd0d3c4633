// Package apierr maps gateway and upstream failures onto the small, stable
// set of error codes returned to browser clients.
//
// Internal code returns sentinel errors from the domain package (wrapped
// with %w as they travel up). Translation happens once, at the HTTP edge, so
// upstream-specific error shapes never leak to the client.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

type Kind string

const (
	KindBadRequest          Kind = "BAD_REQUEST"
	KindPayloadTooLarge     Kind = "PAYLOAD_TOO_LARGE"
	KindRequestExpired      Kind = "REQUEST_EXPIRED"
	KindReplayedRequest     Kind = "REPLAYED_REQUEST"
	KindUntrustedOrigin     Kind = "UNTRUSTED_ORIGIN"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindConcurrencyLimited  Kind = "CONCURRENCY_LIMITED"
	KindBudgetExhausted     Kind = "BUDGET_EXHAUSTED"
	KindQuotaUnavailable    Kind = "QUOTA_UNAVAILABLE"
	KindUpstreamError       Kind = "UPSTREAM_ERROR"
	KindUpstreamRejected    Kind = "UPSTREAM_REJECTED"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindGatewayTimeout      Kind = "GATEWAY_TIMEOUT"
	KindClientAborted       Kind = "CLIENT_ABORTED"
	KindInternal            Kind = "INTERNAL"
)

// Error is the client-facing form of a failure.
type Error struct {
	Kind       Kind
	Status     int
	Retryable  bool
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// WritesResponse reports whether the client should receive a response body.
// A client that aborted gets nothing.
func (e *Error) WritesResponse() bool {
	return e.Kind != KindClientAborted
}

type retryHint struct {
	err   error
	after time.Duration
}

func (r *retryHint) Error() string { return r.err.Error() }
func (r *retryHint) Unwrap() error { return r.err }

// WithRetryAfter attaches a backoff hint that Translate copies into the
// Retry-After header.
func WithRetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryHint{err: err, after: after}
}

var table = []struct {
	target error
	kind   Kind
	status int
	retry  bool
	msg    string
}{
	{domain.ErrPayloadTooLarge, KindPayloadTooLarge, http.StatusBadRequest, false, "request body too large"},
	{domain.ErrInvalidRequest, KindBadRequest, http.StatusBadRequest, false, "invalid request"},
	{domain.ErrRequestExpired, KindRequestExpired, http.StatusBadRequest, false, "request expired, check your clock"},
	{domain.ErrReplayedRequest, KindReplayedRequest, http.StatusBadRequest, false, "request already processed"},
	{domain.ErrUntrustedOrigin, KindUntrustedOrigin, http.StatusForbidden, false, "origin not allowed"},
	{domain.ErrRateLimitExceeded, KindRateLimited, http.StatusTooManyRequests, true, "too many requests, please slow down"},
	{domain.ErrConcurrencyLimit, KindConcurrencyLimited, http.StatusTooManyRequests, true, "too many open conversations, wait for one to finish"},
	{domain.ErrBudgetExceeded, KindBudgetExhausted, http.StatusTooManyRequests, true, "daily usage limit reached, try again later"},
	{domain.ErrQuotaUnavailable, KindQuotaUnavailable, http.StatusServiceUnavailable, true, "service temporarily unavailable"},
	{domain.ErrUpstreamTimeout, KindGatewayTimeout, http.StatusGatewayTimeout, true, "the model took too long to answer"},
	{domain.ErrUpstreamNoResponse, KindUpstreamUnavailable, http.StatusServiceUnavailable, true, "model provider unreachable"},
	{domain.ErrCircuitOpen, KindUpstreamUnavailable, http.StatusServiceUnavailable, true, "model provider unavailable, try again shortly"},
}

// Translate converts any error into a client-facing Error. Unknown errors
// become INTERNAL so their text never reaches the client.
func Translate(err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	e := classify(err)

	var hint *retryHint
	if errors.As(err, &hint) && e.Retryable {
		e.RetryAfter = hint.after
	}
	if e.Retryable && e.RetryAfter <= 0 {
		e.RetryAfter = defaultRetryAfter(e.Kind)
	}

	return e
}

func classify(err error) *Error {
	for _, row := range table {
		if errors.Is(err, row.target) {
			return &Error{Kind: row.kind, Status: row.status, Retryable: row.retry, Message: row.msg}
		}
	}

	var upErr *domain.UpstreamError
	if errors.As(err, &upErr) {
		return fromUpstreamStatus(upErr.StatusCode)
	}

	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindClientAborted, Message: "client closed request"}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindGatewayTimeout, Status: http.StatusGatewayTimeout, Retryable: true, Message: "the model took too long to answer"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindGatewayTimeout, Status: http.StatusGatewayTimeout, Retryable: true, Message: "the model took too long to answer"}
		}
		return &Error{Kind: KindUpstreamUnavailable, Status: http.StatusServiceUnavailable, Retryable: true, Message: "model provider unreachable"}
	}

	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: "internal error"}
}

func fromUpstreamStatus(status int) *Error {
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &Error{Kind: KindGatewayTimeout, Status: http.StatusGatewayTimeout, Retryable: true, Message: "the model took too long to answer"}
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return &Error{Kind: KindUpstreamUnavailable, Status: http.StatusServiceUnavailable, Retryable: true, Message: "model provider is busy, try again shortly"}
	case status >= 500:
		return &Error{Kind: KindUpstreamError, Status: http.StatusBadGateway, Retryable: true, Message: "model provider error"}
	default:
		return &Error{Kind: KindUpstreamRejected, Status: http.StatusBadGateway, Message: "model provider rejected the request"}
	}
}

func defaultRetryAfter(kind Kind) time.Duration {
	switch kind {
	case KindRateLimited, KindConcurrencyLimited:
		return 5 * time.Second
	case KindBudgetExhausted:
		return time.Hour
	default:
		return 2 * time.Second
	}
}

type body struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Write sends e as the JSON error body. It writes nothing for client aborts.
func Write(w http.ResponseWriter, e *Error) {
	if e == nil || !e.WritesResponse() {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if e.Retryable && e.RetryAfter > 0 {
		secs := int((e.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(body{Error: e.Message, ErrorCode: string(e.Kind)})
}
