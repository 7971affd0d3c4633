// Package relay forwards admitted sessions to the upstream chat-completions
// API and copies the answer back, streamed or whole.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/apierr"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
	"github.com/felipepmaragno/chat-gateway/internal/telemetry"
)

const (
	streamBufferSize = 4 * 1024
	maxErrorBody     = 2 * 1024
	maxResponseBody  = 4 << 20
)

type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds a non-streaming call end to end.
	Timeout time.Duration
	// StreamDeadline bounds a stream from the moment it is opened.
	StreamDeadline time.Duration
}

// Breaker decides whether the upstream may be called and learns from the
// outcome of each call.
type Breaker interface {
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
}

type noopBreaker struct{}

func (noopBreaker) Allow(context.Context) error   { return nil }
func (noopBreaker) RecordSuccess(context.Context) {}
func (noopBreaker) RecordFailure(context.Context) {}

type Relay struct {
	cfg     Config
	client  *http.Client
	breaker Breaker
}

type Option func(*Relay)

// WithBreaker fails calls fast while b is open.
func WithBreaker(b Breaker) Option {
	return func(r *Relay) { r.breaker = b }
}

func New(cfg Config, client *http.Client, opts ...Option) *Relay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.StreamDeadline <= 0 {
		cfg.StreamDeadline = 120 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	r := &Relay{cfg: cfg, client: client, breaker: noopBreaker{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) newRequest(ctx context.Context, s *domain.ProxySession) (*http.Request, error) {
	body, err := json.Marshal(s.UpstreamBody())
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	if s.Request.Stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}

// Complete performs a non-streaming call.
func (r *Relay) Complete(ctx context.Context, s *domain.ProxySession) (*domain.ChatResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "upstream.complete")
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	resp, err := r.do(ctx, callCtx, s)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		err = r.transportError(ctx, callCtx, err)
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	chatResp, err := decodeCompletion(data, s.ResolvedModel)
	if err != nil {
		err = fmt.Errorf("decode response: %w", &domain.UpstreamError{StatusCode: http.StatusBadGateway, Body: "malformed completion"})
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}
	return chatResp, nil
}

// decodeCompletion parses an upstream answer and keeps its raw body, filling
// in model when the upstream left it out.
func decodeCompletion(data []byte, model string) (*domain.ChatResponse, error) {
	var resp domain.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("completion is not an object")
	}

	if resp.Model == "" {
		resp.Model = model
		fields["model"], _ = json.Marshal(model)
		patched, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		data = patched
	}
	resp.Raw = data
	return &resp, nil
}

// Stream relays an SSE answer into w. started reports whether response
// headers were written; once they are, errors can only be signalled inside
// the stream.
func (r *Relay) Stream(ctx context.Context, s *domain.ProxySession, w http.ResponseWriter) (started bool, err error) {
	ctx, span := telemetry.StartSpan(ctx, "upstream.stream")
	defer span.End()
	defer func() {
		if err != nil {
			telemetry.AddErrorAttribute(span, err)
		}
	}()

	streamCtx, cancel := context.WithTimeout(ctx, r.cfg.StreamDeadline)
	defer cancel()

	resp, err := r.do(ctx, streamCtx, s)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	buf := make([]byte, streamBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				if ctx.Err() != nil {
					return true, fmt.Errorf("write to client: %w", ctx.Err())
				}
				return true, fmt.Errorf("write to client: %w", context.Canceled)
			}
			flush()
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			return true, nil
		}

		err := r.transportError(ctx, streamCtx, readErr)
		switch {
		case errors.Is(err, domain.ErrUpstreamTimeout):
			metrics.StreamsTruncated.Inc()
			writeEvent(w, apierr.Translate(err))
			flush()
		case ctx.Err() == nil:
			metrics.RecordUpstreamError("stream_interrupted")
			writeEvent(w, apierr.Translate(&domain.UpstreamError{StatusCode: http.StatusBadGateway, Body: "stream interrupted"}))
			flush()
		}
		return true, err
	}
}

// do sends the request on callCtx and turns transport failures and non-2xx
// answers into domain errors. parent is the caller's context, used to tell a
// client abort apart from our own deadline.
func (r *Relay) do(parent, callCtx context.Context, s *domain.ProxySession) (*http.Response, error) {
	if err := r.breaker.Allow(parent); err != nil {
		metrics.RecordUpstreamError("circuit_open")
		return nil, fmt.Errorf("upstream call skipped: %w", err)
	}

	req, err := r.newRequest(callCtx, s)
	if err != nil {
		return nil, err
	}

	// Outcomes are recorded even when the client has gone away.
	recordCtx := context.WithoutCancel(parent)

	resp, err := r.client.Do(req)
	if err != nil {
		err = r.transportError(parent, callCtx, err)
		if parent.Err() == nil {
			metrics.RecordUpstreamError(errorType(err))
			r.breaker.RecordFailure(recordCtx)
		}
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		metrics.RecordUpstreamError(fmt.Sprintf("status_%d", resp.StatusCode))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			r.breaker.RecordFailure(recordCtx)
		} else {
			r.breaker.RecordSuccess(recordCtx)
		}
		return nil, &domain.UpstreamError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	r.breaker.RecordSuccess(recordCtx)
	return resp, nil
}

func (r *Relay) transportError(parent, callCtx context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("upstream request: %w", parent.Err())
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrUpstreamNoResponse, err)
}

func errorType(err error) string {
	if errors.Is(err, domain.ErrUpstreamTimeout) {
		return "timeout"
	}
	return "unreachable"
}

type eventBody struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

// writeEvent emits an SSE error event so a client mid-stream learns why the
// answer stopped.
func writeEvent(w io.Writer, e *apierr.Error) {
	data, _ := json.Marshal(eventBody{Error: e.Message, ErrorCode: string(e.Kind)})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
}
