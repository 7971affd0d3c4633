package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/felipepmaragno/chat-gateway/internal/admission"
	"github.com/felipepmaragno/chat-gateway/internal/apierr"
	"github.com/felipepmaragno/chat-gateway/internal/audit"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
	"github.com/felipepmaragno/chat-gateway/internal/validator"
)

const (
	modeStream   = "stream"
	modeComplete = "complete"
	modeRejected = "rejected"

	// statusClientClosed is logged and counted for clients that went away.
	statusClientClosed = 499
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	requestID := middleware.GetReqID(ctx)

	session, err := s.admitter.Admit(ctx, admission.Inbound{
		Origin:        r.Header.Get("Origin"),
		Referer:       r.Header.Get("Referer"),
		Body:          http.MaxBytesReader(w, r.Body, validator.MaxBodyBytes),
		ContentLength: r.ContentLength,
		ClientKey:     s.clientKey.FromRequest(r),
		RequestID:     requestID,
	})
	if err != nil {
		e := apierr.Translate(err)
		apierr.Write(w, e)
		metrics.RecordRequest(modeRejected, "", statusLabel(e), time.Since(start).Seconds())
		return
	}
	defer session.Release()

	if session.Request.Stream {
		s.stream(w, r, session)
		return
	}
	s.complete(w, r, session)
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request, session *domain.ProxySession) {
	resp, err := s.relay.Complete(r.Context(), session)
	if err != nil {
		e := apierr.Translate(err)
		apierr.Write(w, e)
		s.finish(r, session, modeComplete, e, err)
		return
	}

	body := []byte(resp.Raw)
	if len(body) == 0 {
		body, _ = json.Marshal(resp)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		slog.WarnContext(r.Context(), "failed to write response",
			"request_id", session.RequestID,
			"error", err,
		)
	}
	s.finish(r, session, modeComplete, nil, nil)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, session *domain.ProxySession) {
	started, err := s.relay.Stream(r.Context(), session, w)
	if err == nil {
		s.finish(r, session, modeStream, nil, nil)
		return
	}

	e := apierr.Translate(err)
	if !started {
		apierr.Write(w, e)
	}
	s.finish(r, session, modeStream, e, err)
}

// finish records the terminal outcome of an admitted request. e is nil on
// success.
func (s *Server) finish(r *http.Request, session *domain.ProxySession, mode string, e *apierr.Error, cause error) {
	elapsed := time.Since(session.StartTime)
	status := statusLabel(e)

	metrics.RecordRequest(mode, session.ResolvedModel, status, elapsed.Seconds())

	event := audit.Event{
		RequestID:      session.RequestID,
		ClientKey:      session.ClientKey,
		Outcome:        audit.OutcomeCompleted,
		RequestedModel: session.RequestedModel,
		ResolvedModel:  session.ResolvedModel,
		Substituted:    session.Substituted,
		Stream:         session.Request.Stream,
		Status:         http.StatusOK,
		DurationMs:     elapsed.Milliseconds(),
	}

	attrs := []any{
		"request_id", session.RequestID,
		"client_key", session.ClientKey,
		"mode", mode,
		"model", session.ResolvedModel,
		"substituted", session.Substituted,
		"status", status,
		"latency_ms", elapsed.Milliseconds(),
	}

	if e == nil {
		s.audit.Record(event)
		slog.InfoContext(r.Context(), "request completed", attrs...)
		return
	}

	event.Outcome = audit.OutcomeFailed
	event.Reason = string(e.Kind)
	event.Status = e.Status
	if e.Kind == apierr.KindClientAborted {
		event.Status = statusClientClosed
	}
	s.audit.Record(event)

	attrs = append(attrs, "error_code", e.Kind, "error", cause)
	switch {
	case e.Kind == apierr.KindClientAborted:
		slog.InfoContext(r.Context(), "client went away", attrs...)
	case errors.Is(cause, domain.ErrUpstreamTimeout) && session.Request.Stream:
		slog.WarnContext(r.Context(), "stream truncated at deadline", attrs...)
	default:
		slog.WarnContext(r.Context(), "request failed", attrs...)
	}
}

func statusLabel(e *apierr.Error) string {
	if e == nil {
		return strconv.Itoa(http.StatusOK)
	}
	if e.Kind == apierr.KindClientAborted {
		return strconv.Itoa(statusClientClosed)
	}
	return strconv.Itoa(e.Status)
}
