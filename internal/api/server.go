// Package api is the HTTP surface of the gateway: the browser-facing chat
// endpoint, health probes and the Prometheus scrape endpoint.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipepmaragno/chat-gateway/internal/admission"
	"github.com/felipepmaragno/chat-gateway/internal/audit"
	"github.com/felipepmaragno/chat-gateway/internal/clientkey"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/origin"
)

// Admitter runs the admission gates for one request.
type Admitter interface {
	Admit(ctx context.Context, in admission.Inbound) (*domain.ProxySession, error)
}

// Relay forwards an admitted session to the upstream.
type Relay interface {
	Complete(ctx context.Context, s *domain.ProxySession) (*domain.ChatResponse, error)
	Stream(ctx context.Context, s *domain.ProxySession, w http.ResponseWriter) (started bool, err error)
}

type Config struct {
	Admitter  Admitter
	Relay     Relay
	Guard     *origin.Guard
	ClientKey *clientkey.Deriver
	Audit     audit.Recorder
	Models    ModelLister

	Checkers     []HealthChecker
	CheckTimeout time.Duration
	Version      string

	// TrustProxyHeaders lets X-Forwarded-For / X-Real-IP replace the peer
	// address. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

type Server struct {
	router    chi.Router
	admitter  Admitter
	relay     Relay
	guard     *origin.Guard
	clientKey *clientkey.Deriver
	audit     audit.Recorder
	models    ModelLister
	ready     *Readiness
}

func New(cfg Config) *Server {
	s := &Server{
		admitter:  cfg.Admitter,
		relay:     cfg.Relay,
		guard:     cfg.Guard,
		clientKey: cfg.ClientKey,
		audit:     cfg.Audit,
		models:    cfg.Models,
		ready:     NewReadiness(cfg.Checkers, cfg.CheckTimeout, cfg.Version),
	}
	if s.audit == nil {
		s.audit = audit.Discard{}
	}
	s.routes(cfg.TrustProxyHeaders)
	return s
}

func (s *Server) routes(trustProxy bool) {
	r := chi.NewRouter()

	r.Use(RequestID)
	if trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)

	r.Route("/api/chat", func(r chi.Router) {
		// Preflight answers OPTIONS itself.
		r.Use(s.guard.Preflight)
		r.Post("/", s.handleChat)
	})
	if s.models != nil {
		r.With(s.guard.Preflight).Get("/api/models", s.handleListModels)
	}

	r.Get("/health/live", handleHealthLive)
	r.Get("/health/ready", s.ready.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
}

// Readiness exposes the readiness probe so shutdown can drain it first.
func (s *Server) Readiness() *Readiness {
	return s.ready
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
