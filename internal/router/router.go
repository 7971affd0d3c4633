package router

import (
	"context"
	"log/slog"

	"github.com/felipepmaragno/chat-gateway/internal/catalog"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
)

// Models is the read side of the live catalog.
type Models interface {
	Contains(id string) bool
	Default() string
}

// Resolve returns requested when the catalog serves it, otherwise the
// catalog default. It never fails.
func Resolve(requested string, models Models) (string, bool) {
	if requested != "" && models.Contains(requested) {
		return requested, false
	}
	return models.Default(), true
}

// SnapshotSource yields the catalog snapshot in effect for a request.
type SnapshotSource interface {
	Snapshot() *catalog.Snapshot
}

// Router applies Resolve to sessions and makes substitutions visible to
// operators. The client response never reveals them.
type Router struct {
	source SnapshotSource
}

func New(source SnapshotSource) *Router {
	return &Router{source: source}
}

func (r *Router) Route(ctx context.Context, session *domain.ProxySession) {
	model, substituted := Resolve(session.RequestedModel, r.source.Snapshot())
	session.ResolvedModel = model
	session.Substituted = substituted

	if !substituted {
		return
	}

	metrics.RecordSubstitution(model)
	slog.InfoContext(ctx, "model substituted",
		"request_id", session.RequestID,
		"client_key", session.ClientKey,
		"requested", session.RequestedModel,
		"resolved", model,
	)
}
