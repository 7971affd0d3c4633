package api

import (
	"encoding/json"
	"net/http"

	"github.com/felipepmaragno/chat-gateway/internal/catalog"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// ModelLister yields the catalog snapshot currently used for routing.
type ModelLister interface {
	Snapshot() *catalog.Snapshot
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	snap := s.models.Snapshot()

	ids := snap.Models()
	resp := domain.ModelsResponse{
		Object: "list",
		Data:   make([]domain.Model, 0, len(ids)),
	}
	for _, id := range ids {
		resp.Data = append(resp.Data, domain.Model{
			ID:      id,
			Object:  "model",
			Default: id == snap.Default(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=60")
	json.NewEncoder(w).Encode(resp)
}
