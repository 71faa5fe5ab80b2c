package api

import (
	"context"
	"encoding/json"
	"net/http"
	"stashbin/svc/util"
	"time"
)

type HealthResponse struct {
	Status string `json:"status"`
}
type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Database string `json:"database"`
	Blobs    string `json:"blobs"`
	Cache    string `json:"cache"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready reports 503 when either storage tier is down. The shared cache only
// degrades reads, so its state is reported without failing the check.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true}
	resp.Database = probe(ctx, "database", s.deps.Store)
	resp.Blobs = probe(ctx, "blob store", s.deps.Blobs)
	resp.Cache = probe(ctx, "cache", s.deps.Cache)
	if resp.Database == "down" || resp.Blobs == "down" {
		resp.Ready = false
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
func probe(ctx context.Context, name string, p Pinger) string {
	if p == nil {
		return "unavailable"
	}
	pctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := p.Ping(pctx); err != nil {
		util.Error().Err(err).Str("component", name).Msg("health check failed")
		return "down"
	}
	return "up"
}
