package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/JFK/kagura-ai-sub007/pkg/logger"
)

// probeTimeout bounds each backend ping so one hung dependency cannot stall
// the health endpoint.
const probeTimeout = 2 * time.Second

type healthStatus struct {
	Status   string            `json:"status"`
	Backends map[string]string `json:"backends"`
}

// healthHandler reports liveness plus per-backend readiness. Any failing
// backend degrades the whole response to 503.
func healthHandler(deps Deps) http.HandlerFunc {
	type probe struct {
		name string
		ping func(context.Context) error
	}
	probes := []probe{
		{"storage", deps.Backend.Ping},
		{"cache", deps.KV.Ping},
		{"vector", deps.Index.Ping},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		out := healthStatus{Status: "ok", Backends: make(map[string]string, len(probes))}
		for _, p := range probes {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			err := p.ping(ctx)
			cancel()
			if err != nil {
				logger.Warnw("health probe failed", "backend", p.name, "error", err)
				out.Backends[p.name] = err.Error()
				out.Status = "degraded"
				continue
			}
			out.Backends[p.name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		if out.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
