package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/morezero/orchestration-core/pkg/saga"
)

const httpLogPrefix = "server:http"

// HealthOutput is the body of /health.
type HealthOutput struct {
	Status    string          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

// routes builds the HTTP handler for health, readiness and introspection.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"dispatcher": s.disp.Metrics(),
			"saga":       s.orch.Metrics(),
		})
	})
	mux.HandleFunc("GET /handlers", func(w http.ResponseWriter, r *http.Request) {
		defs := s.orch.ListSagaDefinitions()
		sagas := make([]string, 0, len(defs))
		for _, d := range defs {
			sagas = append(sagas, d.ID)
		}
		writeJSON(w, http.StatusOK, map[string][]string{
			"commands":   s.disp.ListCommandHandlers(),
			"queries":    s.disp.ListQueryHandlers(),
			"readModels": s.disp.ListReadModels(),
			"sagas":      sagas,
		})
	})
	mux.HandleFunc("GET /sagas/running", func(w http.ResponseWriter, r *http.Request) {
		running := s.orch.GetRunningInstances()
		if running == nil {
			running = []saga.Instance{}
		}
		writeJSON(w, http.StatusOK, running)
	})
	mux.HandleFunc("GET /sagas/{id}", s.handleInstance)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()

	h := HealthOutput{
		Status:    "healthy",
		Checks:    map[string]bool{"kv": true},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.store.Ping(ctx); err != nil {
		slog.Warn(fmt.Sprintf("%s - key-value health check failed: %v", httpLogPrefix, err))
		h.Status = "unhealthy"
		h.Checks["kv"] = false
	}
	if s.nc != nil {
		h.Checks["comms"] = s.nc.IsConnected()
		if !h.Checks["comms"] {
			h.Status = "unhealthy"
		}
	}

	code := http.StatusOK
	if h.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.orch.GetInstance(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, saga.ErrInstanceNotFound):
		http.NotFound(w, r)
	case err != nil:
		slog.Error(fmt.Sprintf("%s - get instance: %v", httpLogPrefix, err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, inst)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - response encode: %v", httpLogPrefix, err))
	}
}
