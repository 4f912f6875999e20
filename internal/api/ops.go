package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/iammorganparry/vecmem/internal/logging"
	"github.com/iammorganparry/vecmem/internal/store"
)

// Database is the part of *store.DB the ops handlers read.
type Database interface {
	PingContext(ctx context.Context) error
	Stats(ctx context.Context) (*store.Stats, error)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type HealthResponse struct {
	Status   string       `json:"status"`
	DB       ServiceCheck `json:"db"`
	Embedder ServiceCheck `json:"embedder"`
}

type ServiceCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type OpsHandler struct {
	db       Database
	embedder HealthChecker
}

func NewOpsHandler(db Database, embedder HealthChecker) *OpsHandler {
	return &OpsHandler{db: db, embedder: embedder}
}

func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}

	resp.DB = check(h.db.PingContext(r.Context()))
	if h.embedder != nil {
		resp.Embedder = check(h.embedder.HealthCheck(r.Context()))
	} else {
		resp.Embedder = ServiceCheck{Status: "disabled"}
	}
	if resp.DB.Status == "error" || resp.Embedder.Status == "error" {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *OpsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.Stats(r.Context())
	if err != nil {
		logging.From(r.Context()).Error("load stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func check(err error) ServiceCheck {
	if err != nil {
		return ServiceCheck{Status: "error", Message: err.Error()}
	}
	return ServiceCheck{Status: "ok"}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
