package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"pm25-station/internal/utils"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type blockedReporter interface {
	Blocked() bool
}

type healthchecker interface {
	handleHealthz(w http.ResponseWriter, r *http.Request)
}

type healthcheckerImpl struct {
	queue   Pinger
	station blockedReporter
}

func NewHealthchecker(q Pinger, station blockedReporter) healthchecker {
	return &healthcheckerImpl{queue: q, station: station}
}

func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.queue.Ping(ctx); err != nil {
		slog.Error("failed to check queue storage", "error", err)
		utils.WriteError(w, http.StatusServiceUnavailable, "queue storage unavailable")
		return
	}
	if h.station != nil && h.station.Blocked() {
		utils.WriteError(w, http.StatusServiceUnavailable, "ingestion paused on storage failure")
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func registerHealthcheck(mux *http.ServeMux, q Pinger, station blockedReporter) {
	healthchecker := NewHealthchecker(q, station)
	mux.HandleFunc("GET /healthz", healthchecker.handleHealthz)
}
