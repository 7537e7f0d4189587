package httpapi

import (
	"log/slog"
	"net/http"
)

type healthchecker struct {
	db Pinger
}

func (h *healthchecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			slog.Error("failed to check database connectivity", "error", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": "failed to check database connectivity"})
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func registerHealthcheck(mux *http.ServeMux, db Pinger) {
	h := &healthchecker{db: db}
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}
