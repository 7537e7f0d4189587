package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"cloudpico-stations/internal/safety"
)

type safetyHandler struct {
	safety SafetyChecker
	gate   InterventionGate
	logger *slog.Logger
}

func registerSafety(mux *http.ServeMux, d Deps) {
	h := &safetyHandler{safety: d.Safety, gate: d.Gate, logger: d.Logger}
	mux.HandleFunc("GET /is_safe", h.handleIsSafe)
	mux.HandleFunc("GET /projects", h.handleProjects)
	mux.HandleFunc("GET /projects/{project}/is_safe", h.handleIsSafe)
	mux.HandleFunc("GET /projects/{project}/sensors", h.handleSensors)
	mux.HandleFunc("GET /projects/{project}/sensors/{sensor}", h.handleSensor)

	mux.HandleFunc("GET /human-intervention", h.handleInterventionStatus)
	// GET kept for clients that drive these from a browser
	for _, method := range []string{http.MethodPost, http.MethodGet} {
		mux.HandleFunc(method+" /human-intervention/create", h.handleInterventionCreate)
		mux.HandleFunc(method+" /human-intervention/remove", h.handleInterventionRemove)
	}
}

func projectOf(r *http.Request) string {
	if p := r.PathValue("project"); p != "" {
		return p
	}
	return safety.DefaultProject
}

func (h *safetyHandler) writeProjectError(w http.ResponseWriter, err error) {
	if errors.Is(err, safety.ErrUnknownProject) {
		WriteError(w, http.StatusNotFound, err.Error(), "known projects: "+strings.Join(h.safety.Projects(), ", "))
		return
	}
	h.logger.Error("safety check failed", "error", err)
	WriteError(w, http.StatusInternalServerError, err.Error())
}

func (h *safetyHandler) handleIsSafe(w http.ResponseWriter, r *http.Request) {
	resp, err := h.safety.IsSafe(projectOf(r))
	if err != nil {
		h.writeProjectError(w, err)
		return
	}
	WriteValue(w, resp)
}

func (h *safetyHandler) handleProjects(w http.ResponseWriter, r *http.Request) {
	WriteValue(w, h.safety.Projects())
}

func (h *safetyHandler) handleSensors(w http.ResponseWriter, r *http.Request) {
	project := projectOf(r)
	sensors, err := h.safety.Sensors(project)
	if err != nil {
		h.writeProjectError(w, err)
		return
	}
	out := make([]safety.Status, 0, len(sensors))
	for _, s := range sensors {
		out = append(out, s.Status())
	}
	WriteValue(w, map[string]any{"project": project, "sensors": out})
}

func (h *safetyHandler) handleSensor(w http.ResponseWriter, r *http.Request) {
	project := projectOf(r)
	sensors, err := h.safety.Sensors(project)
	if err != nil {
		h.writeProjectError(w, err)
		return
	}
	name := r.PathValue("sensor")
	names := make([]string, 0, len(sensors))
	for _, s := range sensors {
		if s.Settings().Name == name {
			WriteValue(w, map[string]any{"project": project, "sensor": s.Status()})
			return
		}
		names = append(names, s.Settings().Name)
	}
	WriteError(w, http.StatusNotFound,
		"no sensor named '"+name+"' for project '"+project+"'",
		"sensors: "+strings.Join(names, ", "))
}

func (h *safetyHandler) handleInterventionStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.gate.Status()
	if errors.Is(err, safety.ErrMarkerNotFound) {
		WriteValue(w, nil)
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteValue(w, rec)
}

func (h *safetyHandler) handleInterventionCreate(w http.ResponseWriter, r *http.Request) {
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" {
		WriteError(w, http.StatusBadRequest, "missing 'reason'")
		return
	}
	if err := h.gate.Create(reason); err != nil {
		h.logger.Error("human intervention not created", "error", err)
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("human intervention created", "reason", reason)
	WriteValue(w, "ok")
}

func (h *safetyHandler) handleInterventionRemove(w http.ResponseWriter, r *http.Request) {
	err := h.gate.Remove()
	if errors.Is(err, safety.ErrMarkerNotFound) {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("human intervention not removed", "error", err)
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("human intervention removed")
	WriteValue(w, "ok")
}
