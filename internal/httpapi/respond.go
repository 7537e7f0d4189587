package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

const APIVersion = "1.0"

// Envelope wraps every response body.
type Envelope struct {
	APIVersion string   `json:"api_version"`
	Value      any      `json:"value"`
	Errors     []string `json:"errors"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		slog.Error("failed to write JSON", "error", err)
	}
}

// WriteValue writes a 200 envelope carrying v.
func WriteValue(w http.ResponseWriter, v any) {
	WriteJSON(w, http.StatusOK, Envelope{APIVersion: APIVersion, Value: v, Errors: []string{}})
}

func WriteError(w http.ResponseWriter, status int, msgs ...string) {
	if len(msgs) == 0 {
		msgs = []string{http.StatusText(status)}
	}
	WriteJSON(w, status, Envelope{APIVersion: APIVersion, Errors: msgs})
}
