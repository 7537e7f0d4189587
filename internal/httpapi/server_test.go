package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func attrsOf(r slog.Record) map[string]slog.Value {
	out := map[string]slog.Value{}
	r.Attrs(func(a slog.Attr) bool {
		out[a.Key] = a.Value
		return true
	})
	return out
}

func TestRequestLogger(t *testing.T) {
	h := &captureHandler{}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/teapot" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	handler := requestLogger(slog.New(h), inner)

	for _, path := range []string{"/teapot", "/healthz"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if len(h.records) != 2 {
		t.Fatalf("records = %d; want 2", len(h.records))
	}
	first := attrsOf(h.records[0])
	if h.records[0].Level != slog.LevelInfo || first["status"].Int64() != http.StatusTeapot || first["path"].String() != "/teapot" {
		t.Errorf("first record = %v %v", h.records[0].Level, first)
	}
	second := attrsOf(h.records[1])
	if h.records[1].Level != slog.LevelDebug || second["status"].Int64() != http.StatusOK {
		t.Errorf("healthz record = %v %v", h.records[1].Level, second)
	}
}

func TestNewServer_CORS(t *testing.T) {
	mux := NewMux(Deps{Stations: nil, Logger: quietLogger()})
	srv := NewServer(":0", mux, quietLogger())
	if srv.ReadHeaderTimeout == 0 {
		t.Error("ReadHeaderTimeout not set")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Error("Access-Control-Allow-Origin missing")
	}
}

func TestWriteError_defaultsToStatusText(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadGateway)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d", rec.Code)
	}
	want := `{"api_version":"1.0","value":null,"errors":["Bad Gateway"]}` + "\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q; want %q", rec.Body.String(), want)
	}
}

func TestWriteValue(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteValue(rec, []int{1, 2})
	want := `{"api_version":"1.0","value":[1,2],"errors":[]}` + "\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q; want %q", rec.Body.String(), want)
	}
}
