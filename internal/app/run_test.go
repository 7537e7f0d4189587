package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloudpico-stations/internal/config"
)

const tessPage = `<html><body><h4><br><br> T. IR :   24.21 &ordm;C<br> T. Sens:   29.09 &ordm;C<br> Mag. :  16.23 mv/as2 f : 40.98 Hz<br></h4></body></html>`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, stationsYAML string) config.Config {
	t.Helper()
	dir := t.TempDir()
	stationsFile := filepath.Join(dir, "stations.yaml")
	if err := os.WriteFile(stationsFile, []byte(stationsYAML), 0o644); err != nil {
		t.Fatalf("write stations file: %v", err)
	}
	return config.Config{
		AppEnv:                "dev",
		LogLevel:              slog.LevelInfo,
		HTTPAddr:              "127.0.0.1:0",
		StationsFile:          stationsFile,
		HumanInterventionFile: filepath.Join(dir, "run", "human-intervention.json"),
		StartupTimeout:        time.Second,
		Driver:                "sqlite3",
		Path:                  filepath.Join(dir, "data", "stations.db"),
		MaxOpenConns:          1,
		MaxIdleConns:          1,
	}
}

func tessServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(tessPage))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, h http.Handler, target string) (int, map[string]json.RawMessage) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET %s: decode %q: %v", target, rec.Body.String(), err)
	}
	return rec.Code, body
}

func historyLen(t *testing.T, h http.Handler) int {
	t.Helper()
	code, body := get(t, h, "/stations/tessw/readings")
	if code != http.StatusOK {
		t.Fatalf("history status = %d", code)
	}
	var history struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body["value"], &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	return len(history.Items)
}

func TestNew_missingStationsFile(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.StationsFile = filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := New(context.Background(), cfg, quietLogger()); err == nil {
		t.Fatal("New: expected error for a missing stations file")
	}
}

func TestNew_invalidStationsFile(t *testing.T) {
	cfg := testConfig(t, "stations:\n  - name: x\n    type: weather-balloon\n")
	_, err := New(context.Background(), cfg, quietLogger())
	if err == nil || !strings.Contains(err.Error(), "unknown type") {
		t.Fatalf("err = %v; want unknown type", err)
	}
}

func TestServe_pollsAndPersists(t *testing.T) {
	srv := tessServer(t)
	cfg := testConfig(t, `
stations:
  - name: tessw
    type: tessw
    interval: 0.05
    http:
      host: `+srv.URL+`
sensors:
  - name: clouds
    project: last
    source: tessw:cover
    max: 90
    nreadings: 2
`)

	a, err := New(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}()

	st, err := a.Registry().Get("tessw")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.BufferSize() != 2 {
		t.Errorf("buffer size = %d; want the sensor's nreadings", st.BufferSize())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	h := a.Handler()
	// wait until two cycles have been stored, not only buffered
	deadline := time.Now().Add(5 * time.Second)
	for historyLen(t, h) < 2 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("stored %d readings; want 2", historyLen(t, h))
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n := len(st.Readings()); n != 2 {
		t.Errorf("buffered readings = %d; want 2", n)
	}

	if code, body := get(t, h, "/healthz"); code != http.StatusOK || string(body["status"]) != `"ok"` {
		t.Errorf("healthz = %d %v", code, body)
	}

	code, body := get(t, h, "/projects/last/is_safe")
	if code != http.StatusOK {
		t.Fatalf("is_safe status = %d", code)
	}
	// cover is 100 - 3*(29.09-24.21), about 85.4, below max
	if !strings.Contains(string(body["value"]), `"safe":true`) {
		t.Errorf("is_safe value = %s", body["value"])
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v; want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestMigrate(t *testing.T) {
	cfg := testConfig(t, "")
	applied, err := Migrate(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("first Migrate applied nothing")
	}
	again, err := Migrate(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second Migrate applied %v", again)
	}

	cfg.Driver = "none"
	if _, err := Migrate(context.Background(), cfg, quietLogger()); err == nil {
		t.Error("Migrate with driver none: expected error")
	}
}
