//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	paho "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const repoRootRel = ".."             // relative to ./e2e
const mainPkgRel = "./cmd/stationd" // main.go lives in cmd/stationd/

const tessPage = `<html><body><h4><br><br> T. IR :   24.21 &ordm;C<br> T. Sens:   29.09 &ordm;C<br> Mag. :  16.23 mv/as2 f : 40.98 Hz<br></h4></body></html>`

type envelope struct {
	APIVersion string          `json:"api_version"`
	Value      json.RawMessage `json:"value"`
	Errors     []string        `json:"errors"`
}

func TestSmoke_SQLiteAndMQTT(t *testing.T) {
	repoRoot := repoRootPath(t)
	broker, port := startMosquitto(t)
	telemetry := subscribe(t, broker, port, "stations/tessw/telemetry")

	dir := t.TempDir()
	stations := writeStations(t, dir, tessServer(t).URL)
	bin := buildBinary(t, repoRoot)
	addr := pickFreeAddr(t)

	cmd := startServer(t, bin,
		"APP_ENV=dev",
		"LOG_LEVEL=info",
		"HTTP_ADDR="+addr,
		"STATIONS_FILE="+stations,
		"HUMAN_INTERVENTION_FILE="+filepath.Join(dir, "human-intervention.json"),
		"DB_DRIVER=sqlite3",
		"SQLITE_PATH="+filepath.Join(dir, "stations.db"),
		"MQTT_BROKER="+broker,
		fmt.Sprintf("MQTT_PORT=%d", port),
	)

	client := &http.Client{Timeout: 2 * time.Second}
	base := "http://" + addr
	waitForOK(t, client, base+"/healthz", 10*time.Second)

	select {
	case msg := <-telemetry:
		var payload struct {
			StationID string              `json:"station_id"`
			Datums    map[string]*float64 `json:"datums"`
		}
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("decode telemetry %q: %v", msg, err)
		}
		if payload.StationID != "tessw" || payload.Datums["cover"] == nil {
			t.Errorf("telemetry = %s", msg)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("no telemetry published")
	}

	env := getEnvelope(t, client, base+"/stations")
	var list []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(env.Value, &list); err != nil {
		t.Fatalf("decode stations: %v", err)
	}
	if len(list) != 1 || list[0].Name != "tessw" {
		t.Errorf("stations = %s", env.Value)
	}

	env = getEnvelope(t, client, base+"/is_safe")
	var resp struct {
		Safe bool `json:"safe"`
	}
	if err := json.Unmarshal(env.Value, &resp); err != nil {
		t.Fatalf("decode is_safe: %v", err)
	}
	if !resp.Safe {
		t.Errorf("is_safe = %s; want safe", env.Value)
	}

	post, err := client.Post(base+"/human-intervention/create?reason=e2e", "text/plain", nil)
	if err != nil {
		t.Fatalf("create intervention: %v", err)
	}
	_ = post.Body.Close()
	env = getEnvelope(t, client, base+"/projects/last/is_safe")
	if err := json.Unmarshal(env.Value, &resp); err != nil {
		t.Fatalf("decode is_safe: %v", err)
	}
	if resp.Safe {
		t.Error("is_safe while human intervention is set")
	}

	stopServer(t, cmd)
}

func TestSmoke_Postgres(t *testing.T) {
	repoRoot := repoRootPath(t)
	pgURL := startPostgres(t)

	dir := t.TempDir()
	stations := writeStations(t, dir, tessServer(t).URL)
	bin := buildBinary(t, repoRoot)
	addr := pickFreeAddr(t)

	cmd := startServer(t, bin,
		"APP_ENV=prod",
		"LOG_LEVEL=info",
		"HTTP_ADDR="+addr,
		"STATIONS_FILE="+stations,
		"HUMAN_INTERVENTION_FILE="+filepath.Join(dir, "human-intervention.json"),
		"DB_DRIVER=postgres",
		"POSTGRES_URL="+pgURL,
	)

	client := &http.Client{Timeout: 2 * time.Second}
	base := "http://" + addr
	waitForOK(t, client, base+"/healthz", 10*time.Second)

	deadline := time.Now().Add(15 * time.Second)
	for {
		env := getEnvelope(t, client, base+"/stations/tessw/readings")
		var history struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(env.Value, &history); err != nil {
			t.Fatalf("decode history: %v", err)
		}
		if len(history.Items) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history has %d items; want at least 2", len(history.Items))
		}
		time.Sleep(200 * time.Millisecond)
	}

	stopServer(t, cmd)
}

func writeStations(t *testing.T, dir, tessURL string) string {
	t.Helper()
	path := filepath.Join(dir, "stations.yaml")
	body := `
stations:
  - name: tessw
    type: tessw
    interval: 0.5
    http:
      host: ` + tessURL + `
sensors:
  - name: clouds
    project: last
    source: tessw:cover
    max: 90
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write stations file: %v", err)
	}
	return path
}

func tessServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(tessPage))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func startMosquitto(t *testing.T) (string, int) {
	t.Helper()
	ctx := context.Background()
	mqttPort := nat.Port("1883/tcp")

	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		ExposedPorts: []string{string(mqttPort)},
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.AutoRemove = true
		},
		WaitingFor: wait.ForListeningPort(mqttPort).WithStartupTimeout(30 * time.Second),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mosquitto container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("mosquitto host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, mqttPort)
	if err != nil {
		t.Fatalf("mosquitto port: %v", err)
	}
	return host, mapped.Int()
}

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	pgPort := nat.Port("5432/tcp")

	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{string(pgPort)},
		Env: map[string]string{
			"POSTGRES_USER":     "stations",
			"POSTGRES_PASSWORD": "stations",
			"POSTGRES_DB":       "stations",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort(pgPort),
		).WithStartupTimeoutDefault(60 * time.Second),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, pgPort)
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	return fmt.Sprintf("postgres://stations:stations@%s:%s/stations?sslmode=disable", host, mapped.Port())
}

// subscribe delivers every payload published on topic.
func subscribe(t *testing.T, host string, port int, topic string) <-chan []byte {
	t.Helper()
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", host, port)).
		SetClientID("stations-e2e")
	client := paho.NewClient(opts)
	if tok := client.Connect(); !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
		t.Fatalf("mqtt connect: %v", tok.Error())
	}
	t.Cleanup(func() { client.Disconnect(250) })

	ch := make(chan []byte, 16)
	tok := client.Subscribe(topic, 1, func(_ paho.Client, m paho.Message) {
		select {
		case ch <- m.Payload():
		default:
		}
	})
	if !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
		t.Fatalf("mqtt subscribe: %v", tok.Error())
	}
	return ch
}

func getEnvelope(t *testing.T, client *http.Client, url string) envelope {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status=%d want=%d", url, resp.StatusCode, http.StatusOK)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("GET %s: decode json: %v", url, err)
	}
	if env.APIVersion != "1.0" || len(env.Errors) != 0 {
		t.Fatalf("GET %s: envelope api_version=%q errors=%v", url, env.APIVersion, env.Errors)
	}
	return env
}

func startServer(t *testing.T, bin string, env ...string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(bin, "serve")
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	return cmd
}

func repoRootPath(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}

	repo := filepath.Clean(filepath.Join(wd, repoRootRel))
	if _, err := os.Stat(filepath.Join(repo, "go.mod")); err != nil {
		t.Fatalf("repo root %q does not contain go.mod: %v", repo, err)
	}

	return repo
}

func buildBinary(t *testing.T, repoRoot string) string {
	t.Helper()

	tmp := t.TempDir()
	out := filepath.Join(tmp, "stationd")

	build := exec.Command("go", "build", "-o", out, mainPkgRel)
	build.Dir = repoRoot
	build.Env = os.Environ()

	b, err := build.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(b))
	}

	return out
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen :0: %v", err)
	}
	defer ln.Close()

	return ln.Addr().String()
}

func waitForOK(t *testing.T, client *http.Client, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server not healthy after %s: %s", timeout, url)
}

func stopServer(t *testing.T, cmd *exec.Cmd) {
	t.Helper()

	_ = cmd.Process.Signal(syscall.SIGTERM)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		t.Fatalf("server did not exit in time")
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				t.Fatalf("server exited non-zero: %v", err)
			}
			t.Fatalf("server wait error: %v", err)
		}
	}
}
