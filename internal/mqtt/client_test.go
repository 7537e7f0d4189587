package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// closedPort returns a local port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(Config{Broker: "127.0.0.1", Port: closedPort(t), ClientID: "test"}, quietLogger())
	t.Cleanup(c.Disconnect)
	return c
}

func TestNewClient_defaults(t *testing.T) {
	c := newTestClient(t)
	if c.cfg.PublishTimeout != 5*time.Second {
		t.Errorf("PublishTimeout = %v; want 5s", c.cfg.PublishTimeout)
	}
	if c.IsConnected() {
		t.Error("connected before Connect")
	}
}

func TestPublish_notConnected(t *testing.T) {
	c := newTestClient(t)
	err := c.Publish("stations/outside/telemetry", []byte("{}"), false)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish = %v; want ErrNotConnected", err)
	}
}

func TestConnect_respectsContext(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Connect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect = %v; want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Connect returned after %v", elapsed)
	}
}

func TestDisconnect_idempotentAndStopsConnect(t *testing.T) {
	c := newTestClient(t)
	c.Disconnect()
	c.Disconnect()

	if err := c.Connect(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Connect after Disconnect = %v; want ErrStopped", err)
	}
}
