//go:build integration

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"pir-motion-cam/config"
	"pir-motion-cam/mjpeg"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.BindIP = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Camera.Driver = "testpattern"
	cfg.Camera.ExtendedMemory = "false"
	cfg.Camera.FPS = 30
	cfg.Motion.PIREnabled = false
	cfg.Motion.CheckIntervalMS = 100
	cfg.Stream.FrameDelayMS = 10
	cfg.Diagnostics.BindIP = "127.0.0.1"
	cfg.Diagnostics.Port = 18080
	cfg.Logging.StatsSchedule = "@every 1s"
	return cfg
}

// Integration test that verifies the full system can start, serve and stop cleanly
func TestApplicationLifecycle(t *testing.T) {
	cfg := testConfig()
	app := NewApplication(cfg, zaptest.NewLogger(t))

	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}
	addr := app.listener.Addr().String()

	// Status page
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	fmt.Fprint(conn, "GET / HTTP/1.1\r\nHost: cam\r\n\r\n")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	page, err := io.ReadAll(conn)
	conn.Close()
	if err != nil {
		t.Fatalf("Failed to read page: %v", err)
	}
	if !strings.Contains(string(page), `<img src="/stream"`) {
		t.Errorf("Page does not embed the stream: %s", page)
	}

	// Stream a few frames, then disconnect
	conn, err = net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	fmt.Fprint(conn, "GET /stream HTTP/1.1\r\nHost: cam\r\n\r\n")
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	r := mjpeg.NewReader(conn)
	if ct, err := r.ReadHeader(); err != nil || ct != mjpeg.ContentType {
		t.Fatalf("Unexpected stream header %q: %v", ct, err)
	}
	for i := 0; i < 5; i++ {
		if _, err := r.ReadPart(); err != nil {
			t.Fatalf("Failed to read part %d: %v", i, err)
		}
	}
	conn.Close()

	// The scheduler returns to the loop once the peer is gone
	deadline := time.Now().Add(5 * time.Second)
	for app.scheduler.Stats().Streams == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if app.scheduler.Stats().Streams != 1 {
		t.Errorf("Expected 1 finished stream, got %d", app.scheduler.Stats().Streams)
	}

	// Diagnostics
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/stats", cfg.Diagnostics.Port))
	if err != nil {
		t.Fatalf("Failed to query diagnostics: %v", err)
	}
	var stats map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Errorf("Invalid stats JSON: %v", err)
	}
	resp.Body.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Timeouts.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := app.Stop(shutdownCtx); err != nil {
		t.Errorf("Failed to stop application: %v", err)
	}

	if out := app.pool.GetStats().Outstanding; out != 0 {
		t.Errorf("Expected no outstanding frames after shutdown, got %d", out)
	}
}
