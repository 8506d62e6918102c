package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NoSleep-Drive/embedded/internal/config"
)

func mockServiceConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{DeviceUID: "dev-1"}
	cfg.Camera.Source = "mock"
	cfg.Camera.Width = 32
	cfg.Camera.Height = 24
	cfg.Classifier.Mode = "mock"
	cfg.Storage.Root = filepath.Join(dir, "frames")
	cfg.Storage.JournalPath = filepath.Join(dir, "journal.db")
	cfg.Speaker.Player = "definitely-not-a-player"
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	return cfg
}

func TestNewServiceWiresMetrics(t *testing.T) {
	s, err := newService(mockServiceConfig(t))
	if err != nil {
		t.Fatalf("newService failed: %v", err)
	}
	defer s.journal.Close()

	if s.python != nil {
		t.Error("Expected no python worker in mock mode")
	}
	if s.emitter != nil {
		t.Error("Expected no mqtt emitter without a broker")
	}

	srv := httptest.NewServer(s.health.Handler())
	defer srv.Close()

	resp, body := get(t, srv, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	for _, want := range []string{"nosleep_uploads_enqueued_total", "nosleep_diagnosis_requests_total", "nosleep_framestore_frames_saved_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %s in metrics", want)
		}
	}

	resp, _ = get(t, srv, "/uploads")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected journal-backed /uploads, got %d", resp.StatusCode)
	}
}

func TestServiceRunAndShutdown(t *testing.T) {
	s, err := newService(mockServiceConfig(t))
	if err != nil {
		t.Fatalf("newService failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	waitFor(t, "orchestrator running", s.orch.IsRunning)

	// the shutdown control command cancels Run
	if err := s.orch.RequestShutdown(); err != nil {
		t.Fatalf("RequestShutdown failed: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Expected clean Run exit, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown request")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout())
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if s.orch.IsRunning() {
		t.Error("Expected orchestrator stopped")
	}
	if s.orch.DeviceStatus().Speaker {
		t.Error("Expected speaker disconnected without a player")
	}
}
