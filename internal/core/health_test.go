package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/NoSleep-Drive/embedded/internal/device"
	"github.com/NoSleep-Drive/embedded/internal/evidence"
	"github.com/NoSleep-Drive/embedded/internal/journal"
)

type fakeHistory struct {
	records []journal.UploadRecord
	err     error
	limit   int
}

func (f *fakeHistory) Recent(limit int) ([]journal.UploadRecord, error) {
	f.limit = limit
	return f.records, f.err
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestHealthLiveness(t *testing.T) {
	h := newHarness(t, Options{})
	srv := httptest.NewServer(NewHealthServer(h.orch, nil).Handler())
	defer srv.Close()

	resp, body := get(t, srv, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, `"alive"`) {
		t.Errorf("Expected alive status, got %s", body)
	}
}

func TestReadinessNotRunning(t *testing.T) {
	h := newHarness(t, Options{})
	srv := httptest.NewServer(NewHealthServer(h.orch, nil).Handler())
	defer srv.Close()

	resp, body := get(t, srv, "/readiness")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}

	var status HealthStatus
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if status.Status != "unhealthy" {
		t.Errorf("Expected unhealthy, got %s", status.Status)
	}
}

func TestCheckDegradedWhenDeviceMissing(t *testing.T) {
	h := newHarness(t, Options{})
	h.orch.running.Store(true)
	h.orch.deps.Status.Set(device.Camera, true)
	h.orch.deps.Status.Set(device.Accelerometer, true)
	h.orch.deps.Status.Set(device.Speaker, false)

	hs := NewHealthServer(h.orch, nil)
	if got := hs.Check().Status; got != "degraded" {
		t.Errorf("Expected degraded, got %s", got)
	}

	h.orch.deps.Status.Set(device.Speaker, true)
	if got := hs.Check().Status; got != "healthy" {
		t.Errorf("Expected healthy, got %s", got)
	}
}

func TestMetricsIncludesSources(t *testing.T) {
	h := newHarness(t, Options{})
	for i := 0; i < 2; i++ {
		h.orch.processFrame(context.Background())
	}

	hs := NewHealthServer(h.orch, nil)
	hs.AddMetrics("uploads", func() map[string]uint64 {
		return map[string]uint64{"completed_total": 7}
	})
	srv := httptest.NewServer(hs.Handler())
	defer srv.Close()

	resp, body := get(t, srv, "/metrics")
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Expected text/plain, got %s", ct)
	}
	for _, want := range []string{
		"nosleep_frames_processed_total 2\n",
		"nosleep_uploads_completed_total 7\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in metrics, got:\n%s", want, body)
		}
	}

	lines := strings.Split(strings.TrimSpace(body), "\n")
	for i := 1; i < len(lines); i++ {
		if lines[i-1] > lines[i] {
			t.Errorf("Expected sorted metrics, %q before %q", lines[i-1], lines[i])
		}
	}
}

func TestUploadsEndpoint(t *testing.T) {
	h := newHarness(t, Options{})
	history := &fakeHistory{records: []journal.UploadRecord{
		{JobKey: "dev-1|/evidence/a", Folder: "/evidence/a", Status: string(evidence.StateCompleted), UpdatedAt: time.Now()},
	}}
	srv := httptest.NewServer(NewHealthServer(h.orch, history).Handler())
	defer srv.Close()

	resp, body := get(t, srv, "/uploads?limit=5")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if history.limit != 5 {
		t.Errorf("Expected limit 5, got %d", history.limit)
	}
	if !strings.Contains(body, "/evidence/a") {
		t.Errorf("Expected folder in body, got %s", body)
	}

	resp, _ = get(t, srv, "/uploads?limit=zero")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", resp.StatusCode)
	}

	history.err = errors.New("database is locked")
	resp, _ = get(t, srv, "/uploads")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", resp.StatusCode)
	}
	if history.limit != 50 {
		t.Errorf("Expected default limit 50, got %d", history.limit)
	}
}

func TestUploadsWithoutJournal(t *testing.T) {
	h := newHarness(t, Options{})
	srv := httptest.NewServer(NewHealthServer(h.orch, nil).Handler())
	defer srv.Close()

	resp, _ := get(t, srv, "/uploads")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}
