package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/NoSleep-Drive/embedded/internal/journal"
)

// UploadHistory lists journaled upload jobs
type UploadHistory interface {
	Recent(limit int) ([]journal.UploadRecord, error)
}

// MetricsSource contributes named counters to /metrics
type MetricsSource func() map[string]uint64

// HealthStatus represents the health state of the device service
type HealthStatus struct {
	Status        string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64  `json:"uptime_seconds"`
	Running       bool   `json:"running"`
	Paused        bool   `json:"paused"`
	Camera        bool   `json:"camera"`
	Accelerometer bool   `json:"accelerometer"`
	Speaker       bool   `json:"speaker"`
	UploadsBusy   bool   `json:"uploads_busy"`
	Pending       int    `json:"pending_folders"`
}

// HealthServer exposes liveness, readiness, counters and the upload journal over HTTP
type HealthServer struct {
	orch    *Orchestrator
	uploads UploadHistory
	sources map[string]MetricsSource
	server  *http.Server
	started time.Time
}

// NewHealthServer creates a server; uploads may be nil
func NewHealthServer(orch *Orchestrator, uploads UploadHistory) *HealthServer {
	return &HealthServer{
		orch:    orch,
		uploads: uploads,
		sources: make(map[string]MetricsSource),
		started: time.Now(),
	}
}

// AddMetrics registers counters under a name prefix
func (h *HealthServer) AddMetrics(prefix string, src MetricsSource) {
	h.sources[prefix] = src
}

// Handler returns the routed handler
func (h *HealthServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.livenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readiness", h.readinessHandler).Methods(http.MethodGet)
	r.HandleFunc("/metrics", h.metricsHandler).Methods(http.MethodGet)
	r.HandleFunc("/uploads", h.uploadsHandler).Methods(http.MethodGet)
	return r
}

// Check computes the health status
func (h *HealthServer) Check() HealthStatus {
	devices := h.orch.DeviceStatus()
	status := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(h.orch.Uptime().Seconds()),
		Running:       h.orch.IsRunning(),
		Paused:        h.orch.IsPaused(),
		Camera:        devices.Camera,
		Accelerometer: devices.Accelerometer,
		Speaker:       devices.Speaker,
		UploadsBusy:   h.orch.deps.Coordinator.Busy(),
		Pending:       h.orch.pending.Len(),
	}

	if !status.Running {
		status.Status = "unhealthy"
	} else if !devices.AllConnected() {
		status.Status = "degraded"
	}
	return status
}

func (h *HealthServer) livenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(h.started).Seconds()),
	})
}

func (h *HealthServer) readinessHandler(w http.ResponseWriter, r *http.Request) {
	health := h.Check()
	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (h *HealthServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	s := h.orch.Stats()
	counters := map[string]uint64{
		"nosleep_frames_processed_total":  s.FramesProcessed,
		"nosleep_frames_skipped_total":    s.FramesSkipped,
		"nosleep_classify_errors_total":   s.ClassifyErrors,
		"nosleep_stopped_ticks_total":     s.StoppedTicks,
		"nosleep_paused_ticks_total":      s.PausedTicks,
		"nosleep_tick_panics_total":       s.TickPanics,
		"nosleep_diagnosis_cycles_total":  s.DiagnosisCycles,
		"nosleep_remote_failures_total":   s.RemoteFailures,
		"nosleep_sleepy_decisions_total":  s.SleepyDecisions,
		"nosleep_alerts_total":            s.Alerts,
		"nosleep_evidence_folders_total":  s.EvidenceFolders,
		"nosleep_dropped_decisions_total": s.DroppedDecisions,
		"nosleep_pending_folders":         uint64(s.PendingFolders),
	}
	for prefix, src := range h.sources {
		for name, v := range src() {
			counters["nosleep_"+prefix+"_"+name] = v
		}
	}

	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	for _, name := range names {
		fmt.Fprintf(w, "%s %d\n", name, counters[name])
	}
}

func (h *HealthServer) uploadsHandler(w http.ResponseWriter, r *http.Request) {
	if h.uploads == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "upload journal disabled"})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	records, err := h.uploads.Recent(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// Start listens on port in the background
func (h *HealthServer) Start(port string) {
	h.server = &http.Server{
		Addr:         ":" + port,
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/metrics", "/uploads"},
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health check server failed", "error", err)
		}
	}()
}

// Shutdown stops the server
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
