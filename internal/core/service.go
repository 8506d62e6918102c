package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NoSleep-Drive/embedded/internal/classifier"
	"github.com/NoSleep-Drive/embedded/internal/config"
	"github.com/NoSleep-Drive/embedded/internal/control"
	"github.com/NoSleep-Drive/embedded/internal/device"
	"github.com/NoSleep-Drive/embedded/internal/diagnosis"
	"github.com/NoSleep-Drive/embedded/internal/emitter"
	"github.com/NoSleep-Drive/embedded/internal/evidence"
	"github.com/NoSleep-Drive/embedded/internal/eyestate"
	"github.com/NoSleep-Drive/embedded/internal/framestore"
	"github.com/NoSleep-Drive/embedded/internal/journal"
	"github.com/NoSleep-Drive/embedded/internal/vision"
)

const statsInterval = 30 * time.Second

// Service wires the device components and owns their lifecycle
type Service struct {
	cfg *config.Config

	store       *framestore.Store
	journal     *journal.Store
	uploader    *evidence.Uploader
	coordinator *evidence.Coordinator
	diagnosis   *diagnosis.Client
	python      *classifier.PythonClassifier
	orch        *Orchestrator
	health      *HealthServer
	emitter     *emitter.MQTTEmitter
	control     *control.Handler

	mu        sync.Mutex
	isRunning bool
	started   time.Time
	cancelCtx context.CancelFunc
}

// NewService loads the configuration and builds every component
func NewService(configPath, envFile string) (*Service, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"device_uid", cfg.DeviceUID,
		"server", cfg.Server.URL,
		"ai_server", cfg.Server.AIURL,
		"camera", cfg.Camera.Source,
		"classifier", cfg.Classifier.Mode,
	)

	return newService(cfg)
}

func newService(cfg *config.Config) (*Service, error) {
	s := &Service{cfg: cfg}

	store, err := framestore.Open(framestore.Options{
		Root:         cfg.Storage.Root,
		RingCapacity: cfg.Storage.RingCapacity,
		JPEGQuality:  cfg.Diagnosis.JPEGQuality,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open frame store: %w", err)
	}
	s.store = store

	var recorder evidence.Recorder
	if cfg.Storage.JournalPath != "" {
		j, err := journal.Open(cfg.Storage.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open upload journal: %w", err)
		}
		s.journal = j
		recorder = j
	}

	uploader, err := evidence.NewUploader(evidence.UploaderConfig{
		ServerURL:      cfg.Server.URL,
		Token:          cfg.Server.Token,
		MaxAttempts:    cfg.Upload.MaxAttempts,
		RetryDelay:     time.Duration(cfg.Upload.RetryDelayMS) * time.Millisecond,
		RequestTimeout: time.Duration(cfg.Upload.RequestTimeoutS) * time.Second,
		Encoder:        evidence.NewFFmpegEncoder(cfg.Encoder.FFmpegPath, cfg.Encoder.FPS, cfg.Encoder.Width, cfg.Encoder.Height),
		Recorder:       recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create uploader: %w", err)
	}
	s.uploader = uploader
	s.coordinator = evidence.NewCoordinator(uploader, recorder)

	s.diagnosis = diagnosis.NewClient(diagnosis.Config{
		BaseURL:           cfg.Server.AIURL,
		DeviceUID:         cfg.DeviceUID,
		Timeout:           time.Duration(cfg.Diagnosis.TimeoutMS) * time.Millisecond,
		FrameForwardHz:    *cfg.Diagnosis.FrameForwardHz,
		FrameForwardBurst: cfg.Diagnosis.FrameForwardBurst,
		JPEGQuality:       cfg.Diagnosis.JPEGQuality,
	})

	camera, err := s.newCamera()
	if err != nil {
		return nil, err
	}

	eyes, err := s.newClassifier()
	if err != nil {
		return nil, err
	}

	window, err := eyestate.New(cfg.Detection.WindowSize, cfg.Detection.ClosedRun)
	if err != nil {
		return nil, fmt.Errorf("failed to create eye state window: %w", err)
	}

	var events EventPublisher
	if cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewMQTTEmitter(cfg)
		events = s.emitter
	}

	orch, err := New(OptionsFromConfig(cfg), Deps{
		Camera: camera,
		Motion: device.NewMockMotionSensor(true, cfg.Motion.MoveThreshold),
		Speaker: device.NewSpeaker(device.SpeakerConfig{
			Player:     cfg.Speaker.Player,
			Mixer:      cfg.Speaker.Mixer,
			AlertSound: cfg.Speaker.AlertSound,
			StartSound: cfg.Speaker.StartSound,
			Volume:     *cfg.Speaker.Volume,
		}),
		Classifier:   eyes,
		Preprocessor: vision.DefaultNormalizer(),
		Diagnosis:    s.diagnosis,
		Coordinator:  s.coordinator,
		Store:        store,
		Window:       window,
		Reporter: device.NewStatusReporter(cfg.Server.URL, cfg.Server.Token, cfg.DeviceUID,
			time.Duration(cfg.Server.StatusTimeoutS)*time.Second, nil),
		Events: events,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	s.orch = orch

	var history UploadHistory
	if s.journal != nil {
		history = s.journal
	}
	s.health = NewHealthServer(orch, history)
	s.registerMetrics()

	return s, nil
}

func (s *Service) newCamera() (Camera, error) {
	c := s.cfg.Camera
	if c.Source == "mock" {
		slog.Info("using mock camera", "width", c.Width, "height", c.Height)
		return device.NewMockCamera(c.Width, c.Height), nil
	}
	camera, err := device.NewLibcameraCamera(device.LibcameraConfig{
		Width:  c.Width,
		Height: c.Height,
		FPS:    c.FPS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create camera: %w", err)
	}
	return camera, nil
}

func (s *Service) newClassifier() (EyeClassifier, error) {
	c := s.cfg.Classifier
	if c.Mode == "mock" {
		slog.Info("using mock eye classifier")
		return classifier.NewMockClassifier(), nil
	}
	python, err := classifier.NewPythonClassifier(classifier.PythonConfig{
		Command:   c.Command,
		Args:      c.Args,
		Threshold: c.Threshold,
		Timeout:   time.Duration(c.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create eye classifier: %w", err)
	}
	s.python = python
	return python, nil
}

func (s *Service) registerMetrics() {
	s.health.AddMetrics("uploads", func() map[string]uint64 {
		c := s.coordinator.Stats()
		u := s.uploader.Stats()
		return map[string]uint64{
			"enqueued_total":   c.Enqueued,
			"duplicates_total": c.Duplicates,
			"completed_total":  c.Completed,
			"failed_total":     c.Failed,
			"retained_total":   c.Retained,
			"panics_total":     c.Panics,
			"attempts_total":   u.Attempts,
			"active":           uint64(c.Active),
			"queued":           uint64(c.Queued),
		}
	})
	s.health.AddMetrics("diagnosis", func() map[string]uint64 {
		d := s.diagnosis.Stats()
		return map[string]uint64{
			"requests_total":         d.Requests,
			"remote_failures_total":  d.RemoteFailures,
			"frames_forwarded_total": d.FramesForwarded,
			"frames_dropped_total":   d.FramesDropped,
		}
	})
	s.health.AddMetrics("framestore", func() map[string]uint64 {
		saved, evicted := s.store.Stats()
		return map[string]uint64{
			"frames_saved_total":   saved,
			"frames_evicted_total": evicted,
		}
	})
	if s.python != nil {
		s.health.AddMetrics("classifier", func() map[string]uint64 {
			c := s.python.Stats()
			return map[string]uint64{
				"classified_total": c.Classified,
				"timeouts_total":   c.Timeouts,
				"errors_total":     c.Errors,
			}
		})
	}
}

// StartHealthServer starts the HTTP health server in the background
func (s *Service) StartHealthServer(port string) error {
	if port == "" {
		port = s.cfg.Health.Port
	}
	s.health.Start(port)
	return nil
}

// Run starts the service and blocks until ctx is cancelled or a shutdown
// command arrives
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	s.cancelCtx = cancel
	s.mu.Unlock()
	defer cancel()

	s.orch.SetShutdownFunc(cancel)

	if s.python != nil {
		// the worker outlives ctx so the loop can finish its last frame
		if err := s.python.Start(context.WithoutCancel(ctx)); err != nil {
			slog.Error("eye classifier unavailable, frames will be skipped", "error", err)
		}
	}

	if err := s.orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.emitter != nil {
		g.Go(func() error {
			s.startControlPlane(gctx)
			return nil
		})
	}

	g.Go(func() error {
		s.logStats(gctx)
		return nil
	})

	slog.Info("nosleep service running", "device_uid", s.cfg.DeviceUID)

	err := g.Wait()
	slog.Info("nosleep service run loop exiting")
	return err
}

// startControlPlane connects to the broker and subscribes the control handler.
// The device keeps working offline when the broker is unreachable.
func (s *Service) startControlPlane(ctx context.Context) {
	if err := s.emitter.Connect(ctx); err != nil {
		slog.Warn("mqtt unavailable, control plane disabled", "error", err)
		return
	}

	handler := control.NewHandler(s.cfg, s.emitter.Client, control.CommandCallbacks{
		OnGetStatus: s.orch.GetStatus,
		OnPause:     s.orch.Pause,
		OnResume:    s.orch.Resume,
		OnSetVolume: s.orch.SetVolume,
		OnShutdown:  s.orch.RequestShutdown,
	})
	if err := handler.Start(ctx); err != nil {
		slog.Warn("control plane subscription failed", "error", err)
		return
	}

	s.mu.Lock()
	s.control = handler
	s.mu.Unlock()
}

func (s *Service) logStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.orch.Stats()
			up := s.coordinator.Stats()
			slog.Info("nosleep stats",
				"frames_processed", st.FramesProcessed,
				"frames_skipped", st.FramesSkipped,
				"diagnosis_cycles", st.DiagnosisCycles,
				"remote_failures", st.RemoteFailures,
				"alerts", st.Alerts,
				"pending_folders", st.PendingFolders,
				"uploads_active", up.Active,
				"uploads_queued", up.Queued,
			)
		}
	}
}

// Shutdown stops the loop, waits for uploads up to ctx's deadline and
// releases every component
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	handler := s.control
	s.mu.Unlock()

	slog.Info("shutting down nosleep service")

	// 1. Stop the loop and the upload dispatcher
	s.orch.Stop()

	// 2. Let in-flight uploads and diagnosis requests finish
	if err := s.coordinator.Drain(ctx); err != nil {
		slog.Warn("uploads still running at shutdown deadline, cancelling", "error", err)
		s.coordinator.Cancel()
	}
	done := make(chan struct{})
	go func() {
		s.diagnosis.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("diagnosis requests still running at shutdown deadline")
	}

	// 3. Release the eye worker
	if s.python != nil {
		if err := s.python.Stop(); err != nil {
			slog.Error("failed to stop eye classifier", "error", err)
		}
	}

	// 4. Control plane and broker
	if handler != nil {
		if err := handler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}
	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	if err := s.health.Shutdown(ctx); err != nil {
		slog.Error("failed to stop health server", "error", err)
	}

	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			slog.Error("failed to close upload journal", "error", err)
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("nosleep service shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	return time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
}
