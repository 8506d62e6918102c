package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NoSleep-Drive/embedded/internal/config"
	"github.com/NoSleep-Drive/embedded/internal/device"
	"github.com/NoSleep-Drive/embedded/internal/diagnosis"
	"github.com/NoSleep-Drive/embedded/internal/eyestate"
	"github.com/NoSleep-Drive/embedded/internal/framestore"
	"github.com/NoSleep-Drive/embedded/internal/types"
)

const decisionBuffer = 16

// Options contains the pacing and evidence settings of the loop
type Options struct {
	DeviceUID          string
	FrameInterval      time.Duration
	FramesPerDiagnosis int
	StopBackoff        time.Duration
	PauseBackoff       time.Duration
	PreEventWindow     time.Duration
	PreEventMaxFrames  int
	EvidenceMaxFrames  int
	StatusTimeout      time.Duration
}

// OptionsFromConfig maps the validated configuration to loop options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DeviceUID:          cfg.DeviceUID,
		FrameInterval:      time.Duration(cfg.Loop.FrameIntervalMS) * time.Millisecond,
		FramesPerDiagnosis: cfg.Loop.FramesPerDiagnosis,
		StopBackoff:        time.Duration(cfg.Loop.StopBackoffMS) * time.Millisecond,
		PauseBackoff:       time.Duration(cfg.Loop.PauseBackoffMS) * time.Millisecond,
		PreEventWindow:     time.Duration(cfg.Storage.PreEventMS) * time.Millisecond,
		PreEventMaxFrames:  cfg.Storage.PreEventMaxFrames,
		EvidenceMaxFrames:  cfg.Storage.EvidenceMaxFrames,
		StatusTimeout:      time.Duration(cfg.Server.StatusTimeoutS) * time.Second,
	}
}

func (o *Options) applyDefaults() {
	if o.FrameInterval <= 0 {
		o.FrameInterval = 42 * time.Millisecond
	}
	if o.FramesPerDiagnosis <= 0 {
		o.FramesPerDiagnosis = 24
	}
	if o.StopBackoff <= 0 {
		o.StopBackoff = 100 * time.Millisecond
	}
	if o.PauseBackoff <= 0 {
		o.PauseBackoff = 10 * time.Millisecond
	}
	if o.PreEventWindow <= 0 {
		o.PreEventWindow = 2500 * time.Millisecond
	}
	if o.PreEventMaxFrames <= 0 {
		o.PreEventMaxFrames = 60
	}
	if o.EvidenceMaxFrames <= 0 {
		o.EvidenceMaxFrames = 120
	}
	if o.StatusTimeout <= 0 {
		o.StatusTimeout = 5 * time.Second
	}
}

// Deps are the collaborators of the orchestrator. Reporter and Events are optional.
type Deps struct {
	Camera       Camera
	Motion       MotionSensor
	Speaker      Speaker
	Classifier   EyeClassifier
	Preprocessor Preprocessor
	Diagnosis    DiagnosisClient
	Coordinator  Coordinator
	Store        *framestore.Store
	Window       *eyestate.Window
	Status       *device.Status
	Reporter     StatusReporter
	Events       EventPublisher
}

func (d Deps) validate() error {
	switch {
	case d.Camera == nil:
		return fmt.Errorf("camera is required")
	case d.Motion == nil:
		return fmt.Errorf("motion sensor is required")
	case d.Speaker == nil:
		return fmt.Errorf("speaker is required")
	case d.Classifier == nil:
		return fmt.Errorf("classifier is required")
	case d.Preprocessor == nil:
		return fmt.Errorf("preprocessor is required")
	case d.Diagnosis == nil:
		return fmt.Errorf("diagnosis client is required")
	case d.Coordinator == nil:
		return fmt.Errorf("coordinator is required")
	case d.Store == nil:
		return fmt.Errorf("frame store is required")
	case d.Window == nil:
		return fmt.Errorf("eye state window is required")
	}
	return nil
}

// decision is the outcome of one diagnosis cycle, applied by the loop goroutine
type decision struct {
	sleepy bool
	at     time.Time
	source string
	cycle  uint64
}

// Orchestrator runs the motion-gated pacing loop: capture, classify, persist,
// and every FramesPerDiagnosis frames a diagnosis cycle. Ring and evidence
// folders are written only by the loop goroutine.
type Orchestrator struct {
	opts Options
	deps Deps

	mu       sync.Mutex
	started  time.Time
	stopped  bool
	cancel   context.CancelFunc
	running  atomic.Bool
	paused   atomic.Bool
	shutdown context.CancelFunc

	windowMu sync.Mutex // shared by frame ingestion and the local fallback

	decisions chan decision
	pending   PendingFolders

	// loop-owned
	frameCycle int
	collecting string
	collected  int
	prevSleepy atomic.Bool

	loopWG sync.WaitGroup
	bgWG   sync.WaitGroup

	framesProcessed atomic.Uint64
	framesSkipped   atomic.Uint64
	classifyErrors  atomic.Uint64
	stoppedTicks    atomic.Uint64
	pausedTicks     atomic.Uint64
	tickPanics      atomic.Uint64
	diagnosisCycles atomic.Uint64
	remoteFailures  atomic.Uint64
	sleepyDecisions atomic.Uint64
	alerts          atomic.Uint64
	evidenceFolders atomic.Uint64
	droppedDecision atomic.Uint64
}

// New creates an orchestrator
func New(opts Options, deps Deps) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Status == nil {
		deps.Status = device.NewStatus()
	}
	opts.applyDefaults()

	return &Orchestrator{
		opts:      opts,
		deps:      deps,
		decisions: make(chan decision, decisionBuffer),
	}, nil
}

// SetShutdownFunc registers the function the shutdown control command calls
func (o *Orchestrator) SetShutdownFunc(fn context.CancelFunc) {
	o.mu.Lock()
	o.shutdown = fn
	o.mu.Unlock()
}

// Start initialises the devices, starts the coordinator and launches the loop.
// Device failures degrade the status but do not prevent the loop from running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running.Load() {
		return fmt.Errorf("orchestrator already running")
	}
	if o.stopped {
		return fmt.Errorf("orchestrator already stopped")
	}

	o.initDevice(ctx, device.Camera, o.deps.Camera.Init)
	o.initDevice(ctx, device.Accelerometer, o.deps.Motion.Init)
	o.initDevice(ctx, device.Speaker, o.deps.Speaker.Init)

	if err := o.deps.Coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start upload coordinator: %w", err)
	}

	o.reportStatus(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.started = time.Now()
	o.running.Store(true)

	o.deps.Speaker.TriggerStart()

	o.loopWG.Add(1)
	go o.run(loopCtx)

	slog.Info("orchestrator running",
		"device_uid", o.opts.DeviceUID,
		"frame_interval", o.opts.FrameInterval,
		"frames_per_diagnosis", o.opts.FramesPerDiagnosis,
	)
	return nil
}

func (o *Orchestrator) initDevice(ctx context.Context, idx device.Index, init func(context.Context) error) {
	if err := init(ctx); err != nil {
		o.deps.Status.Set(idx, false)
		slog.Warn("device initialization failed, continuing degraded",
			"device", idx.String(),
			"error", err,
		)
		return
	}
	o.deps.Status.Set(idx, true)
}

// reportStatus sends the device status to the backend and the event bus in the background
func (o *Orchestrator) reportStatus(ctx context.Context) {
	snap := o.deps.Status.Snapshot()

	if o.deps.Events != nil {
		if err := o.deps.Events.PublishStatus(o.opts.DeviceUID, snap); err != nil {
			slog.Debug("status event not published", "error", err)
		}
	}

	if o.deps.Reporter == nil {
		return
	}
	reportCtx := context.WithoutCancel(ctx)
	o.bgWG.Add(1)
	go func() {
		defer o.bgWG.Done()
		ctx, cancel := context.WithTimeout(reportCtx, o.opts.StatusTimeout)
		defer cancel()
		if err := o.deps.Reporter.Report(ctx, snap); err != nil {
			slog.Warn("device status report failed", "error", err)
		}
	}()
}

// Stop ends the loop, waits for it and stops the coordinator dispatcher.
// In-flight uploads and diagnosis requests are not cancelled.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running.Load() {
		o.mu.Unlock()
		return
	}
	o.running.Store(false)
	o.stopped = true
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.loopWG.Wait()
	o.deps.Coordinator.Stop()

	if err := o.deps.Camera.Close(); err != nil {
		slog.Warn("failed to close camera", "error", err)
	}
	o.bgWG.Wait()

	if n := o.pending.Len(); n > 0 {
		slog.Warn("evidence folders left pending at shutdown", "count", n)
	}

	slog.Info("orchestrator stopped",
		"frames_processed", o.framesProcessed.Load(),
		"diagnosis_cycles", o.diagnosisCycles.Load(),
		"uptime", time.Since(o.started),
	)
}

// Pause suspends frame processing; motion gating keeps running
func (o *Orchestrator) Pause() error {
	if !o.paused.CompareAndSwap(false, true) {
		return fmt.Errorf("already paused")
	}
	slog.Info("frame processing paused")
	return nil
}

// Resume restarts frame processing
func (o *Orchestrator) Resume() error {
	if !o.paused.CompareAndSwap(true, false) {
		return fmt.Errorf("not paused")
	}
	slog.Info("frame processing resumed")
	return nil
}

// IsRunning reports whether the loop is running
func (o *Orchestrator) IsRunning() bool {
	return o.running.Load()
}

// IsPaused reports whether frame processing is paused
func (o *Orchestrator) IsPaused() bool {
	return o.paused.Load()
}

// SetVolume changes the alert volume
func (o *Orchestrator) SetVolume(percent int) int {
	o.deps.Speaker.SetVolume(percent)
	return o.deps.Speaker.Volume()
}

// RequestShutdown triggers the registered shutdown function
func (o *Orchestrator) RequestShutdown() error {
	o.mu.Lock()
	fn := o.shutdown
	o.mu.Unlock()

	if !o.running.Load() {
		return fmt.Errorf("service not running")
	}
	if fn == nil {
		return fmt.Errorf("shutdown not available")
	}
	fn()
	return nil
}

// run is the pacing loop
func (o *Orchestrator) run(ctx context.Context) {
	defer o.loopWG.Done()

	var last time.Time
	for o.running.Load() {
		if ctx.Err() != nil {
			return
		}

		o.applyDecisions()

		if !last.IsZero() && time.Since(last) < o.opts.FrameInterval {
			time.Sleep(time.Millisecond)
			continue
		}
		last = time.Now()

		if backoff := o.safeTick(ctx); backoff > 0 {
			time.Sleep(backoff)
		}
	}
}

// safeTick runs one tick and recovers from a panic inside it
func (o *Orchestrator) safeTick(ctx context.Context) (backoff time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			o.tickPanics.Add(1)
			slog.Error("recovered from panic in tick", "panic", r)
			backoff = 0
		}
	}()
	return o.tick(ctx)
}

func (o *Orchestrator) tick(ctx context.Context) time.Duration {
	if !o.deps.Motion.IsMoving() {
		o.stoppedTicks.Add(1)
		o.handleVehicleStopped()
		return o.opts.StopBackoff
	}
	if o.paused.Load() {
		o.pausedTicks.Add(1)
		return o.opts.PauseBackoff
	}
	o.processFrame(ctx)
	return 0
}

// handleVehicleStopped purges the ring folder unless uploads are still running
func (o *Orchestrator) handleVehicleStopped() {
	if o.deps.Coordinator.Busy() {
		return
	}
	if o.deps.Store.RecentCount() == 0 {
		return
	}
	if err := o.deps.Store.PurgeRecent(); err != nil {
		slog.Warn("failed to purge recent frames", "error", err)
		return
	}
	slog.Debug("vehicle stopped, recent frames purged")
}

func (o *Orchestrator) processFrame(ctx context.Context) {
	frame, ok := o.deps.Camera.CaptureFrame()
	if !ok || frame.Empty() {
		o.framesSkipped.Add(1)
		return
	}

	normalized := frame
	normalized.Image = o.deps.Preprocessor.Normalize(frame.Image)

	// an unclassified frame counts as eyes open and stays in the cycle
	closed, err := o.deps.Classifier.Classify(ctx, normalized)
	if err != nil {
		o.classifyErrors.Add(1)
		closed = false
		slog.Warn("eye classification failed, frame counted as open",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
	}

	o.windowMu.Lock()
	o.deps.Window.Push(closed)
	o.windowMu.Unlock()

	if _, err := o.deps.Store.SaveRecent(frame); err != nil {
		slog.Warn("failed to persist frame", "seq", frame.Seq, "error", err)
	}

	if o.collecting != "" && o.collected < o.opts.EvidenceMaxFrames {
		if _, err := o.deps.Store.SaveTo(o.collecting, frame); err != nil {
			slog.Warn("failed to persist evidence frame", "folder", o.collecting, "error", err)
		} else {
			o.collected++
		}
	}

	o.deps.Diagnosis.SendDriverFrame(normalized)

	o.framesProcessed.Add(1)
	o.frameCycle++
	if o.frameCycle >= o.opts.FramesPerDiagnosis {
		o.frameCycle = 0
		o.startDiagnosisCycle(ctx)
	}
}

// startDiagnosisCycle asks the remote classifier; the callback decides and
// posts the result back to the loop
func (o *Orchestrator) startDiagnosisCycle(ctx context.Context) {
	cycle := o.diagnosisCycles.Add(1)
	requestedAt := time.Now()

	o.deps.Diagnosis.RequestDiagnosis(context.WithoutCancel(ctx), o.opts.DeviceUID, requestedAt, func(r diagnosis.Result) {
		o.onDiagnosis(cycle, r)
	})
}

// onDiagnosis runs on the request goroutine
func (o *Orchestrator) onDiagnosis(cycle uint64, r diagnosis.Result) {
	d := decision{at: time.Now(), cycle: cycle, source: "remote"}

	if r.Success {
		d.sleepy = r.Drowsy
	} else {
		o.remoteFailures.Add(1)
		d.source = "local"
		o.windowMu.Lock()
		d.sleepy = o.deps.Window.IsSleepy()
		o.windowMu.Unlock()
	}

	if !o.running.Load() {
		return
	}

	if d.sleepy {
		o.alerts.Add(1)
		o.deps.Speaker.TriggerAlert()
		slog.Warn("driver sleepiness detected",
			"device_uid", o.opts.DeviceUID,
			"cycle", cycle,
			"source", d.source,
		)
	}

	select {
	case o.decisions <- d:
	default:
		o.droppedDecision.Add(1)
		slog.Error("decision queue full, diagnosis result dropped", "cycle", cycle)
	}
}

// applyDecisions applies queued diagnosis outcomes in arrival order
func (o *Orchestrator) applyDecisions() {
	for {
		select {
		case d := <-o.decisions:
			if d.sleepy {
				o.onSleepy(d)
			} else {
				o.onAwake()
			}
		default:
			return
		}
	}
}

// onSleepy replaces the current evidence folder with a new one seeded from the ring
func (o *Orchestrator) onSleepy(d decision) {
	o.sleepyDecisions.Add(1)

	if o.prevSleepy.Load() && o.collecting != "" {
		if err := os.RemoveAll(o.collecting); err != nil {
			slog.Warn("failed to delete superseded evidence folder", "folder", o.collecting, "error", err)
		}
		o.pending.Remove(o.collecting)
		o.collecting = ""
	}
	o.prevSleepy.Store(true)

	dir, err := o.deps.Store.CreateEvidence(d.at)
	if err != nil {
		slog.Error("failed to create evidence folder", "error", err)
		return
	}

	copied, err := o.deps.Store.CopyRecent(dir, o.opts.PreEventWindow, o.opts.PreEventMaxFrames)
	if err != nil {
		slog.Warn("failed to copy pre-event frames", "folder", dir, "error", err)
	}

	o.collecting = dir
	o.collected = copied
	o.pending.Push(dir)
	o.evidenceFolders.Add(1)

	slog.Info("evidence collection started",
		"folder", dir,
		"pre_event_frames", copied,
		"cycle", d.cycle,
	)

	if o.deps.Events != nil {
		ev := types.DrowsinessEvent{
			DeviceUID:  o.opts.DeviceUID,
			DetectedAt: d.at,
			Source:     d.source,
			Folder:     dir,
			Cycle:      d.cycle,
		}
		if err := o.deps.Events.PublishDrowsiness(ev); err != nil {
			slog.Debug("drowsiness event not published", "error", err)
		}
	}
}

// onAwake stops collecting and hands every pending folder to the coordinator
func (o *Orchestrator) onAwake() {
	o.prevSleepy.Store(false)
	o.collecting = ""
	o.collected = 0

	for _, folder := range o.pending.DrainAll() {
		job := types.UploadJob{DeviceUID: o.opts.DeviceUID, FolderPath: folder}
		if !o.deps.Coordinator.Enqueue(job) {
			slog.Warn("evidence folder not queued", "folder", folder)
		}
	}
}
