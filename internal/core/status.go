package core

import (
	"time"

	"github.com/NoSleep-Drive/embedded/internal/device"
)

// Stats contains loop counters
type Stats struct {
	FramesProcessed  uint64
	FramesSkipped    uint64
	ClassifyErrors   uint64
	StoppedTicks     uint64
	PausedTicks      uint64
	TickPanics       uint64
	DiagnosisCycles  uint64
	RemoteFailures   uint64
	SleepyDecisions  uint64
	Alerts           uint64
	EvidenceFolders  uint64
	DroppedDecisions uint64
	PendingFolders   int
}

// Stats returns loop counters
func (o *Orchestrator) Stats() Stats {
	return Stats{
		FramesProcessed:  o.framesProcessed.Load(),
		FramesSkipped:    o.framesSkipped.Load(),
		ClassifyErrors:   o.classifyErrors.Load(),
		StoppedTicks:     o.stoppedTicks.Load(),
		PausedTicks:      o.pausedTicks.Load(),
		TickPanics:       o.tickPanics.Load(),
		DiagnosisCycles:  o.diagnosisCycles.Load(),
		RemoteFailures:   o.remoteFailures.Load(),
		SleepyDecisions:  o.sleepyDecisions.Load(),
		Alerts:           o.alerts.Load(),
		EvidenceFolders:  o.evidenceFolders.Load(),
		DroppedDecisions: o.droppedDecision.Load(),
		PendingFolders:   o.pending.Len(),
	}
}

// DeviceStatus returns the device connection flags
func (o *Orchestrator) DeviceStatus() device.StatusSnapshot {
	return o.deps.Status.Snapshot()
}

// Uptime returns the time since Start
func (o *Orchestrator) Uptime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started.IsZero() {
		return 0
	}
	return time.Since(o.started)
}

// GetStatus returns the service status for the control plane
func (o *Orchestrator) GetStatus() map[string]interface{} {
	stats := o.Stats()
	devices := o.DeviceStatus()

	o.windowMu.Lock()
	windowLen := o.deps.Window.Len()
	tailRun := o.deps.Window.TailRun()
	o.windowMu.Unlock()

	x, y, z := o.deps.Motion.Acceleration()

	return map[string]interface{}{
		"device_uid": o.opts.DeviceUID,
		"uptime_s":   o.Uptime().Seconds(),
		"running":    o.IsRunning(),
		"paused":     o.IsPaused(),
		"sleepy":     o.prevSleepy.Load(),
		"devices": map[string]interface{}{
			"camera":        devices.Camera,
			"accelerometer": devices.Accelerometer,
			"speaker":       devices.Speaker,
		},
		"acceleration": []float32{x, y, z},
		"volume":       o.deps.Speaker.Volume(),
		"window": map[string]interface{}{
			"length":      windowLen,
			"closed_tail": tailRun,
		},
		"loop": map[string]interface{}{
			"frames_processed": stats.FramesProcessed,
			"frames_skipped":   stats.FramesSkipped,
			"diagnosis_cycles": stats.DiagnosisCycles,
			"remote_failures":  stats.RemoteFailures,
			"alerts":           stats.Alerts,
			"pending_folders":  stats.PendingFolders,
		},
		"uploads_busy": o.deps.Coordinator.Busy(),
	}
}
