// Package device holds the hardware-facing collaborators of the firmware:
// camera, motion sensor, speaker and the shared connection status that is
// reported to the backend.
package device

import (
	"log/slog"
	"sync"
)

// Index of each device in the status report
type Index int

const (
	Camera Index = iota
	Accelerometer
	Speaker
)

func (i Index) String() string {
	switch i {
	case Camera:
		return "camera"
	case Accelerometer:
		return "accelerometer"
	case Speaker:
		return "speaker"
	default:
		return "unknown"
	}
}

// StatusSnapshot is a copy of the connection flags
type StatusSnapshot struct {
	Camera        bool `json:"camera"`
	Accelerometer bool `json:"accelerometer"`
	Speaker       bool `json:"speaker"`
}

// AllConnected reports whether every device is connected
func (s StatusSnapshot) AllConnected() bool {
	return s.Camera && s.Accelerometer && s.Speaker
}

// Status tracks which devices are connected. Safe for concurrent use.
type Status struct {
	mu    sync.RWMutex
	flags [3]bool
}

// NewStatus creates a status with every device disconnected
func NewStatus() *Status {
	return &Status{}
}

// Set updates one device flag and logs transitions
func (s *Status) Set(i Index, connected bool) {
	if i < Camera || i > Speaker {
		return
	}

	s.mu.Lock()
	prev := s.flags[i]
	s.flags[i] = connected
	s.mu.Unlock()

	if prev != connected {
		slog.Info("device status changed", "device", i.String(), "connected", connected)
	}
}

// Get returns one device flag
func (s *Status) Get(i Index) bool {
	if i < Camera || i > Speaker {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[i]
}

// Snapshot returns all flags
func (s *Status) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatusSnapshot{
		Camera:        s.flags[Camera],
		Accelerometer: s.flags[Accelerometer],
		Speaker:       s.flags[Speaker],
	}
}
