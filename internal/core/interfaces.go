package core

import (
	"context"
	"image"
	"time"

	"github.com/NoSleep-Drive/embedded/internal/device"
	"github.com/NoSleep-Drive/embedded/internal/diagnosis"
	"github.com/NoSleep-Drive/embedded/internal/types"
)

// Camera captures driver frames
type Camera interface {
	// Init opens the device; a failure leaves the camera disconnected
	Init(ctx context.Context) error
	// CaptureFrame returns false when no frame is available (non-fatal)
	CaptureFrame() (types.Frame, bool)
	Close() error
}

// MotionSensor reports whether the vehicle is moving
type MotionSensor interface {
	Init(ctx context.Context) error
	Acceleration() (x, y, z float32)
	IsMoving() bool
}

// Speaker plays audible alerts
type Speaker interface {
	Init(ctx context.Context) error
	TriggerAlert()
	TriggerStart()
	// SetVolume clamps percent to 0..100
	SetVolume(percent int)
	Volume() int
}

// EyeClassifier decides whether the eyes in a preprocessed frame are closed
type EyeClassifier interface {
	Classify(ctx context.Context, frame types.Frame) (bool, error)
}

// Preprocessor normalises frame lighting before classification
type Preprocessor interface {
	Normalize(img image.Image) *image.Gray
}

// DiagnosisClient asks the remote classifier for a verdict and forwards frames
type DiagnosisClient interface {
	RequestDiagnosis(ctx context.Context, uid string, requestedAt time.Time, cb diagnosis.Callback)
	SendDriverFrame(frame types.Frame)
}

// Coordinator runs evidence uploads in the background
type Coordinator interface {
	Start(ctx context.Context) error
	Stop()
	Enqueue(job types.UploadJob) bool
	Busy() bool
}

// StatusReporter sends device connection flags to the backend
type StatusReporter interface {
	Report(ctx context.Context, snap device.StatusSnapshot) error
}

// EventPublisher publishes drowsiness and device status events
type EventPublisher interface {
	PublishDrowsiness(ev types.DrowsinessEvent) error
	PublishStatus(deviceUID string, snap device.StatusSnapshot) error
}
