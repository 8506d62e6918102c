package types

import (
	"image"
	"time"
)

// Frame represents a single captured camera frame
type Frame struct {
	// Seq is the monotonic capture sequence number
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Image holds the decoded pixels
	Image image.Image
	// TraceID follows the frame through classify, persist and forward
	TraceID string
}

// Empty reports whether the frame carries no pixels
func (f Frame) Empty() bool {
	if f.Image == nil {
		return true
	}
	return f.Image.Bounds().Empty()
}

// UploadJob identifies one evidence folder to ship for one device
type UploadJob struct {
	DeviceUID  string
	FolderPath string
}

// Key is the deduplication key of the job
func (j UploadJob) Key() string {
	return j.DeviceUID + "::" + j.FolderPath
}

// DrowsinessEvent describes one sleepiness decision
type DrowsinessEvent struct {
	DeviceUID  string    `json:"device_uid"`
	DetectedAt time.Time `json:"detected_at"`
	// Source is "remote" when the classifier service answered, "local" for the window fallback
	Source string `json:"source"`
	Folder string `json:"folder,omitempty"`
	Cycle  uint64 `json:"cycle"`
}
