package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration and fills defaults.
// Missing server addresses or credentials are not rejected here: the network
// operation that needs them reports a config fault when it runs.
func Validate(cfg *Config) error {
	if cfg.DeviceUID == "" {
		cfg.DeviceUID = "unknown-device"
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	cfg.Server.URL = normalizeURL(cfg.Server.URL)
	cfg.Server.AIURL = normalizeURL(cfg.Server.AIURL)
	if cfg.Server.StatusTimeoutS <= 0 {
		cfg.Server.StatusTimeoutS = 5
	}

	// Loop
	if cfg.Loop.FrameIntervalMS <= 0 {
		cfg.Loop.FrameIntervalMS = 42
	}
	if cfg.Loop.FramesPerDiagnosis <= 0 {
		cfg.Loop.FramesPerDiagnosis = 24
	}
	if cfg.Loop.StopBackoffMS <= 0 {
		cfg.Loop.StopBackoffMS = 100
	}
	if cfg.Loop.PauseBackoffMS <= 0 {
		cfg.Loop.PauseBackoffMS = 10
	}

	// Detection
	if cfg.Detection.WindowSize <= 0 {
		cfg.Detection.WindowSize = 60
	}
	if cfg.Detection.ClosedRun <= 0 {
		cfg.Detection.ClosedRun = 48
	}
	if cfg.Detection.ClosedRun > cfg.Detection.WindowSize {
		return fmt.Errorf("detection.closed_run (%d) must be <= detection.window_size (%d)",
			cfg.Detection.ClosedRun, cfg.Detection.WindowSize)
	}

	// Diagnosis
	if cfg.Diagnosis.TimeoutMS <= 0 {
		cfg.Diagnosis.TimeoutMS = 3000
	}
	if cfg.Diagnosis.FrameForwardHz == nil {
		hz := 24.0
		cfg.Diagnosis.FrameForwardHz = &hz
	}
	if *cfg.Diagnosis.FrameForwardHz < 0 {
		return fmt.Errorf("diagnosis.frame_forward_hz must be >= 0")
	}
	if cfg.Diagnosis.FrameForwardBurst <= 0 {
		cfg.Diagnosis.FrameForwardBurst = 4
	}
	if cfg.Diagnosis.JPEGQuality <= 0 || cfg.Diagnosis.JPEGQuality > 100 {
		cfg.Diagnosis.JPEGQuality = 80
	}

	// Upload
	if cfg.Upload.MaxAttempts <= 0 {
		cfg.Upload.MaxAttempts = 5
	}
	if cfg.Upload.RetryDelayMS <= 0 {
		cfg.Upload.RetryDelayMS = 1000
	}
	if cfg.Upload.RequestTimeoutS <= 0 {
		cfg.Upload.RequestTimeoutS = 30
	}

	// Storage
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = "frames"
	}
	if cfg.Storage.RingCapacity <= 0 {
		cfg.Storage.RingCapacity = 150
	}
	if cfg.Storage.EvidenceMaxFrames <= 0 {
		cfg.Storage.EvidenceMaxFrames = 120
	}
	if cfg.Storage.PreEventMS <= 0 {
		cfg.Storage.PreEventMS = 2500
	}
	if cfg.Storage.PreEventMaxFrames <= 0 {
		cfg.Storage.PreEventMaxFrames = 60
	}
	if cfg.Storage.PreEventMaxFrames > cfg.Storage.EvidenceMaxFrames {
		return fmt.Errorf("storage.pre_event_max_frames (%d) must be <= storage.evidence_max_frames (%d)",
			cfg.Storage.PreEventMaxFrames, cfg.Storage.EvidenceMaxFrames)
	}

	// Camera
	switch cfg.Camera.Source {
	case "":
		cfg.Camera.Source = "libcamera"
	case "libcamera", "mock":
	default:
		return fmt.Errorf("camera.source must be 'libcamera' or 'mock', got '%s'", cfg.Camera.Source)
	}
	if cfg.Camera.Width <= 0 {
		cfg.Camera.Width = 1280
	}
	if cfg.Camera.Height <= 0 {
		cfg.Camera.Height = 720
	}
	if cfg.Camera.FPS <= 0 {
		cfg.Camera.FPS = 24
	}

	// Motion
	if cfg.Motion.Source == "" {
		cfg.Motion.Source = "mock"
	}
	if cfg.Motion.Source != "mock" {
		return fmt.Errorf("motion.source must be 'mock', got '%s'", cfg.Motion.Source)
	}
	if cfg.Motion.MoveThreshold <= 0 {
		cfg.Motion.MoveThreshold = 0.2
	}

	// Speaker
	if cfg.Speaker.Player == "" {
		cfg.Speaker.Player = "cvlc"
	}
	if cfg.Speaker.Mixer == "" {
		cfg.Speaker.Mixer = "amixer"
	}
	if cfg.Speaker.AlertSound == "" {
		cfg.Speaker.AlertSound = "sounds/alert.mp3"
	}
	if cfg.Speaker.StartSound == "" {
		cfg.Speaker.StartSound = "sounds/start.mp3"
	}
	if cfg.Speaker.Volume == nil {
		v := 80
		cfg.Speaker.Volume = &v
	}
	*cfg.Speaker.Volume = max(0, min(*cfg.Speaker.Volume, 100))

	// Classifier
	switch cfg.Classifier.Mode {
	case "":
		cfg.Classifier.Mode = "python"
	case "python", "mock":
	default:
		return fmt.Errorf("classifier.mode must be 'python' or 'mock', got '%s'", cfg.Classifier.Mode)
	}
	if cfg.Classifier.Command == "" {
		cfg.Classifier.Command = "models/run_eye_worker.sh"
	}
	if cfg.Classifier.Threshold <= 0 {
		cfg.Classifier.Threshold = 0.25
	}
	if cfg.Classifier.TimeoutMS <= 0 {
		cfg.Classifier.TimeoutMS = 500
	}

	// Encoder
	if cfg.Encoder.FFmpegPath == "" {
		cfg.Encoder.FFmpegPath = "ffmpeg"
	}
	if cfg.Encoder.FPS <= 0 {
		cfg.Encoder.FPS = 24
	}
	if cfg.Encoder.Width <= 0 {
		cfg.Encoder.Width = cfg.Camera.Width
	}
	if cfg.Encoder.Height <= 0 {
		cfg.Encoder.Height = cfg.Camera.Height
	}

	if cfg.Health.Port == "" {
		cfg.Health.Port = "8080"
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("nosleep/control/%s", cfg.DeviceUID)
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("nosleep/events/%s", cfg.DeviceUID)
	}
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control":    1,
			"drowsiness": 1,
			"status":     0,
		}
	}

	return nil
}

// normalizeURL accepts bare host:port values as found in device .env files
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	return strings.TrimRight(raw, "/")
}
