package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func clearEnv(t *testing.T) {
	for _, key := range []string{"DEVICE_UID", "SERVER_IP", "AI_SERVER_IP", "EMBEDDED_HASH", "NOSLEEP_ROOT", "MQTT_BROKER"} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Loop.FrameIntervalMS != 42 {
		t.Errorf("Expected frame interval 42, got %d", cfg.Loop.FrameIntervalMS)
	}
	if cfg.Loop.FramesPerDiagnosis != 24 {
		t.Errorf("Expected 24 frames per diagnosis, got %d", cfg.Loop.FramesPerDiagnosis)
	}
	if cfg.Detection.WindowSize != 60 || cfg.Detection.ClosedRun != 48 {
		t.Errorf("Expected window 60/48, got %d/%d", cfg.Detection.WindowSize, cfg.Detection.ClosedRun)
	}
	if cfg.Upload.MaxAttempts != 5 || cfg.Upload.RetryDelayMS != 1000 {
		t.Errorf("Expected 5 attempts with 1000ms delay, got %d/%d", cfg.Upload.MaxAttempts, cfg.Upload.RetryDelayMS)
	}
	if cfg.Diagnosis.TimeoutMS != 3000 {
		t.Errorf("Expected diagnosis timeout 3000, got %d", cfg.Diagnosis.TimeoutMS)
	}
	if cfg.Storage.PreEventMS != 2500 || cfg.Storage.PreEventMaxFrames != 60 {
		t.Errorf("Expected 2500ms/60 lookback, got %d/%d", cfg.Storage.PreEventMS, cfg.Storage.PreEventMaxFrames)
	}
	if cfg.MQTT.Topics.Control != "nosleep/control/unknown-device" {
		t.Errorf("Unexpected control topic: %s", cfg.MQTT.Topics.Control)
	}
}

func TestLoadYAMLAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	cfgPath := writeFile(t, dir, "nosleep.yaml", `
device_uid: dev-from-yaml
server:
  url: backend.local:8000
  ai_url: http://ai.local:5000/
loop:
  frame_interval_ms: 50
camera:
  source: mock
classifier:
  mode: mock
`)
	envPath := writeFile(t, dir, ".env", "DEVICE_UID=dev-from-env\nEMBEDDED_HASH=secret\n")

	cfg, err := Load(cfgPath, envPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DeviceUID != "dev-from-env" {
		t.Errorf("Expected env override dev-from-env, got %s", cfg.DeviceUID)
	}
	if cfg.Server.Token != "secret" {
		t.Errorf("Expected token from env file, got %q", cfg.Server.Token)
	}
	if cfg.Server.URL != "http://backend.local:8000" {
		t.Errorf("Expected normalized server url, got %s", cfg.Server.URL)
	}
	if cfg.Server.AIURL != "http://ai.local:5000" {
		t.Errorf("Expected trailing slash trimmed, got %s", cfg.Server.AIURL)
	}
	if cfg.Loop.FrameIntervalMS != 50 {
		t.Errorf("Expected frame interval 50, got %d", cfg.Loop.FrameIntervalMS)
	}
	if cfg.Camera.Source != "mock" {
		t.Errorf("Expected mock camera, got %s", cfg.Camera.Source)
	}
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	clearEnv(t)
	if _, err := Load("", filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("Expected missing env file to be ignored, got %v", err)
	}
}

func TestValidateRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"run larger than window", Config{Detection: DetectionConfig{WindowSize: 10, ClosedRun: 20}}},
		{"unknown camera source", Config{Camera: CameraConfig{Source: "usb"}}},
		{"unknown classifier mode", Config{Classifier: ClassifierConfig{Mode: "cloud"}}},
		{"negative forward rate", Config{Diagnosis: DiagnosisConfig{FrameForwardHz: ptr(-1.0)}}},
		{"lookback larger than evidence", Config{Storage: StorageConfig{EvidenceMaxFrames: 10, PreEventMaxFrames: 20}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if err := Validate(&cfg); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestVolumeClamped(t *testing.T) {
	cfg := Config{Speaker: SpeakerConfig{Volume: ptr(150)}}
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if *cfg.Speaker.Volume != 100 {
		t.Errorf("Expected volume 100, got %d", *cfg.Speaker.Volume)
	}
}

func TestValidateOptionalDefaults(t *testing.T) {
	var cfg Config
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if *cfg.Diagnosis.FrameForwardHz != 24 {
		t.Errorf("Expected frame forwarding at 24 Hz by default, got %v", *cfg.Diagnosis.FrameForwardHz)
	}
	if *cfg.Speaker.Volume != 80 {
		t.Errorf("Expected volume 80 by default, got %d", *cfg.Speaker.Volume)
	}
}

func TestValidateKeepsExplicitZeros(t *testing.T) {
	cfg := Config{
		Diagnosis: DiagnosisConfig{FrameForwardHz: ptr(0.0)},
		Speaker:   SpeakerConfig{Volume: ptr(0)},
	}
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if *cfg.Diagnosis.FrameForwardHz != 0 {
		t.Errorf("Expected forwarding disabled, got %v Hz", *cfg.Diagnosis.FrameForwardHz)
	}
	if *cfg.Speaker.Volume != 0 {
		t.Errorf("Expected muted volume 0, got %d", *cfg.Speaker.Volume)
	}
}

func TestLoadExplicitZerosFromYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "nosleep.yaml", "diagnosis:\n  frame_forward_hz: 0\nspeaker:\n  volume: 0\n")

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *cfg.Diagnosis.FrameForwardHz != 0 || *cfg.Speaker.Volume != 0 {
		t.Errorf("Expected 0 Hz and volume 0, got %v/%d", *cfg.Diagnosis.FrameForwardHz, *cfg.Speaker.Volume)
	}
}
