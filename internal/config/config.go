package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete device configuration
type Config struct {
	DeviceUID        string           `yaml:"device_uid"`
	ShutdownTimeoutS int              `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Server           ServerConfig     `yaml:"server"`
	Loop             LoopConfig       `yaml:"loop"`
	Detection        DetectionConfig  `yaml:"detection"`
	Diagnosis        DiagnosisConfig  `yaml:"diagnosis"`
	Upload           UploadConfig     `yaml:"upload"`
	Storage          StorageConfig    `yaml:"storage"`
	Camera           CameraConfig     `yaml:"camera"`
	Motion           MotionConfig     `yaml:"motion"`
	Speaker          SpeakerConfig    `yaml:"speaker"`
	Classifier       ClassifierConfig `yaml:"classifier"`
	Encoder          EncoderConfig    `yaml:"encoder"`
	Health           HealthConfig     `yaml:"health"`
	MQTT             MQTTConfig       `yaml:"mqtt"`
}

// ServerConfig contains backend endpoints and credentials
type ServerConfig struct {
	URL            string `yaml:"url"`    // evidence upload and device status backend (SERVER_IP)
	AIURL          string `yaml:"ai_url"` // remote diagnosis service (AI_SERVER_IP)
	Token          string `yaml:"token"`  // bearer token (EMBEDDED_HASH)
	StatusTimeoutS int    `yaml:"status_timeout_s"`
}

// LoopConfig contains pacing loop settings
type LoopConfig struct {
	FrameIntervalMS    int `yaml:"frame_interval_ms"`    // ~24 fps cadence
	FramesPerDiagnosis int `yaml:"frames_per_diagnosis"` // processed frames between diagnosis cycles
	StopBackoffMS      int `yaml:"stop_backoff_ms"`      // sleep after a vehicle-stopped tick
	PauseBackoffMS     int `yaml:"pause_backoff_ms"`     // sleep after a paused tick
}

// DetectionConfig contains local sleepiness window settings
type DetectionConfig struct {
	WindowSize int `yaml:"window_size"`
	ClosedRun  int `yaml:"closed_run"`
}

// DiagnosisConfig contains remote diagnosis settings
type DiagnosisConfig struct {
	TimeoutMS         int      `yaml:"timeout_ms"`
	FrameForwardHz    *float64 `yaml:"frame_forward_hz"` // unset means 24, 0 disables driver frame forwarding
	FrameForwardBurst int      `yaml:"frame_forward_burst"`
	JPEGQuality       int      `yaml:"jpeg_quality"`
}

// UploadConfig contains evidence upload settings
type UploadConfig struct {
	MaxAttempts     int `yaml:"max_attempts"`
	RetryDelayMS    int `yaml:"retry_delay_ms"`
	RequestTimeoutS int `yaml:"request_timeout_s"`
}

// StorageConfig contains on-disk frame storage settings
type StorageConfig struct {
	Root              string `yaml:"root"`
	RingCapacity      int    `yaml:"ring_capacity"`       // max frames kept in the recent folder
	EvidenceMaxFrames int    `yaml:"evidence_max_frames"` // frames per evidence folder (before + after)
	PreEventMS        int    `yaml:"pre_event_ms"`        // lookback copied into a new evidence folder
	PreEventMaxFrames int    `yaml:"pre_event_max_frames"`
	JournalPath       string `yaml:"journal_path"` // sqlite upload journal, empty disables
}

// CameraConfig contains camera settings
type CameraConfig struct {
	Source string `yaml:"source"` // libcamera, mock
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
}

// MotionConfig contains motion sensor settings
type MotionConfig struct {
	Source        string  `yaml:"source"` // mock
	MoveThreshold float64 `yaml:"move_threshold"`
}

// SpeakerConfig contains audio alert settings
type SpeakerConfig struct {
	Player     string `yaml:"player"` // cvlc
	Mixer      string `yaml:"mixer"`  // amixer
	AlertSound string `yaml:"alert_sound"`
	StartSound string `yaml:"start_sound"`
	Volume     *int   `yaml:"volume"` // unset means 80, 0 mutes
}

// ClassifierConfig contains eye-closure classifier settings
type ClassifierConfig struct {
	Mode      string   `yaml:"mode"` // python, mock
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	Threshold float64  `yaml:"threshold"` // eye aspect ratio below which the eye is closed
	TimeoutMS int      `yaml:"timeout_ms"`
}

// EncoderConfig contains evidence video encoder settings
type EncoderConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
	FPS        int    `yaml:"fps"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
}

// HealthConfig contains health server settings
type HealthConfig struct {
	Port string `yaml:"port"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker string          `yaml:"broker"` // empty disables the control plane
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
}

// Load reads the YAML configuration at path, then the dotenv file at envFile,
// then applies environment overrides. Either path may be empty.
func Load(path, envFile string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	dotenv := map[string]string{}
	if envFile != "" {
		vals, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
		if vals != nil {
			dotenv = vals
		}
	}

	applyEnv(&cfg, dotenv)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnv overlays device credentials and endpoints.
// Precedence: process environment, then dotenv file, then YAML.
func applyEnv(cfg *Config, dotenv map[string]string) {
	getEnv := func(key, defaultValue string) string {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
		if value := strings.TrimSpace(dotenv[key]); value != "" {
			return value
		}
		return defaultValue
	}

	cfg.DeviceUID = getEnv("DEVICE_UID", cfg.DeviceUID)
	cfg.Server.URL = getEnv("SERVER_IP", cfg.Server.URL)
	cfg.Server.AIURL = getEnv("AI_SERVER_IP", cfg.Server.AIURL)
	cfg.Server.Token = getEnv("EMBEDDED_HASH", cfg.Server.Token)
	cfg.Storage.Root = getEnv("NOSLEEP_ROOT", cfg.Storage.Root)
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", cfg.MQTT.Broker)
}
