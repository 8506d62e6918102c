package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NoSleep-Drive/embedded/internal/fault"
)

// CommandRunner runs an external program. With wait=false the program is
// left playing in the background and only the start error is returned.
type CommandRunner func(ctx context.Context, wait bool, name string, args ...string) error

// SpeakerConfig contains audio alert settings
type SpeakerConfig struct {
	Player     string // console media player, cvlc
	Mixer      string // system mixer, amixer
	AlertSound string
	StartSound string
	Volume     int
	// Run and LookPath default to os/exec
	Run      CommandRunner
	LookPath func(file string) (string, error)
}

// AudioSpeaker plays alert sounds through a console media player
type AudioSpeaker struct {
	player     string
	mixer      string
	alertSound string
	startSound string
	run        CommandRunner
	lookPath   func(string) (string, error)

	mu     sync.Mutex
	volume int

	connected atomic.Bool
	played    atomic.Uint64
}

// NewSpeaker creates a speaker
func NewSpeaker(cfg SpeakerConfig) *AudioSpeaker {
	if cfg.Player == "" {
		cfg.Player = "cvlc"
	}
	if cfg.Mixer == "" {
		cfg.Mixer = "amixer"
	}
	if cfg.Run == nil {
		cfg.Run = execRunner
	}
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}
	return &AudioSpeaker{
		player:     cfg.Player,
		mixer:      cfg.Mixer,
		alertSound: cfg.AlertSound,
		startSound: cfg.StartSound,
		run:        cfg.Run,
		lookPath:   cfg.LookPath,
		volume:     clampVolume(cfg.Volume),
	}
}

// Init checks that the player is installed. A missing sound file is only a warning.
func (s *AudioSpeaker) Init(ctx context.Context) error {
	if _, err := s.lookPath(s.player); err != nil {
		s.connected.Store(false)
		return fault.Device("speaker.init", fmt.Errorf("%s not found: %w", s.player, err))
	}

	if _, err := os.Stat(s.alertSound); err != nil {
		slog.Warn("alert sound not found, alerts may be silent", "path", s.alertSound)
	}

	s.connected.Store(true)
	slog.Info("speaker initialized", "player", s.player, "volume", s.Volume())
	return nil
}

// Connected reports whether Init found a player
func (s *AudioSpeaker) Connected() bool {
	return s.connected.Load()
}

// TriggerAlert plays the drowsiness alert without blocking
func (s *AudioSpeaker) TriggerAlert() {
	s.play(s.alertSound)
}

// TriggerStart plays the start-up chime without blocking
func (s *AudioSpeaker) TriggerStart() {
	s.play(s.startSound)
}

func (s *AudioSpeaker) play(sound string) {
	if !s.connected.Load() {
		slog.Warn("cannot play sound, speaker not connected", "sound", sound)
		return
	}
	if _, err := os.Stat(sound); err != nil {
		slog.Error("sound file not found", "sound", sound)
		return
	}

	args := []string{
		"--play-and-exit",
		"--no-loop",
		"--gain=" + gainFor(s.Volume()),
		"--no-video",
		sound,
	}
	if err := s.run(context.Background(), false, s.player, args...); err != nil {
		slog.Error("failed to play sound", "sound", sound, "error", err)
		return
	}
	s.played.Add(1)
	slog.Debug("sound triggered", "sound", sound, "volume", s.Volume())
}

// SetVolume clamps percent to 0..100 and applies it to the system mixer
func (s *AudioSpeaker) SetVolume(percent int) {
	percent = clampVolume(percent)

	s.mu.Lock()
	s.volume = percent
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.run(ctx, true, s.mixer, "set", "Master", strconv.Itoa(percent)+"%", "-q"); err != nil {
		slog.Warn("failed to set system volume", "volume", percent, "error", err)
		return
	}
	slog.Info("system volume set", "volume", percent)
}

// Volume returns the current volume percent
func (s *AudioSpeaker) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// Played returns how many sounds were started
func (s *AudioSpeaker) Played() uint64 {
	return s.played.Load()
}

// Close is a no-op; playback processes exit on their own
func (s *AudioSpeaker) Close() error {
	return nil
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// gainFor maps a volume percent to the player gain, 256 steps per unit
func gainFor(volume int) string {
	steps := volume * 256 / 100
	return strconv.FormatFloat(float64(steps)/256.0, 'f', 6, 64)
}

func execRunner(ctx context.Context, wait bool, name string, args ...string) error {
	if wait {
		return exec.CommandContext(ctx, name, args...).Run()
	}

	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Debug("player exited with error", "error", err)
		}
	}()
	return nil
}
