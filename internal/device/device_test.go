package device

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NoSleep-Drive/embedded/internal/fault"
)

func TestStatusSnapshot(t *testing.T) {
	s := NewStatus()
	if s.Snapshot().AllConnected() {
		t.Error("Expected all devices disconnected initially")
	}

	s.Set(Camera, true)
	s.Set(Accelerometer, true)
	s.Set(Index(7), true)

	snap := s.Snapshot()
	if !snap.Camera || !snap.Accelerometer || snap.Speaker {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
	if s.Get(Index(-1)) {
		t.Error("Expected out of range index to read false")
	}
}

func TestStatusReporterPatch(t *testing.T) {
	var got statusPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("Expected PATCH, got %s", r.Method)
		}
		if r.URL.Path != "/vehicles/status" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer hash" {
			t.Errorf("Expected bearer token, got %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Decode failed: %v", err)
		}
	}))
	defer srv.Close()

	r := NewStatusReporter(srv.URL+"/", "hash", "dev-1", time.Second, nil)
	err := r.Report(context.Background(), StatusSnapshot{Camera: true, Speaker: true})
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if got.DeviceUID != "dev-1" || !got.CameraState || got.AccelerationSensorState || !got.SpeakerState {
		t.Errorf("Unexpected payload %+v", got)
	}
}

func TestStatusReporterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewStatusReporter(srv.URL, "hash", "dev-1", time.Second, nil).Report(context.Background(), StatusSnapshot{})
	if !errors.Is(err, fault.ErrNetwork) {
		t.Errorf("Expected network fault, got %v", err)
	}

	err = NewStatusReporter("", "hash", "dev-1", 0, nil).Report(context.Background(), StatusSnapshot{})
	if !errors.Is(err, fault.ErrConfig) {
		t.Errorf("Expected config fault, got %v", err)
	}
}

func TestMockMotionProfiles(t *testing.T) {
	m := NewMockMotionSensor(true, 0.2)
	for i := 0; i < 50; i++ {
		if !m.IsMoving() {
			t.Fatal("Expected moving profile to report motion")
		}
	}

	m.SetMoving(false)
	for i := 0; i < 50; i++ {
		if m.IsMoving() {
			t.Fatal("Expected parked profile to report no motion")
		}
		_, _, z := m.Acceleration()
		if z < 9.7 || z > 9.9 {
			t.Fatalf("Expected z near gravity, got %f", z)
		}
	}
}

func TestMockCameraCapture(t *testing.T) {
	c := NewMockCamera(32, 24)
	if _, ok := c.CaptureFrame(); ok {
		t.Error("Expected no frame before Init")
	}

	c.Init(context.Background())
	f1, ok := c.CaptureFrame()
	if !ok || f1.Empty() || f1.TraceID == "" {
		t.Fatalf("Expected frame, got %+v ok=%v", f1, ok)
	}
	f2, _ := c.CaptureFrame()
	if f2.Seq != f1.Seq+1 {
		t.Errorf("Expected sequential frames, got %d then %d", f1.Seq, f2.Seq)
	}

	c.FailNext(1)
	if _, ok := c.CaptureFrame(); ok {
		t.Error("Expected injected capture failure")
	}
	if b := f1.Image.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Errorf("Expected 32x24 frame, got %v", b)
	}
}

func TestRGBToRGBAWithPadding(t *testing.T) {
	// 2x2 RGB with one padding byte per row (stride 7)
	data := []byte{
		1, 2, 3, 4, 5, 6, 0,
		7, 8, 9, 10, 11, 12, 0,
	}
	img, err := rgbToRGBA(data, 2, 2)
	if err != nil {
		t.Fatalf("rgbToRGBA failed: %v", err)
	}
	c := img.RGBAAt(1, 1)
	if c.R != 10 || c.G != 11 || c.B != 12 || c.A != 255 {
		t.Errorf("Unexpected pixel %+v", c)
	}

	if _, err := rgbToRGBA(data[:5], 2, 2); err == nil {
		t.Error("Expected error for short buffer")
	}
}

type recordedCommand struct {
	wait bool
	name string
	args []string
}

type fakeRunner struct {
	mu   sync.Mutex
	cmds []recordedCommand
}

func (f *fakeRunner) run(ctx context.Context, wait bool, name string, args ...string) error {
	f.mu.Lock()
	f.cmds = append(f.cmds, recordedCommand{wait: wait, name: name, args: args})
	f.mu.Unlock()
	return nil
}

func TestSpeakerAlertAndVolume(t *testing.T) {
	sound := filepath.Join(t.TempDir(), "alert.mp3")
	os.WriteFile(sound, []byte("mp3"), 0644)

	runner := &fakeRunner{}
	s := NewSpeaker(SpeakerConfig{
		AlertSound: sound,
		Volume:     80,
		Run:        runner.run,
		LookPath:   func(string) (string, error) { return "/usr/bin/cvlc", nil },
	})
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	s.TriggerAlert()
	s.SetVolume(150)

	if len(runner.cmds) != 2 {
		t.Fatalf("Expected 2 commands, got %d", len(runner.cmds))
	}
	play := runner.cmds[0]
	if play.wait || play.name != "cvlc" {
		t.Errorf("Expected background cvlc, got %+v", play)
	}
	joined := strings.Join(play.args, " ")
	if !strings.Contains(joined, "--gain=0.796875") || !strings.HasSuffix(joined, sound) {
		t.Errorf("Unexpected player args %s", joined)
	}

	mixer := runner.cmds[1]
	if !mixer.wait || strings.Join(mixer.args, " ") != "set Master 100% -q" {
		t.Errorf("Unexpected mixer command %+v", mixer)
	}
	if s.Volume() != 100 {
		t.Errorf("Expected volume clamped to 100, got %d", s.Volume())
	}

	s.SetVolume(-5)
	if s.Volume() != 0 {
		t.Errorf("Expected volume clamped to 0, got %d", s.Volume())
	}
}

func TestSpeakerWithoutPlayer(t *testing.T) {
	runner := &fakeRunner{}
	s := NewSpeaker(SpeakerConfig{
		Run:      runner.run,
		LookPath: func(string) (string, error) { return "", errors.New("not found") },
	})

	err := s.Init(context.Background())
	if !errors.Is(err, fault.ErrDevice) {
		t.Errorf("Expected device fault, got %v", err)
	}

	s.TriggerAlert()
	s.TriggerStart()
	if len(runner.cmds) != 0 {
		t.Errorf("Expected no playback while disconnected, got %d commands", len(runner.cmds))
	}
}
