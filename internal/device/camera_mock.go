package device

import (
	"context"
	"image"
	"image/color"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NoSleep-Drive/embedded/internal/types"
)

// MockCamera generates synthetic frames for bench runs without a CSI camera
type MockCamera struct {
	width  int
	height int

	mu       sync.Mutex
	seq      uint64
	isOpen   bool
	failNext int
}

// NewMockCamera creates a mock camera
func NewMockCamera(width, height int) *MockCamera {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	return &MockCamera{width: width, height: height}
}

// Init opens the mock camera
func (m *MockCamera) Init(ctx context.Context) error {
	m.mu.Lock()
	m.isOpen = true
	m.mu.Unlock()

	slog.Info("mock camera initialized", "width", m.width, "height", m.height)
	return nil
}

// FailNext makes the next n captures return no frame
func (m *MockCamera) FailNext(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

// CaptureFrame returns a gradient frame whose brightness cycles with the sequence
func (m *MockCamera) CaptureFrame() (types.Frame, bool) {
	m.mu.Lock()
	if !m.isOpen {
		m.mu.Unlock()
		return types.Frame{}, false
	}
	if m.failNext > 0 {
		m.failNext--
		m.mu.Unlock()
		return types.Frame{}, false
	}
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	img := image.NewGray(image.Rect(0, 0, m.width, m.height))
	base := uint8(seq % 64)
	for y := 0; y < m.height; y++ {
		v := base + uint8(y*191/m.height)
		for x := 0; x < m.width; x++ {
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}

	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Image:     img,
		TraceID:   uuid.New().String(),
	}, true
}

// Close closes the mock camera
func (m *MockCamera) Close() error {
	m.mu.Lock()
	m.isOpen = false
	m.mu.Unlock()
	return nil
}
