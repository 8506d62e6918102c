package device

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

const gravity = 9.8

// MockMotionSensor simulates an accelerometer. Readings jitter around
// (0.5, 0.3, 9.8) while moving and around (0, 0, 9.8) while parked.
type MockMotionSensor struct {
	threshold float64

	mu      sync.Mutex
	moving  bool
	rng     *rand.Rand
	x, y, z float32
}

// NewMockMotionSensor creates a sensor. Motion is reported when the
// horizontal acceleration magnitude exceeds threshold.
func NewMockMotionSensor(moving bool, threshold float64) *MockMotionSensor {
	if threshold <= 0 {
		threshold = 0.2
	}
	return &MockMotionSensor{
		threshold: threshold,
		moving:    moving,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		z:         gravity,
	}
}

// Init takes a first reading
func (m *MockMotionSensor) Init(ctx context.Context) error {
	m.Acceleration()
	return nil
}

// SetMoving switches between the driving and parked profiles
func (m *MockMotionSensor) SetMoving(moving bool) {
	m.mu.Lock()
	m.moving = moving
	m.mu.Unlock()
}

// Acceleration returns a new jittered reading in m/s²
func (m *MockMotionSensor) Acceleration() (x, y, z float32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jitter := func() float32 { return float32(m.rng.Float64()*0.4 - 0.2) }

	if m.moving {
		m.x = 0.5 + jitter()
		m.y = 0.3 + jitter()
		m.z = gravity + jitter()
	} else {
		m.x = jitter() * 0.1
		m.y = jitter() * 0.1
		m.z = gravity + jitter()*0.1
	}
	return m.x, m.y, m.z
}

// IsMoving samples the sensor and compares the horizontal magnitude
func (m *MockMotionSensor) IsMoving() bool {
	x, y, _ := m.Acceleration()
	return math.Hypot(float64(x), float64(y)) > m.threshold
}

// Close is a no-op
func (m *MockMotionSensor) Close() error {
	return nil
}
