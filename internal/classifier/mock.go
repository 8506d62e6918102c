package classifier

import (
	"context"
	"sync"

	"github.com/NoSleep-Drive/embedded/internal/types"
)

// Func adapts a function to the classifier interface
type Func func(ctx context.Context, frame types.Frame) (bool, error)

// Classify calls f
func (f Func) Classify(ctx context.Context, frame types.Frame) (bool, error) {
	return f(ctx, frame)
}

// MockClassifier replays a fixed pattern of verdicts, cycling when exhausted
type MockClassifier struct {
	mu      sync.Mutex
	pattern []bool
	pos     int
	calls   uint64
}

// NewMockClassifier creates a mock. An empty pattern always answers open.
func NewMockClassifier(pattern ...bool) *MockClassifier {
	return &MockClassifier{pattern: pattern}
}

// SetPattern replaces the pattern and restarts it
func (m *MockClassifier) SetPattern(pattern ...bool) {
	m.mu.Lock()
	m.pattern = pattern
	m.pos = 0
	m.mu.Unlock()
}

// Classify returns the next verdict of the pattern
func (m *MockClassifier) Classify(ctx context.Context, frame types.Frame) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if len(m.pattern) == 0 {
		return false, nil
	}
	closed := m.pattern[m.pos]
	m.pos = (m.pos + 1) % len(m.pattern)
	return closed, nil
}

// Calls returns how many frames were classified
func (m *MockClassifier) Calls() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
