// Package eyestate keeps the rolling per-frame eye-closure history and decides
// local sleepiness from it.
package eyestate

import "fmt"

const (
	// DefaultCapacity is the number of most recent classifications retained
	DefaultCapacity = 60
	// DefaultClosedRun is the number of contiguous closed frames, counted from
	// the newest end, that makes the driver sleepy
	DefaultClosedRun = 48
)

// Window is a fixed-capacity FIFO of eye-closure flags.
//
// Window is not safe for concurrent use. Callers that push from the frame
// path and read from the diagnosis path must share a lock around it.
type Window struct {
	buf       []bool
	head      int // index of the oldest entry
	size      int
	closedRun int
}

// New creates a window holding at most capacity flags that reports sleepy once
// closedRun trailing flags are closed
func New(capacity, closedRun int) (*Window, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be > 0, got %d", capacity)
	}
	if closedRun <= 0 || closedRun > capacity {
		return nil, fmt.Errorf("closed run must be in 1..%d, got %d", capacity, closedRun)
	}
	return &Window{
		buf:       make([]bool, capacity),
		closedRun: closedRun,
	}, nil
}

// NewDefault creates a 60-entry window with a 48-frame closed run
func NewDefault() *Window {
	w, _ := New(DefaultCapacity, DefaultClosedRun)
	return w
}

// Push appends a classification, evicting the oldest one when full
func (w *Window) Push(closed bool) {
	if w.size < len(w.buf) {
		w.buf[(w.head+w.size)%len(w.buf)] = closed
		w.size++
		return
	}
	w.buf[w.head] = closed
	w.head = (w.head + 1) % len(w.buf)
}

// IsSleepy reports whether the newest closedRun entries are all closed.
// Closed frames separated from the newest end by an open frame do not count.
func (w *Window) IsSleepy() bool {
	if w.size < w.closedRun {
		return false
	}
	return w.TailRun() >= w.closedRun
}

// TailRun counts contiguous closed entries from the newest end
func (w *Window) TailRun() int {
	run := 0
	for i := w.size - 1; i >= 0; i-- {
		if !w.at(i) {
			break
		}
		run++
	}
	return run
}

// Len returns the number of stored entries
func (w *Window) Len() int {
	return w.size
}

// Cap returns the window capacity
func (w *Window) Cap() int {
	return len(w.buf)
}

// Snapshot returns the entries ordered oldest to newest
func (w *Window) Snapshot() []bool {
	out := make([]bool, w.size)
	for i := range out {
		out[i] = w.at(i)
	}
	return out
}

// Reset drops all entries
func (w *Window) Reset() {
	w.head = 0
	w.size = 0
}

// at returns the i-th entry counted from the oldest
func (w *Window) at(i int) bool {
	return w.buf[(w.head+i)%len(w.buf)]
}
