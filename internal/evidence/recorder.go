package evidence

import (
	"time"

	"github.com/NoSleep-Drive/embedded/internal/types"
)

// State is a step of an upload job lifecycle
type State string

const (
	StateQueued     State = "queued"
	StateDuplicate  State = "duplicate"
	StateDispatched State = "dispatched"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateRetained   State = "retained"
	StateAbandoned  State = "abandoned"
)

// Event is one lifecycle transition of an upload job
type Event struct {
	Job      types.UploadJob
	State    State
	Attempts int
	Err      error
	At       time.Time
}

// Recorder receives lifecycle events. Implementations must be safe for
// concurrent use and must not block for long.
type Recorder interface {
	Record(Event)
}

type nopRecorder struct{}

func (nopRecorder) Record(Event) {}

func record(r Recorder, job types.UploadJob, state State, attempts int, err error) {
	if r == nil {
		return
	}
	r.Record(Event{Job: job, State: state, Attempts: attempts, Err: err, At: time.Now()})
}
