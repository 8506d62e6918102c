package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/NoSleep-Drive/embedded/internal/types"
)

// Worker runs one upload job to a terminal outcome
type Worker interface {
	Upload(ctx context.Context, job types.UploadJob) Outcome
}

// WorkerFunc adapts a function to Worker
type WorkerFunc func(ctx context.Context, job types.UploadJob) Outcome

// Upload calls f
func (f WorkerFunc) Upload(ctx context.Context, job types.UploadJob) Outcome {
	return f(ctx, job)
}

// Coordinator deduplicates upload jobs and runs each on its own goroutine.
//
// A job key (DeviceUID + "::" + FolderPath) is active from Enqueue until its
// task finishes; a second Enqueue of an active key is dropped. A single
// dispatcher goroutine sleeps on a condition variable until the queue is
// non-empty or Stop is called.
type Coordinator struct {
	worker   Worker
	recorder Recorder

	mu          sync.Mutex
	queueCond   *sync.Cond // queue non-empty or terminating
	releaseCond *sync.Cond // an active key was released
	queue       []types.UploadJob
	active      map[string]struct{}
	started     bool
	terminate   bool

	taskCtx    context.Context
	taskCancel context.CancelFunc
	dispatchWG sync.WaitGroup

	enqueued   atomic.Uint64
	duplicates atomic.Uint64
	dispatched atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	retained   atomic.Uint64
	panics     atomic.Uint64
}

// CoordinatorStats contains coordinator counters
type CoordinatorStats struct {
	Enqueued   uint64
	Duplicates uint64
	Dispatched uint64
	Completed  uint64
	Failed     uint64
	Retained   uint64
	Panics     uint64
	Active     int
	Queued     int
}

// NewCoordinator creates a coordinator that hands jobs to worker
func NewCoordinator(worker Worker, recorder Recorder) *Coordinator {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	c := &Coordinator{
		worker:   worker,
		recorder: recorder,
		active:   make(map[string]struct{}),
	}
	c.queueCond = sync.NewCond(&c.mu)
	c.releaseCond = sync.NewCond(&c.mu)
	return c
}

// Start launches the dispatcher goroutine.
// Upload tasks run under a context detached from ctx's cancellation so that
// a shutdown does not abort an in-flight upload.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("coordinator already started")
	}
	if c.terminate {
		return fmt.Errorf("coordinator already stopped")
	}
	c.started = true
	c.taskCtx, c.taskCancel = context.WithCancel(context.WithoutCancel(ctx))

	c.dispatchWG.Add(1)
	go c.dispatchLoop()

	slog.Info("upload coordinator started")
	return nil
}

// Stop terminates the dispatcher and waits for it to exit.
// In-flight upload tasks keep running; use Drain to wait for them.
// Jobs still queued are abandoned and their keys released.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.terminate {
		c.mu.Unlock()
		return
	}
	c.terminate = true
	c.queueCond.Broadcast()
	c.mu.Unlock()

	c.dispatchWG.Wait()

	c.mu.Lock()
	abandoned := c.queue
	c.queue = nil
	for _, job := range abandoned {
		delete(c.active, job.Key())
	}
	c.releaseCond.Broadcast()
	c.mu.Unlock()

	for _, job := range abandoned {
		slog.Warn("upload job abandoned at shutdown, folder kept", "folder", job.FolderPath)
		record(c.recorder, job, StateAbandoned, 0, nil)
	}

	slog.Info("upload coordinator stopped", "abandoned", len(abandoned))
}

// Drain waits until every queued or in-flight job has released its key,
// or ctx expires. Jobs still queued count, so Drain must not be called on a
// coordinator that was never started.
func (c *Coordinator) Drain(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.releaseCond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.active) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("upload drain interrupted (%d active): %w", len(c.active), err)
		}
		c.releaseCond.Wait()
	}
	return nil
}

// Cancel aborts in-flight upload tasks; they finish with their current outcome
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	cancel := c.taskCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Enqueue adds a job unless its key is already active.
// Returns false if the job was dropped as a duplicate or the coordinator is stopped.
func (c *Coordinator) Enqueue(job types.UploadJob) bool {
	key := job.Key()

	c.mu.Lock()
	if c.terminate {
		c.mu.Unlock()
		slog.Warn("upload coordinator stopped, job rejected", "folder", job.FolderPath)
		return false
	}
	if _, ok := c.active[key]; ok {
		c.mu.Unlock()
		c.duplicates.Add(1)
		slog.Info("upload already in progress, duplicate dropped", "key", key)
		record(c.recorder, job, StateDuplicate, 0, nil)
		return false
	}
	c.active[key] = struct{}{}
	c.queue = append(c.queue, job)
	c.queueCond.Signal()
	c.mu.Unlock()

	c.enqueued.Add(1)
	record(c.recorder, job, StateQueued, 0, nil)
	return true
}

// Busy reports whether any upload is queued or in flight
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active) > 0
}

// AwaitRelease blocks until key is no longer active or ctx expires
func (c *Coordinator) AwaitRelease(ctx context.Context, key string) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.releaseCond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if _, ok := c.active[key]; !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.releaseCond.Wait()
	}
}

// Stats returns coordinator counters
func (c *Coordinator) Stats() CoordinatorStats {
	c.mu.Lock()
	active, queued := len(c.active), len(c.queue)
	c.mu.Unlock()

	return CoordinatorStats{
		Enqueued:   c.enqueued.Load(),
		Duplicates: c.duplicates.Load(),
		Dispatched: c.dispatched.Load(),
		Completed:  c.completed.Load(),
		Failed:     c.failed.Load(),
		Retained:   c.retained.Load(),
		Panics:     c.panics.Load(),
		Active:     active,
		Queued:     queued,
	}
}

// dispatchLoop drains the queue whenever it is signalled
func (c *Coordinator) dispatchLoop() {
	defer c.dispatchWG.Done()

	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.terminate {
			c.queueCond.Wait()
		}
		if c.terminate {
			c.mu.Unlock()
			return
		}
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, job := range batch {
			c.launch(job)
		}
	}
}

// launch runs one job on its own goroutine and releases its key when done
func (c *Coordinator) launch(job types.UploadJob) {
	c.dispatched.Add(1)
	record(c.recorder, job, StateDispatched, 0, nil)

	go func() {
		defer c.release(job)
		defer func() {
			if r := recover(); r != nil {
				c.panics.Add(1)
				c.failed.Add(1)
				slog.Error("upload task panicked", "folder", job.FolderPath, "panic", r)
				record(c.recorder, job, StateFailed, 0, fmt.Errorf("panic: %v", r))
			}
		}()

		switch c.worker.Upload(c.taskCtx, job) {
		case OutcomeCompleted:
			c.completed.Add(1)
		case OutcomeRetained:
			c.retained.Add(1)
		default:
			c.failed.Add(1)
		}
	}()
}

func (c *Coordinator) release(job types.UploadJob) {
	c.mu.Lock()
	delete(c.active, job.Key())
	c.releaseCond.Broadcast()
	c.mu.Unlock()
}
