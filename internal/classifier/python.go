// Package classifier decides per frame whether the driver's eyes are closed.
package classifier

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/draw"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/NoSleep-Drive/embedded/internal/fault"
	"github.com/NoSleep-Drive/embedded/internal/types"
)

const (
	maxMessageSize = 16 << 20
	writeTimeout   = 2 * time.Second
	respawnDelay   = 5 * time.Second
)

// PythonConfig contains eye worker settings
type PythonConfig struct {
	Command   string // wrapper script that activates the venv
	Args      []string
	Threshold float64
	Timeout   time.Duration
}

// request is one length-prefixed msgpack frame sent to the worker
type request struct {
	Seq       uint64  `msgpack:"seq"`
	FrameData []byte  `msgpack:"frame_data"`
	Width     int     `msgpack:"width"`
	Height    int     `msgpack:"height"`
	Threshold float64 `msgpack:"threshold"`
	TraceID   string  `msgpack:"trace_id"`
}

// response is the worker verdict for one request
type response struct {
	Seq    uint64  `msgpack:"seq"`
	Closed bool    `msgpack:"closed"`
	EAR    float64 `msgpack:"ear"`
	Faces  int     `msgpack:"faces"`
	Error  string  `msgpack:"error"`
}

// PythonClassifier runs eye-closure inference in a Python subprocess and talks
// to it over stdin/stdout with 4-byte big-endian length-prefixed msgpack.
// Requests are serialised; one frame is in flight at a time.
type PythonClassifier struct {
	cfg PythonConfig

	reqMu sync.Mutex // one request in flight

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	responses chan response
	ctx       context.Context
	cancel    context.CancelFunc
	spawnedAt time.Time
	wg        sync.WaitGroup
	isActive  atomic.Bool

	seq        atomic.Uint64
	classified atomic.Uint64
	timeouts   atomic.Uint64
	errors     atomic.Uint64
	totalLatMS atomic.Uint64
}

// Stats contains classifier counters
type Stats struct {
	Classified   uint64
	Timeouts     uint64
	Errors       uint64
	AvgLatencyMS float64
	Active       bool
}

// NewPythonClassifier creates a classifier; Start spawns the worker
func NewPythonClassifier(cfg PythonConfig) (*PythonClassifier, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("classifier command is required")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.25
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	return &PythonClassifier{cfg: cfg}, nil
}

// Start spawns the worker process
func (c *PythonClassifier) Start(ctx context.Context) error {
	if c.isActive.Load() {
		return fmt.Errorf("classifier already started")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(ctx)
	if err := c.spawnLocked(); err != nil {
		return fault.Device("classifier.start", err)
	}
	return nil
}

// spawnLocked starts the subprocess and its reader goroutines
func (c *PythonClassifier) spawnLocked() error {
	args := append([]string{"--threshold", fmt.Sprintf("%.2f", c.cfg.Threshold)}, c.cfg.Args...)
	cmd := exec.CommandContext(c.ctx, c.cfg.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	c.spawnedAt = time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start eye worker: %w", err)
	}
	c.cmd = cmd

	slog.Info("eye worker spawned", "command", c.cfg.Command, "pid", cmd.Process.Pid)

	c.attachLocked(stdin, stdout)

	c.wg.Add(2)
	go c.logStderr(stderr)
	go c.waitProcess(cmd)
	return nil
}

// attachLocked wires the request and response streams
func (c *PythonClassifier) attachLocked(stdin io.WriteCloser, stdout io.Reader) {
	c.stdin = stdin
	c.responses = make(chan response, 4)
	c.isActive.Store(true)

	c.wg.Add(1)
	go c.readResponses(stdout, c.responses)
}

// Classify sends the frame to the worker and waits for its verdict
func (c *PythonClassifier) Classify(ctx context.Context, frame types.Frame) (bool, error) {
	if frame.Empty() {
		return false, fault.Data("classify", fmt.Errorf("empty frame"))
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.ensureRunning(); err != nil {
		c.errors.Add(1)
		return false, err
	}

	c.mu.Lock()
	stdin := c.stdin
	responses := c.responses
	c.mu.Unlock()

	pix, w, h := grayPixels(frame.Image)
	req := request{
		Seq:       c.seq.Add(1),
		FrameData: pix,
		Width:     w,
		Height:    h,
		Threshold: c.cfg.Threshold,
		TraceID:   frame.TraceID,
	}

	start := time.Now()
	if err := writeMessage(stdin, req); err != nil {
		c.errors.Add(1)
		return false, fault.Device("classify", err)
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	for {
		select {
		case resp, ok := <-responses:
			if !ok {
				c.errors.Add(1)
				return false, fault.Device("classify", fmt.Errorf("eye worker closed its output"))
			}
			if resp.Seq != req.Seq {
				// late answer to a request that already timed out
				slog.Debug("discarding stale eye worker response", "seq", resp.Seq, "want", req.Seq)
				continue
			}
			if resp.Error != "" {
				c.errors.Add(1)
				return false, fault.Data("classify", fmt.Errorf("eye worker: %s", resp.Error))
			}
			c.classified.Add(1)
			c.totalLatMS.Add(uint64(time.Since(start).Milliseconds()))
			return resp.Closed, nil
		case <-timer.C:
			c.timeouts.Add(1)
			return false, fault.Device("classify", fmt.Errorf("eye worker timeout after %s", c.cfg.Timeout))
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// ensureRunning respawns a dead worker, at most once per respawnDelay
func (c *PythonClassifier) ensureRunning() error {
	if c.isActive.Load() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil || c.ctx.Err() != nil {
		return fault.Device("classify", fmt.Errorf("eye worker not started"))
	}
	if c.cmd == nil || time.Since(c.spawnedAt) < respawnDelay {
		return fault.Device("classify", fmt.Errorf("eye worker not running"))
	}

	slog.Warn("respawning eye worker")
	if err := c.spawnLocked(); err != nil {
		return fault.Device("classify", err)
	}
	return nil
}

func writeMessage(w io.Writer, req request) error {
	payload, err := msgpack.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack request: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		prefix := make([]byte, 4)
		binary.BigEndian.PutUint32(prefix, uint32(len(payload)))
		if _, err := w.Write(prefix); err != nil {
			writeErr <- fmt.Errorf("failed to write length prefix: %w", err)
			return
		}
		if _, err := w.Write(payload); err != nil {
			writeErr <- fmt.Errorf("failed to write msgpack data: %w", err)
			return
		}
		writeErr <- nil
	}()

	select {
	case err := <-writeErr:
		return err
	case <-time.After(writeTimeout):
		return fmt.Errorf("stdin write timeout (eye worker may be hung)")
	}
}

// readResponses decodes length-prefixed msgpack responses until the stream ends
func (c *PythonClassifier) readResponses(stdout io.Reader, out chan<- response) {
	defer c.wg.Done()
	defer close(out)
	defer c.isActive.Store(false)

	lengthBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(stdout, lengthBuf); err != nil {
			if err != io.EOF {
				slog.Error("failed to read eye worker response length", "error", err)
			}
			return
		}

		n := binary.BigEndian.Uint32(lengthBuf)
		if n > maxMessageSize {
			slog.Error("eye worker response too large", "length", n)
			return
		}

		data := make([]byte, n)
		if _, err := io.ReadFull(stdout, data); err != nil {
			slog.Error("failed to read eye worker response", "error", err, "length", n)
			return
		}

		var resp response
		if err := msgpack.Unmarshal(data, &resp); err != nil {
			slog.Error("failed to unmarshal eye worker response", "error", err, "data_length", len(data))
			continue
		}

		select {
		case out <- resp:
		default:
			slog.Warn("eye worker response dropped, nobody waiting", "seq", resp.Seq)
		}
	}
}

// logStderr maps worker log lines to slog levels
func (c *PythonClassifier) logStderr(stderr io.Reader) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			slog.Error("eye worker error", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("eye worker warning", "log", line)
		default:
			slog.Debug("eye worker log", "log", line)
		}
	}
}

func (c *PythonClassifier) waitProcess(cmd *exec.Cmd) {
	defer c.wg.Done()

	err := cmd.Wait()
	c.isActive.Store(false)

	select {
	case <-c.ctx.Done():
		slog.Debug("eye worker exited (shutdown)", "pid", cmd.Process.Pid)
	default:
		if err != nil {
			slog.Error("eye worker exited unexpectedly", "pid", cmd.Process.Pid, "error", err)
		} else {
			slog.Warn("eye worker exited", "pid", cmd.Process.Pid)
		}
	}
}

// Stop closes stdin and waits for the worker, killing it after 2s
func (c *PythonClassifier) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	stdin := c.stdin
	cmd := c.cmd
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	if stdin != nil {
		stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("eye worker stop timeout, killing process")
		cancel()
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-done
	}
	cancel()
	c.isActive.Store(false)

	slog.Info("eye worker stopped",
		"classified", c.classified.Load(),
		"timeouts", c.timeouts.Load(),
		"errors", c.errors.Load(),
	)
	return nil
}

// Stats returns classifier counters
func (c *PythonClassifier) Stats() Stats {
	classified := c.classified.Load()
	var avg float64
	if classified > 0 {
		avg = float64(c.totalLatMS.Load()) / float64(classified)
	}
	return Stats{
		Classified:   classified,
		Timeouts:     c.timeouts.Load(),
		Errors:       c.errors.Load(),
		AvgLatencyMS: avg,
		Active:       c.isActive.Load(),
	}
}

// grayPixels returns tightly packed 8-bit luminance
func grayPixels(img image.Image) ([]byte, int, int) {
	b := img.Bounds()
	g, ok := img.(*image.Gray)
	if !ok || g.Stride != b.Dx() || b.Min != (image.Point{}) {
		g = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	}
	return g.Pix, b.Dx(), b.Dy()
}
