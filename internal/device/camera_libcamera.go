package device

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/NoSleep-Drive/embedded/internal/fault"
	"github.com/NoSleep-Drive/embedded/internal/types"
)

// LibcameraConfig contains CSI camera settings
type LibcameraConfig struct {
	CameraName string // libcamerasrc camera-name, empty selects the first camera
	Width      int
	Height     int
	FPS        int
	// FirstFrameTimeout bounds how long Init waits for a test frame
	FirstFrameTimeout time.Duration
}

// LibcameraCamera captures frames from a CSI camera through a GStreamer
// libcamerasrc pipeline. The appsink keeps only the newest frame.
type LibcameraCamera struct {
	cfg LibcameraConfig

	mu       sync.Mutex
	pipeline *gst.Pipeline
	latest   types.Frame
	fresh    bool
	firstCh  chan struct{}
	firstSet bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	seq       atomic.Uint64
	captured  atomic.Uint64
	busErrors atomic.Uint64
	started   time.Time
}

// NewLibcameraCamera creates a camera. Init must be called before capturing.
func NewLibcameraCamera(cfg LibcameraConfig) (*LibcameraCamera, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution: %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 24
	}
	if cfg.FirstFrameTimeout <= 0 {
		cfg.FirstFrameTimeout = 3 * time.Second
	}
	return &LibcameraCamera{cfg: cfg}, nil
}

// Init builds the pipeline, starts it and waits for a first frame
func (c *LibcameraCamera) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}

	gst.Init(nil)

	pipeline, err := c.buildPipeline()
	if err != nil {
		c.mu.Unlock()
		return fault.Device("camera.init", err)
	}
	c.pipeline = pipeline
	c.firstCh = make(chan struct{})
	c.firstSet = false

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.started = time.Now()
	firstCh := c.firstCh
	c.mu.Unlock()

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		c.Close()
		return fault.Device("camera.init", fmt.Errorf("failed to set pipeline to playing: %w", err))
	}

	c.wg.Add(1)
	go c.watchBus(runCtx, pipeline)

	slog.Info("camera pipeline starting",
		"camera", c.cfg.CameraName,
		"resolution", fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height),
		"fps", c.cfg.FPS,
	)

	select {
	case <-firstCh:
		slog.Info("camera initialized")
		return nil
	case <-time.After(c.cfg.FirstFrameTimeout):
		c.Close()
		return fault.Device("camera.init", fmt.Errorf("no test frame within %s", c.cfg.FirstFrameTimeout))
	case <-ctx.Done():
		c.Close()
		return fault.Device("camera.init", ctx.Err())
	}
}

// buildPipeline links libcamerasrc ! capsfilter ! videoconvert ! videoscale ! capsfilter(RGB) ! appsink
func (c *LibcameraCamera) buildPipeline() (*gst.Pipeline, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("libcamerasrc")
	if err != nil {
		return nil, fmt.Errorf("failed to create libcamerasrc: %w", err)
	}
	if c.cfg.CameraName != "" {
		src.SetProperty("camera-name", c.cfg.CameraName)
	}

	srcCaps, _ := gst.NewElement("capsfilter")
	srcCaps.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,width=%d,height=%d,framerate=%d/1",
		c.cfg.Width, c.cfg.Height, c.cfg.FPS,
	)))

	videoconvert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	videoscale, _ := gst.NewElement("videoscale")

	rgbCaps, _ := gst.NewElement("capsfilter")
	rgbCaps.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d",
		c.cfg.Width, c.cfg.Height,
	)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: c.onNewSample,
	})

	if err := pipeline.AddMany(src, srcCaps, videoconvert, videoscale, rgbCaps, sink.Element); err != nil {
		return nil, fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, srcCaps, videoconvert, videoscale, rgbCaps, sink.Element); err != nil {
		return nil, fmt.Errorf("failed to link elements: %w", err)
	}
	return pipeline, nil
}

func (c *LibcameraCamera) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	defer buffer.Unmap()

	img, err := rgbToRGBA(mapInfo.Bytes(), c.cfg.Width, c.cfg.Height)
	if err != nil {
		slog.Debug("dropping camera sample", "error", err)
		return gst.FlowOK
	}

	frame := types.Frame{
		Seq:       c.seq.Add(1),
		Timestamp: time.Now(),
		Image:     img,
		TraceID:   uuid.New().String(),
	}

	c.mu.Lock()
	c.latest = frame
	c.fresh = true
	if !c.firstSet && c.firstCh != nil {
		c.firstSet = true
		close(c.firstCh)
	}
	c.mu.Unlock()

	return gst.FlowOK
}

// watchBus polls the pipeline bus until the context ends or the pipeline fails
func (c *LibcameraCamera) watchBus(ctx context.Context, pipeline *gst.Pipeline) {
	defer c.wg.Done()

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Warn("camera pipeline reached end of stream")
			return
		case gst.MessageError:
			c.busErrors.Add(1)
			gerr := msg.ParseError()
			slog.Error("camera pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			return
		}
	}
}

// CaptureFrame returns the newest frame not yet handed out.
// False means no new frame is available; the caller skips the tick.
func (c *LibcameraCamera) CaptureFrame() (types.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipeline == nil || !c.fresh {
		return types.Frame{}, false
	}
	c.fresh = false
	c.captured.Add(1)
	return c.latest, true
}

// Close stops the pipeline
func (c *LibcameraCamera) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	pipeline := c.pipeline
	c.cancel = nil
	c.pipeline = nil
	c.fresh = false
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	c.wg.Wait()

	if pipeline != nil {
		pipeline.SetState(gst.StateNull)
	}

	slog.Info("camera pipeline stopped",
		"frames_captured", c.captured.Load(),
		"bus_errors", c.busErrors.Load(),
		"uptime", time.Since(c.started),
	)
	return nil
}

// rgbToRGBA converts packed RGB rows into an RGBA image.
// Rows may carry padding; the stride is derived from the buffer size.
func rgbToRGBA(data []byte, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid resolution: %dx%d", width, height)
	}
	stride := len(data) / height
	if stride < width*3 {
		return nil, fmt.Errorf("invalid RGB data size: got %d, expected at least %d", len(data), width*height*3)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		row := data[y*stride : y*stride+width*3]
		out := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := 0; x < width; x++ {
			out[x*4+0] = row[x*3+0]
			out[x*4+1] = row[x*3+1]
			out[x*4+2] = row[x*3+2]
			out[x*4+3] = 255
		}
	}
	return img, nil
}
