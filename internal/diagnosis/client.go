package diagnosis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/NoSleep-Drive/embedded/internal/fault"
	"github.com/NoSleep-Drive/embedded/internal/types"
)

const (
	diagnosisPath  = "/diagnosis/drowiness"
	frameSavePath  = "/api/save/frame"
	maxErrorBody   = 512
	maxResponse    = 64 << 10
	defaultTimeout = 3 * time.Second
)

// Result is the outcome of one remote diagnosis request.
// Success=false means the remote classifier could not answer and the caller
// should fall back to its local decision.
type Result struct {
	Success       bool
	Drowsy        bool
	DetectionTime string
	Message       string
	Err           error // classified failure, nil on success
	RequestedAt   time.Time
	Latency       time.Duration
}

// Callback receives the diagnosis result on the request goroutine
type Callback func(Result)

// Config configures the diagnosis client
type Config struct {
	BaseURL   string
	DeviceUID string
	Timeout   time.Duration
	// FrameForwardHz caps driver frame uploads per second, 0 disables forwarding
	FrameForwardHz    float64
	FrameForwardBurst int
	JPEGQuality       int
	HTTPClient        *http.Client
}

// Client talks to the remote drowsiness classifier
type Client struct {
	baseURL     string
	deviceUID   string
	timeout     time.Duration
	jpegQuality int
	http        *http.Client
	limiter     *rate.Limiter

	wg       sync.WaitGroup
	frameIdx atomic.Uint64

	requests        atomic.Uint64
	remoteFailures  atomic.Uint64
	framesForwarded atomic.Uint64
	framesDropped   atomic.Uint64
}

// Stats contains client counters
type Stats struct {
	Requests        uint64
	RemoteFailures  uint64
	FramesForwarded uint64
	FramesDropped   uint64
}

// response mirrors the classifier JSON body
type response struct {
	Success           bool      `json:"success"`
	IsDrowsinessDrive bool      `json:"isDrowsinessDrive"`
	DetectionTime     string    `json:"detectionTime"`
	Error             *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code          interface{} `json:"code"`
	Message       string      `json:"message"`
	Method        string      `json:"method"`
	DetailMessage string      `json:"detail_message"`
}

func (e *apiError) String() string {
	if e == nil {
		return "remote reported failure"
	}
	return fmt.Sprintf("remote error %v: %s (%s)", e.Code, e.Message, e.DetailMessage)
}

// frameRequest is the driver frame forwarding payload
type frameRequest struct {
	DeviceUID   string `json:"deviceUid"`
	FrameIdx    uint64 `json:"frameIdx"`
	DriverFrame string `json:"driverFrame"`
}

// NewClient creates a diagnosis client
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 80
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	c := &Client{
		baseURL:     cfg.BaseURL,
		deviceUID:   cfg.DeviceUID,
		timeout:     cfg.Timeout,
		jpegQuality: cfg.JPEGQuality,
		http:        cfg.HTTPClient,
	}

	if cfg.FrameForwardHz > 0 {
		burst := cfg.FrameForwardBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.FrameForwardHz), burst)
	}

	return c
}

// RequestDiagnosis asks the remote classifier whether uid is driving drowsy.
// It returns immediately; cb runs exactly once on a separate goroutine.
func (c *Client) RequestDiagnosis(ctx context.Context, uid string, requestedAt time.Time, cb Callback) {
	c.requests.Add(1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		start := time.Now()
		res, err := c.fetch(ctx, uid)
		res.RequestedAt = requestedAt
		res.Latency = time.Since(start)

		if err != nil {
			c.remoteFailures.Add(1)
			res = Result{
				Success:     false,
				Message:     err.Error(),
				Err:         err,
				RequestedAt: requestedAt,
				Latency:     res.Latency,
			}
			slog.Warn("remote diagnosis failed, local fallback applies",
				"device_uid", uid,
				"requested_at", requestedAt.Format(time.RFC3339),
				"error", err,
			)
		} else {
			slog.Debug("remote diagnosis received",
				"device_uid", uid,
				"drowsy", res.Drowsy,
				"detection_time", res.DetectionTime,
				"latency_ms", res.Latency.Milliseconds(),
			)
		}

		if cb != nil {
			cb(res)
		}
	}()
}

// Diagnose is the blocking form of RequestDiagnosis
func (c *Client) Diagnose(ctx context.Context, uid string) (Result, error) {
	done := make(chan Result, 1)
	c.RequestDiagnosis(ctx, uid, time.Now(), func(r Result) { done <- r })

	select {
	case r := <-done:
		if !r.Success {
			return r, fmt.Errorf("diagnosis failed: %w", r.Err)
		}
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Client) fetch(ctx context.Context, uid string) (Result, error) {
	if c.baseURL == "" {
		return Result{}, fault.Config("diagnosis", fmt.Errorf("ai server url not configured"))
	}
	if uid == "" {
		return Result{}, fault.Config("diagnosis", fmt.Errorf("device uid not configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + diagnosisPath + "?deviceUid=" + url.QueryEscape(uid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, fault.Config("diagnosis", fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fault.Network("diagnosis", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return Result{}, fault.Network("diagnosis", fmt.Errorf("failed to read body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, fault.Network("diagnosis",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, maxErrorBody)))
	}

	var parsed response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, fault.Data("diagnosis", fmt.Errorf("failed to parse response: %w", err))
	}
	if !parsed.Success {
		return Result{}, fault.Data("diagnosis", fmt.Errorf("%s", parsed.Error.String()))
	}

	return Result{
		Success:       true,
		Drowsy:        parsed.IsDrowsinessDrive,
		DetectionTime: parsed.DetectionTime,
		Message:       "ok",
	}, nil
}

// SendDriverFrame forwards a frame to the remote accumulator.
// Best effort: never blocks the caller, never retries, drops when rate limited.
func (c *Client) SendDriverFrame(frame types.Frame) {
	if c.limiter == nil || frame.Empty() {
		return
	}
	if !c.limiter.Allow() {
		c.framesDropped.Add(1)
		return
	}
	if c.baseURL == "" || c.deviceUID == "" {
		c.framesDropped.Add(1)
		slog.Debug("frame forward skipped, missing configuration")
		return
	}

	idx := c.frameIdx.Add(1) - 1

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.postFrame(frame, idx); err != nil {
			c.framesDropped.Add(1)
			slog.Debug("frame forward failed",
				"frame_idx", idx,
				"trace_id", frame.TraceID,
				"error", err,
			)
			return
		}
		c.framesForwarded.Add(1)
	}()
}

func (c *Client) postFrame(frame types.Frame, idx uint64) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: c.jpegQuality}); err != nil {
		return fault.Data("frame.forward", err)
	}

	payload, err := json.Marshal(frameRequest{
		DeviceUID:   c.deviceUID,
		FrameIdx:    idx,
		DriverFrame: base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		return fault.Data("frame.forward", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+frameSavePath, bytes.NewReader(payload))
	if err != nil {
		return fault.Config("frame.forward", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Network("frame.forward", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fault.Network("frame.forward", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}

// Wait blocks until every in-flight request goroutine has returned
func (c *Client) Wait() {
	c.wg.Wait()
}

// Stats returns client counters
func (c *Client) Stats() Stats {
	return Stats{
		Requests:        c.requests.Load(),
		RemoteFailures:  c.remoteFailures.Load(),
		FramesForwarded: c.framesForwarded.Load(),
		FramesDropped:   c.framesDropped.Load(),
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
