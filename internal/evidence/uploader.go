package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/NoSleep-Drive/embedded/internal/fault"
	"github.com/NoSleep-Drive/embedded/internal/framestore"
	"github.com/NoSleep-Drive/embedded/internal/types"
)

const (
	uploadPath      = "/sleep"
	successPhrase   = "sleepiness detection data saved."
	detectedAtFmt   = "2006-01-02T15:04:05"
	videoFileName   = "evidence.mp4"
	maxResponseBody = 4096
)

// Outcome is the terminal result of one upload job
type Outcome int

const (
	// OutcomeCompleted means the backend acknowledged the evidence
	OutcomeCompleted Outcome = iota
	// OutcomeFailed means retries were exhausted, the backend refused, or config was missing
	OutcomeFailed
	// OutcomeRetained means the folder could not be encoded and was kept on disk
	OutcomeRetained
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeRetained:
		return "retained"
	default:
		return "unknown"
	}
}

// Encoder turns an evidence folder into video bytes
type Encoder interface {
	Encode(ctx context.Context, folder string) ([]byte, error)
}

// EncoderFunc adapts a function to Encoder
type EncoderFunc func(ctx context.Context, folder string) ([]byte, error)

// Encode calls f
func (f EncoderFunc) Encode(ctx context.Context, folder string) ([]byte, error) {
	return f(ctx, folder)
}

// UploaderConfig configures an Uploader
type UploaderConfig struct {
	ServerURL      string
	Token          string
	MaxAttempts    int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	Encoder        Encoder
	HTTPClient     *http.Client
	Recorder       Recorder
	// RemoveAll deletes a folder after a terminal outcome (default os.RemoveAll)
	RemoveAll func(path string) error
}

// Uploader ships one evidence folder to the backend
type Uploader struct {
	cfg UploaderConfig

	attempts  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retained  atomic.Uint64
}

// UploaderStats contains uploader counters
type UploaderStats struct {
	Attempts  uint64
	Completed uint64
	Failed    uint64
	Retained  uint64
}

// NewUploader creates an uploader
func NewUploader(cfg UploaderConfig) (*Uploader, error) {
	if cfg.Encoder == nil {
		return nil, fmt.Errorf("encoder is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.RemoveAll == nil {
		cfg.RemoveAll = os.RemoveAll
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	return &Uploader{cfg: cfg}, nil
}

// Upload encodes, checksums and posts the folder, retrying transient failures.
// The folder is deleted after every terminal outcome except OutcomeRetained.
func (u *Uploader) Upload(ctx context.Context, job types.UploadJob) Outcome {
	logger := slog.With("device_uid", job.DeviceUID, "folder", job.FolderPath)

	if u.cfg.ServerURL == "" || u.cfg.Token == "" || job.DeviceUID == "" {
		err := fault.Config("upload", fmt.Errorf("server url, token or device uid missing"))
		logger.Error("evidence upload aborted", "error", err)
		return u.finish(job, OutcomeFailed, 0, err)
	}

	video, err := u.cfg.Encoder.Encode(ctx, job.FolderPath)
	if err == nil && len(video) == 0 {
		err = fmt.Errorf("encoder produced no data")
	}
	if err != nil {
		err = fault.Data("upload.encode", err)
		logger.Error("evidence encode failed, folder retained", "error", err)
		return u.finish(job, OutcomeRetained, 0, err)
	}

	sum := sha256.Sum256(video)
	checksum := hex.EncodeToString(sum[:])

	detectedAt, perr := framestore.EvidenceTime(job.FolderPath)
	if perr != nil {
		logger.Warn("evidence folder has no timestamp, using current time", "error", perr)
		detectedAt = time.Now()
	}

	attempts := 0
	backoff := retry.WithMaxRetries(uint64(u.cfg.MaxAttempts-1), retry.NewConstant(u.cfg.RetryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		u.attempts.Add(1)

		perr := u.post(ctx, job.DeviceUID, detectedAt, video, checksum)
		if perr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(perr, &perm) {
			logger.Error("evidence upload rejected", "attempt", attempts, "error", perr)
			return perr
		}

		logger.Warn("evidence upload attempt failed",
			"attempt", attempts,
			"max_attempts", u.cfg.MaxAttempts,
			"error", perr,
		)
		return retry.RetryableError(perr)
	})

	if err != nil {
		logger.Error("evidence upload failed", "attempts", attempts, "error", err)
		return u.finish(job, OutcomeFailed, attempts, err)
	}

	logger.Info("evidence uploaded",
		"attempts", attempts,
		"size_bytes", len(video),
		"checksum", checksum,
	)
	return u.finish(job, OutcomeCompleted, attempts, nil)
}

// finish records the outcome and deletes the folder unless it is retained
func (u *Uploader) finish(job types.UploadJob, outcome Outcome, attempts int, err error) Outcome {
	switch outcome {
	case OutcomeCompleted:
		u.completed.Add(1)
		record(u.cfg.Recorder, job, StateCompleted, attempts, nil)
	case OutcomeFailed:
		u.failed.Add(1)
		record(u.cfg.Recorder, job, StateFailed, attempts, err)
	case OutcomeRetained:
		u.retained.Add(1)
		record(u.cfg.Recorder, job, StateRetained, attempts, err)
		return outcome
	}

	if rerr := u.cfg.RemoveAll(job.FolderPath); rerr != nil {
		slog.Warn("failed to delete evidence folder", "folder", job.FolderPath, "error", rerr)
	}
	return outcome
}

// post sends one multipart upload attempt
func (u *Uploader) post(ctx context.Context, deviceUID string, detectedAt time.Time, video []byte, checksum string) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("deviceUid", deviceUID); err != nil {
		return &permanentError{fault.Data("upload", err)}
	}
	if err := mw.WriteField("detectedAt", detectedAt.Format(detectedAtFmt)); err != nil {
		return &permanentError{fault.Data("upload", err)}
	}
	if err := mw.WriteField("checksum", checksum); err != nil {
		return &permanentError{fault.Data("upload", err)}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="videoFile"; filename="%s"`, videoFileName))
	header.Set("Content-Type", "video/mp4")
	part, err := mw.CreatePart(header)
	if err != nil {
		return &permanentError{fault.Data("upload", err)}
	}
	if _, err := part.Write(video); err != nil {
		return &permanentError{fault.Data("upload", err)}
	}
	if err := mw.Close(); err != nil {
		return &permanentError{fault.Data("upload", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, u.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.ServerURL+uploadPath, &body)
	if err != nil {
		return &permanentError{fault.Config("upload", err)}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+u.cfg.Token)

	resp, err := u.cfg.HTTPClient.Do(req)
	if err != nil {
		return fault.Network("upload", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	switch {
	case resp.StatusCode == http.StatusOK:
		if strings.Contains(string(respBody), successPhrase) {
			return nil
		}
		return fault.Network("upload", fmt.Errorf("status %d without acknowledgement: %s", resp.StatusCode, respBody))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &permanentError{fault.Network("upload", fmt.Errorf("status %d: %s", resp.StatusCode, respBody))}
	default:
		return fault.Network("upload", fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
	}
}

// Stats returns uploader counters
func (u *Uploader) Stats() UploaderStats {
	return UploaderStats{
		Attempts:  u.attempts.Load(),
		Completed: u.completed.Load(),
		Failed:    u.failed.Load(),
		Retained:  u.retained.Load(),
	}
}

// permanentError marks a failure that retrying cannot fix
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
