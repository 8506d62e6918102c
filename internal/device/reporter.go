package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/NoSleep-Drive/embedded/internal/fault"
)

const statusPath = "/vehicles/status"

// StatusReporter sends device connection flags to the backend
type StatusReporter struct {
	serverURL string
	token     string
	deviceUID string
	timeout   time.Duration
	http      *http.Client
}

// NewStatusReporter creates a reporter. Missing URL, token or uid is reported
// as a config fault on every Report call.
func NewStatusReporter(serverURL, token, deviceUID string, timeout time.Duration, client *http.Client) *StatusReporter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &StatusReporter{
		serverURL: strings.TrimRight(serverURL, "/"),
		token:     token,
		deviceUID: deviceUID,
		timeout:   timeout,
		http:      client,
	}
}

type statusPayload struct {
	DeviceUID               string `json:"deviceUid"`
	CameraState             bool   `json:"cameraState"`
	AccelerationSensorState bool   `json:"accelerationSensorState"`
	SpeakerState            bool   `json:"speakerState"`
}

// Report PATCHes the snapshot to the backend
func (r *StatusReporter) Report(ctx context.Context, snap StatusSnapshot) error {
	if r.serverURL == "" || r.token == "" || r.deviceUID == "" {
		return fault.Config("status.report", fmt.Errorf("server url, token or device uid missing"))
	}

	body, err := json.Marshal(statusPayload{
		DeviceUID:               r.deviceUID,
		CameraState:             snap.Camera,
		AccelerationSensorState: snap.Accelerometer,
		SpeakerState:            snap.Speaker,
	})
	if err != nil {
		return fault.Data("status.report", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, r.serverURL+statusPath, bytes.NewReader(body))
	if err != nil {
		return fault.Config("status.report", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.http.Do(req)
	if err != nil {
		return fault.Network("status.report", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fault.Network("status.report", fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}

	slog.Info("device status reported",
		"camera", snap.Camera,
		"accelerometer", snap.Accelerometer,
		"speaker", snap.Speaker,
	)
	return nil
}
