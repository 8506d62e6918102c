package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/NoSleep-Drive/embedded/internal/config"
	"github.com/NoSleep-Drive/embedded/internal/device"
	"github.com/NoSleep-Drive/embedded/internal/types"
)

const (
	TypeDrowsiness = "drowsiness"
	TypeStatus     = "status"
)

// statusEvent is the payload of a device status event
type statusEvent struct {
	DeviceUID     string    `json:"deviceUid"`
	Camera        bool      `json:"cameraState"`
	Accelerometer bool      `json:"accelerationSensorState"`
	Speaker       bool      `json:"speakerState"`
	ReportedAt    time.Time `json:"reportedAt"`
}

// MQTTEmitter publishes drowsiness and device status events to the broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // shared with the control plane

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection. The client id is the device uid.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.DeviceUID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.DeviceUID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// PublishDrowsiness publishes a sleepy decision to <events>/drowsiness
func (e *MQTTEmitter) PublishDrowsiness(ev types.DrowsinessEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal drowsiness event: %w", err)
	}
	return e.publish(TypeDrowsiness, payload)
}

// PublishStatus publishes the device connection flags to <events>/status
func (e *MQTTEmitter) PublishStatus(deviceUID string, snap device.StatusSnapshot) error {
	payload, err := json.Marshal(statusEvent{
		DeviceUID:     deviceUID,
		Camera:        snap.Camera,
		Accelerometer: snap.Accelerometer,
		Speaker:       snap.Speaker,
		ReportedAt:    time.Now().UTC(),
	})
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	return e.publish(TypeStatus, payload)
}

func (e *MQTTEmitter) publish(eventType string, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	topic := Topic(e.cfg.MQTT.Topics.Events, eventType)
	qos := e.getQoS(eventType)

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("event published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)
	return nil
}

// Topic builds nosleep/events/<uid>/<type>
func Topic(base, eventType string) string {
	return fmt.Sprintf("%s/%s", base, eventType)
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func (e *MQTTEmitter) getQoS(eventType string) byte {
	if qos, ok := e.cfg.MQTT.QoS[eventType]; ok {
		return qos
	}
	return 0
}
