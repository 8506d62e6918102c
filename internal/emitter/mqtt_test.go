package emitter

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/NoSleep-Drive/embedded/internal/config"
	"github.com/NoSleep-Drive/embedded/internal/device"
	"github.com/NoSleep-Drive/embedded/internal/types"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type sent struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient records publishes; other mqtt.Client methods are not used
type fakeClient struct {
	mqtt.Client

	mu   sync.Mutex
	sent []sent
	err  error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{topic: topic, qos: qos, payload: payload.([]byte)})
	return &doneToken{err: c.err}
}

func (c *fakeClient) IsConnected() bool { return true }

func testConfig() *config.Config {
	cfg := &config.Config{DeviceUID: "dev-1"}
	cfg.MQTT.Topics.Events = "nosleep/events/dev-1"
	cfg.MQTT.QoS = map[string]byte{"drowsiness": 1, "status": 0}
	return cfg
}

func connectedEmitter(client *fakeClient) *MQTTEmitter {
	e := NewMQTTEmitter(testConfig())
	e.Client = client
	e.connected = true
	return e
}

func TestPublishRequiresConnection(t *testing.T) {
	e := NewMQTTEmitter(testConfig())

	if err := e.PublishDrowsiness(types.DrowsinessEvent{DeviceUID: "dev-1"}); err == nil {
		t.Error("Expected error when not connected")
	}
	if err := e.PublishStatus("dev-1", device.StatusSnapshot{}); err == nil {
		t.Error("Expected error when not connected")
	}
	if got := e.Stats().Errors; got != 2 {
		t.Errorf("Expected 2 errors, got %d", got)
	}
}

func TestPublishDrowsiness(t *testing.T) {
	client := &fakeClient{}
	e := connectedEmitter(client)

	at := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	err := e.PublishDrowsiness(types.DrowsinessEvent{
		DeviceUID:  "dev-1",
		DetectedAt: at,
		Source:     "local",
		Folder:     "/data/20240309_140507_000",
		Cycle:      3,
	})
	if err != nil {
		t.Fatalf("PublishDrowsiness failed: %v", err)
	}

	if len(client.sent) != 1 {
		t.Fatalf("Expected 1 publish, got %d", len(client.sent))
	}
	msg := client.sent[0]
	if msg.topic != "nosleep/events/dev-1/drowsiness" {
		t.Errorf("Expected drowsiness topic, got %s", msg.topic)
	}
	if msg.qos != 1 {
		t.Errorf("Expected QoS 1, got %d", msg.qos)
	}

	var ev types.DrowsinessEvent
	if err := json.Unmarshal(msg.payload, &ev); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if ev.Source != "local" || !ev.DetectedAt.Equal(at) || ev.Cycle != 3 {
		t.Errorf("Unexpected event %+v", ev)
	}

	if got := e.Stats().Published["nosleep/events/dev-1/drowsiness"]; got != 1 {
		t.Errorf("Expected 1 published on topic, got %d", got)
	}
}

func TestPublishStatus(t *testing.T) {
	client := &fakeClient{}
	e := connectedEmitter(client)

	if err := e.PublishStatus("dev-1", device.StatusSnapshot{Camera: true, Speaker: true}); err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}

	msg := client.sent[0]
	if msg.topic != "nosleep/events/dev-1/status" || msg.qos != 0 {
		t.Errorf("Unexpected topic/qos %s/%d", msg.topic, msg.qos)
	}

	var body map[string]interface{}
	json.Unmarshal(msg.payload, &body)
	if body["cameraState"] != true || body["accelerationSensorState"] != false || body["deviceUid"] != "dev-1" {
		t.Errorf("Unexpected status payload %v", body)
	}
}

func TestPublishFailureCounted(t *testing.T) {
	client := &fakeClient{err: errors.New("not authorized")}
	e := connectedEmitter(client)

	if err := e.PublishStatus("dev-1", device.StatusSnapshot{}); err == nil {
		t.Error("Expected publish error")
	}
	s := e.Stats()
	if s.Errors != 1 || len(s.Published) != 0 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestDisconnectWithoutClient(t *testing.T) {
	e := NewMQTTEmitter(testConfig())
	if err := e.Disconnect(); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
	if e.Stats().Connected {
		t.Error("Expected disconnected")
	}
}
