package firmware

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nerrad567/carrelay/internal/dispatch"
	"github.com/nerrad567/carrelay/internal/infrastructure/mqtt"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []string
	connected     bool
	subscribeErr  error
}

type mockPublish struct {
	Topic   string
	Payload []byte
	QoS     byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{connected: true}
}

func (m *MockMQTTClient) PublishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: m.QoS()})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.subscriptions = append(m.subscriptions, topic)
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.subscriptions {
		if t == topic {
			m.subscriptions = append(m.subscriptions[:i], m.subscriptions[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) QoS() byte { return 1 }

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

// mockDispatcher records requests and answers with a fixed result.
type mockDispatcher struct {
	mu        sync.Mutex
	obstacles []dispatch.ObstacleRequest
	statuses  []dispatch.StatusReport
	result    dispatch.Result
}

func newMockDispatcher() *mockDispatcher {
	return &mockDispatcher{result: dispatch.Result{Success: true, Delivered: 1}}
}

func (d *mockDispatcher) DispatchObstacle(_ context.Context, req dispatch.ObstacleRequest) dispatch.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.obstacles = append(d.obstacles, req)
	return d.result
}

func (d *mockDispatcher) ReportStatus(_ context.Context, req dispatch.StatusReport) dispatch.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses = append(d.statuses, req)
	return d.result
}

func newTestBridge(t *testing.T) (*Bridge, *MockMQTTClient, *mockDispatcher) {
	t.Helper()
	client := NewMockMQTTClient()
	disp := newMockDispatcher()
	b, err := NewBridge(Options{MQTT: client, Dispatcher: disp})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return b, client, disp
}

func TestNewBridge_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"missing mqtt", Options{Dispatcher: newMockDispatcher()}},
		{"missing dispatcher", Options{MQTT: NewMockMQTTClient()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); err == nil {
				t.Error("NewBridge() expected error")
			}
		})
	}
}

func TestNewBridge_DefaultTopics(t *testing.T) {
	b, _, _ := newTestBridge(t)
	if b.topics.Prefix != mqtt.DefaultTopicPrefix {
		t.Errorf("Prefix = %q, want %q", b.topics.Prefix, mqtt.DefaultTopicPrefix)
	}
}

func TestStart_Subscribes(t *testing.T) {
	b, client, _ := newTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	want := []string{"carrelay/devices/+/obstacle", "carrelay/devices/+/status"}
	if len(client.subscriptions) != len(want) {
		t.Fatalf("subscriptions = %v, want %v", client.subscriptions, want)
	}
	for i := range want {
		if client.subscriptions[i] != want[i] {
			t.Errorf("subscriptions[%d] = %q, want %q", i, client.subscriptions[i], want[i])
		}
	}
}

func TestStart_SubscribeError(t *testing.T) {
	b, client, _ := newTestBridge(t)
	client.subscribeErr = mqtt.ErrNotConnected
	if err := b.Start(context.Background()); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Start() error = %v, want ErrNotConnected", err)
	}
}

func TestMirrorMovement(t *testing.T) {
	b, client, _ := newTestBridge(t)

	err := b.MirrorMovement(context.Background(), dispatch.MovementPayload{
		DeviceID:    7,
		Command:     "adelante",
		StatusClave: 1,
		DurationMs:  1500,
	})
	if err != nil {
		t.Fatalf("MirrorMovement() error = %v", err)
	}

	pubs := client.GetPublished()
	if len(pubs) != 1 {
		t.Fatalf("published %d messages, want 1", len(pubs))
	}
	if pubs[0].Topic != "carrelay/devices/7/command" {
		t.Errorf("topic = %q", pubs[0].Topic)
	}

	var msg CommandMessage
	if err := json.Unmarshal(pubs[0].Payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.DeviceID != 7 || msg.Command != "adelante" || msg.StatusClave != 1 || msg.DurationMs != 1500 {
		t.Errorf("message = %+v", msg)
	}
	if msg.SentAt.IsZero() {
		t.Error("SentAt not set")
	}
	if got := b.GetMetrics().Mirrored; got != 1 {
		t.Errorf("Mirrored = %d, want 1", got)
	}
}

func TestMirrorSequence(t *testing.T) {
	b, client, _ := newTestBridge(t)

	err := b.MirrorSequence(context.Background(), dispatch.SequencePayload{
		DeviceID: 3,
		DemoID:   12,
		Name:     "demo-web",
		Moves: []dispatch.SequenceMove{
			{Command: "adelante", StatusClave: 1, DurationMs: 1000},
			{Command: "detener", StatusClave: 5, DurationMs: 500},
		},
		Repeats: 2,
	})
	if err != nil {
		t.Fatalf("MirrorSequence() error = %v", err)
	}

	pubs := client.GetPublished()
	if len(pubs) != 1 || pubs[0].Topic != "carrelay/devices/3/sequence" {
		t.Fatalf("published = %+v", pubs)
	}
	var msg SequenceMessage
	if err := json.Unmarshal(pubs[0].Payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.DemoID != 12 || msg.Repeats != 2 || len(msg.Moves) != 2 {
		t.Errorf("message = %+v", msg)
	}
	if msg.Moves[1].Command != "detener" || msg.Moves[1].StatusClave != 5 {
		t.Errorf("second move = %+v", msg.Moves[1])
	}
}

func TestMirror_NotConnected(t *testing.T) {
	b, client, _ := newTestBridge(t)
	client.connected = false

	err := b.MirrorMovement(context.Background(), dispatch.MovementPayload{DeviceID: 1, Command: "adelante"})
	if !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("MirrorMovement() error = %v, want ErrNotConnected", err)
	}
	if len(client.GetPublished()) != 0 {
		t.Error("published while disconnected")
	}
}

func TestHandleMessage_Obstacle(t *testing.T) {
	b, _, disp := newTestBridge(t)

	payload := []byte(`{"distance_cm":8,"timestamp":"2024-05-01T10:00:00Z","meta":{"sensor":"front"}}`)
	if err := b.HandleMessage("carrelay/devices/4/obstacle", payload); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	if len(disp.obstacles) != 1 {
		t.Fatalf("obstacles = %d, want 1", len(disp.obstacles))
	}
	req := disp.obstacles[0]
	if req.DeviceID != 4 || req.DistanceCm == nil || *req.DistanceCm != 8 || req.StatusClave != nil {
		t.Errorf("request = %+v", req)
	}
	if req.Origin != OriginMQTT {
		t.Errorf("Origin = %q, want %q", req.Origin, OriginMQTT)
	}
	if req.Timestamp != "2024-05-01T10:00:00Z" {
		t.Errorf("Timestamp = %q", req.Timestamp)
	}
	if s, _ := req.Meta.String("sensor"); s != "front" {
		t.Errorf("meta sensor = %q", s)
	}
}

func TestHandleMessage_Status(t *testing.T) {
	b, _, disp := newTestBridge(t)

	if err := b.HandleMessage("carrelay/devices/9/status", []byte(`{"battery":87,"mode":"auto"}`)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	if len(disp.statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(disp.statuses))
	}
	rep := disp.statuses[0]
	if rep.DeviceID != 9 {
		t.Errorf("DeviceID = %d, want 9", rep.DeviceID)
	}
	want := []string{"battery", "mode", "origin"}
	got := rep.Status.Keys()
	if len(got) != len(want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestHandleMessage_Errors(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		wantErr error
	}{
		{"foreign topic", "other/devices/1/obstacle", `{}`, ErrUnexpectedTopic},
		{"bad device id", "carrelay/devices/abc/status", `{}`, ErrUnexpectedTopic},
		{"unknown leaf", "carrelay/devices/1/command", `{}`, ErrUnexpectedTopic},
		{"status not object", "carrelay/devices/1/status", `[1,2]`, nil},
		{"obstacle malformed", "carrelay/devices/1/obstacle", `{"distance_cm":`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _, _ := newTestBridge(t)
			err := b.HandleMessage(tt.topic, []byte(tt.payload))
			if err == nil {
				t.Fatal("HandleMessage() expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHandleMessage_Rejected(t *testing.T) {
	b, _, disp := newTestBridge(t)
	disp.result = dispatch.Result{Success: false, Kind: dispatch.KindInvalidRequest, Error: "distance_cm or status_clave is required"}

	err := b.HandleMessage("carrelay/devices/2/obstacle", []byte(`{}`))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("HandleMessage() error = %v, want ErrRejected", err)
	}

	m := b.GetMetrics()
	if m.Received != 1 || m.Rejected != 1 {
		t.Errorf("metrics = %+v, want received=1 rejected=1", m)
	}
}

func TestStop_Idempotent(t *testing.T) {
	b, client, _ := newTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	b.Stop()
	b.Stop()
	if b.ctx.Err() == nil {
		t.Error("context not cancelled after Stop")
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.subscriptions) != 0 {
		t.Errorf("subscriptions after Stop = %v, want none", client.subscriptions)
	}
}
