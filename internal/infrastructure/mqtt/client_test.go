package mqtt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/carrelay/internal/infrastructure/config"
)

// testConfig returns a configuration for a local Mosquitto at 127.0.0.1:1883.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: fmt.Sprintf("carrelay-test-%d", time.Now().UnixNano()),
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
		TopicPrefix: "carrelay-test",
	}
}

// connectOrSkip connects to the local broker or skips the test.
func connectOrSkip(t *testing.T) *Client {
	t.Helper()
	client, err := Connect(testConfig())
	if err != nil {
		if os.Getenv("RUN_INTEGRATION") != "" {
			t.Fatalf("Connect() error = %v", err)
		}
		t.Skip("MQTT broker not available, skipping integration test")
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConnect(t *testing.T) {
	client := connectOrSkip(t)

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnectDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	if _, err := Connect(cfg); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnectRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19998

	_, err := Connect(cfg)
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("Connect() error = %v, want ErrUnreachable", err)
	}
}

func TestDisconnectedClient(t *testing.T) {
	client := newClient(testConfig())

	if client.IsConnected() {
		t.Error("IsConnected() should be false for an unconnected client")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if st := client.Stats(); st != (Stats{}) {
		t.Errorf("Stats() = %+v, want zero", st)
	}

	var nilClient *Client
	if err := nilClient.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	client := &Client{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestPublishValidation(t *testing.T) {
	client := &Client{}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"bad qos", "a/b", []byte("x"), 3, ErrInvalidQoS},
		{"too large", "a/b", make([]byte, maxPayloadSize+1), 1, ErrPayloadTooLarge},
		{"not connected", "a/b", []byte("x"), 1, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := newClient(testConfig())
	handler := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(\"\") error = %v", err)
	}
	if err := client.Subscribe("a/#", 5, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 5) error = %v", err)
	}
	if err := client.Subscribe("a/#", 1, nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("Subscribe(nil handler) error = %v", err)
	}
	if err := client.Subscribe("a/#", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

func TestQoSClamp(t *testing.T) {
	for in, want := range map[int]byte{0: 0, 1: 1, 2: 2, 7: 1, -1: 1} {
		c := &Client{cfg: config.MQTTConfig{QoS: in}}
		if got := c.QoS(); got != want {
			t.Errorf("QoS() with %d = %d, want %d", in, got, want)
		}
	}
}

func TestStatusPayloads(t *testing.T) {
	online := buildOnlinePayload("relay-1")
	if !strings.Contains(online, `"status":"online"`) || strings.Contains(online, "reason") {
		t.Errorf("online payload = %s", online)
	}
	offline := buildOfflinePayload("relay-1")
	if !strings.Contains(offline, `"reason":"graceful_shutdown"`) {
		t.Errorf("offline payload = %s", offline)
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	client := connectOrSkip(t)
	topics := client.Topics()

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{}, 2)
	err := client.Subscribe(topics.AllDeviceObstacles(), 1, func(topic string, payload []byte) error {
		mu.Lock()
		got = append(got, topic+" "+string(payload))
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription(topics.AllDeviceObstacles()) {
		t.Error("HasSubscription() = false after Subscribe()")
	}

	if err := client.PublishJSON(topics.DeviceObstacle(3), map[string]int{"status_clave": 5}); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not called")
	}

	mu.Lock()
	defer mu.Unlock()
	want := "carrelay-test/devices/3/obstacle {\"status_clave\":5}"
	if len(got) != 1 || got[0] != want {
		t.Errorf("received %v, want [%s]", got, want)
	}

	if err := client.Unsubscribe(topics.AllDeviceObstacles()); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	client := connectOrSkip(t)
	topic := client.Topics().DeviceStatus(99)

	called := make(chan struct{}, 1)
	err := client.Subscribe(topic, 1, func(string, []byte) error {
		called <- struct{}{}
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := client.Publish(topic, []byte("{}"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-called:
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not called")
	}
	if !client.IsConnected() {
		t.Error("client disconnected after handler panic")
	}
	deadline := time.Now().Add(time.Second)
	for client.Stats().Panics == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if st := client.Stats(); st.Panics != 1 || st.Received != 1 {
		t.Errorf("Stats() = %+v, want one received and one panic", st)
	}
}

func TestRouteTable(t *testing.T) {
	rt := newRouteTable()
	noop := func(string, []byte) error { return nil }

	rt.put(route{pattern: "b/+/status", qos: 1, handler: noop})
	rt.put(route{pattern: "a/+/obstacle", qos: 0, handler: noop})
	rt.put(route{pattern: "b/+/status", qos: 2, handler: noop})

	if rt.len() != 2 {
		t.Fatalf("len() = %d, want 2", rt.len())
	}
	snap := rt.snapshot()
	if snap[0].pattern != "a/+/obstacle" || snap[1].pattern != "b/+/status" {
		t.Errorf("snapshot order = %s, %s", snap[0].pattern, snap[1].pattern)
	}
	if snap[1].qos != 2 {
		t.Errorf("re-put qos = %d, want 2", snap[1].qos)
	}
	if !rt.remove("a/+/obstacle") || rt.remove("a/+/obstacle") {
		t.Error("remove() should report presence once")
	}
	if rt.has("a/+/obstacle") {
		t.Error("has() true after remove")
	}
}

func TestUnsubscribeOffline(t *testing.T) {
	client := newClient(testConfig())
	client.routes.put(route{pattern: "x/#", handler: func(string, []byte) error { return nil }})

	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v", err)
	}
	if err := client.Unsubscribe("x/#"); err != nil {
		t.Errorf("Unsubscribe() while offline error = %v", err)
	}
	if client.HasSubscription("x/#") {
		t.Error("route kept after Unsubscribe()")
	}
	if err := client.Unsubscribe("never/subscribed"); err != nil {
		t.Errorf("Unsubscribe(unknown) error = %v", err)
	}
}

func TestBrokerURL(t *testing.T) {
	b := config.MQTTBrokerConfig{Host: "broker.lan", Port: 8883, TLS: true}
	if got := brokerURL(b); got != "ssl://broker.lan:8883" {
		t.Errorf("brokerURL(tls) = %s", got)
	}
	b.TLS = false
	b.Port = 1883
	if got := brokerURL(b); got != "tcp://broker.lan:1883" {
		t.Errorf("brokerURL() = %s", got)
	}
}
