package firmware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/carrelay/internal/dispatch"
	"github.com/nerrad567/carrelay/internal/eventlog"
	"github.com/nerrad567/carrelay/internal/infrastructure/mqtt"
)

// OriginMQTT tags ledger entries that came from firmware.
const OriginMQTT = "mqtt"

// reportTimeout bounds the handling of one inbound message.
const reportTimeout = 5 * time.Second

// Logger defines the logging interface used by the Bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MQTTClient is the subset of *mqtt.Client the bridge needs.
type MQTTClient interface {
	PublishJSON(topic string, v any) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
	QoS() byte
}

// Dispatcher receives firmware reports. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	DispatchObstacle(ctx context.Context, req dispatch.ObstacleRequest) dispatch.Result
	ReportStatus(ctx context.Context, req dispatch.StatusReport) dispatch.Result
}

// Options holds the collaborators of a Bridge.
type Options struct {
	MQTT       MQTTClient
	Topics     mqtt.Topics
	Dispatcher Dispatcher
	Logger     Logger
}

// Metrics counts bridge traffic since start.
type Metrics struct {
	Connected bool   `json:"connected"`
	Mirrored  uint64 `json:"mirrored"`
	Received  uint64 `json:"received"`
	Rejected  uint64 `json:"rejected"`
}

// Bridge implements dispatch.Mirror over MQTT and ingests firmware reports.
// All methods are safe for concurrent use.
type Bridge struct {
	mqtt       MQTTClient
	topics     mqtt.Topics
	dispatcher Dispatcher

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	mirrored atomic.Uint64
	received atomic.Uint64
	rejected atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
	now      func() time.Time
}

var _ dispatch.Mirror = (*Bridge)(nil)

// NewBridge creates a bridge. Call Start to subscribe to firmware reports.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if opts.Topics.Prefix == "" {
		opts.Topics = mqtt.NewTopics("")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		mqtt:       opts.MQTT,
		topics:     opts.Topics,
		dispatcher: opts.Dispatcher,
		ctx:        ctx,
		cancel:     cancel,
		logger:     opts.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (b *Bridge) reportTopics() []string {
	return []string{b.topics.AllDeviceObstacles(), b.topics.AllDeviceStatuses()}
}

// Start subscribes to the obstacle and status topics of every device.
func (b *Bridge) Start(_ context.Context) error {
	for _, topic := range b.reportTopics() {
		if err := b.mqtt.Subscribe(topic, b.mqtt.QoS(), b.HandleMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		b.logInfo("subscribed to firmware reports", "topic", topic)
	}
	return nil
}

// Stop drops the report subscriptions and cancels in-flight handling.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		for _, topic := range b.reportTopics() {
			if err := b.mqtt.Unsubscribe(topic); err != nil {
				b.logWarn("unsubscribe failed", "topic", topic, "error", err)
			}
		}
		b.cancel()
		b.logInfo("firmware bridge stopped")
	})
}

// MirrorMovement publishes a movement to the device's command topic.
func (b *Bridge) MirrorMovement(_ context.Context, p dispatch.MovementPayload) error {
	return b.publish(b.topics.DeviceCommand(p.DeviceID), CommandMessage{
		DeviceID:    p.DeviceID,
		Command:     p.Command,
		StatusClave: p.StatusClave,
		DurationMs:  p.DurationMs,
		Meta:        p.Meta,
		SentAt:      b.now(),
	})
}

// MirrorSequence publishes a demo replay to the device's sequence topic.
func (b *Bridge) MirrorSequence(_ context.Context, p dispatch.SequencePayload) error {
	steps := make([]SequenceStep, len(p.Moves))
	for i, m := range p.Moves {
		steps[i] = SequenceStep{Command: m.Command, StatusClave: m.StatusClave, DurationMs: m.DurationMs}
	}
	return b.publish(b.topics.DeviceSequence(p.DeviceID), SequenceMessage{
		DeviceID: p.DeviceID,
		DemoID:   p.DemoID,
		Name:     p.Name,
		Moves:    steps,
		Repeats:  p.Repeats,
		SentAt:   b.now(),
	})
}

func (b *Bridge) publish(topic string, msg any) error {
	if !b.mqtt.IsConnected() {
		return mqtt.ErrNotConnected
	}
	if err := b.mqtt.PublishJSON(topic, msg); err != nil {
		return err
	}
	b.mirrored.Add(1)
	return nil
}

// HandleMessage routes one inbound firmware message.
func (b *Bridge) HandleMessage(topic string, payload []byte) error {
	deviceID, leaf, ok := b.topics.ParseDevice(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnexpectedTopic, topic)
	}
	b.received.Add(1)

	ctx, cancel := context.WithTimeout(b.ctx, reportTimeout)
	defer cancel()

	var (
		res dispatch.Result
		err error
	)
	switch leaf {
	case mqtt.LeafObstacle:
		res, err = b.handleObstacle(ctx, deviceID, payload)
	case mqtt.LeafStatus:
		res, err = b.handleStatus(ctx, deviceID, payload)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedTopic, topic)
	}
	if err != nil {
		b.rejected.Add(1)
		return err
	}
	if !res.Success {
		b.rejected.Add(1)
		return fmt.Errorf("%w: device %d: %s", ErrRejected, deviceID, res.Error)
	}

	b.logDebug("firmware report handled", "device_id", deviceID, "kind", leaf, "delivered", res.Delivered)
	return nil
}

func (b *Bridge) handleObstacle(ctx context.Context, deviceID int64, payload []byte) (dispatch.Result, error) {
	var msg ObstacleMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return dispatch.Result{}, fmt.Errorf("decoding obstacle report: %w", err)
	}
	return b.dispatcher.DispatchObstacle(ctx, dispatch.ObstacleRequest{
		DeviceID:    deviceID,
		StatusClave: msg.StatusClave,
		DistanceCm:  msg.DistanceCm,
		Timestamp:   msg.Timestamp,
		Meta:        msg.Meta,
		Origin:      OriginMQTT,
	}), nil
}

func (b *Bridge) handleStatus(ctx context.Context, deviceID int64, payload []byte) (dispatch.Result, error) {
	var status eventlog.Meta
	if err := json.Unmarshal(payload, &status); err != nil {
		if errors.Is(err, eventlog.ErrMetaNotObject) {
			return dispatch.Result{}, fmt.Errorf("status report must be a JSON object: %w", err)
		}
		return dispatch.Result{}, fmt.Errorf("decoding status report: %w", err)
	}
	status.SetDefault("origin", OriginMQTT)
	return b.dispatcher.ReportStatus(ctx, dispatch.StatusReport{
		DeviceID: deviceID,
		Status:   status,
	}), nil
}

// GetMetrics returns the bridge counters.
func (b *Bridge) GetMetrics() Metrics {
	return Metrics{
		Connected: b.mqtt.IsConnected(),
		Mirrored:  b.mirrored.Load(),
		Received:  b.received.Load(),
		Rejected:  b.rejected.Load(),
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
