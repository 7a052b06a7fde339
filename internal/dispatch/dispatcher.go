package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/carrelay/internal/catalog"
	"github.com/nerrad567/carrelay/internal/eventlog"
	"github.com/nerrad567/carrelay/internal/registry"
)

// Request defaults and limits.
const (
	DefaultDurationMs = 1000
	DefaultDemoName   = "demo-web"
	MaxRepeats        = 10

	OriginUnknown    = "unknown"
	OriginDemoReplay = "demo_replay"
)

// Logger defines the logging interface used by the Dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Publisher pushes events to live connections. *registry.Registry satisfies it.
type Publisher interface {
	Publish(ctx context.Context, deviceID int64, event string, payload any) registry.PublishResult
	Broadcast(ctx context.Context, event string, payload any) registry.PublishResult
}

// Mirror forwards room pushes to vehicles reachable by other means,
// such as firmware on MQTT.
type Mirror interface {
	MirrorMovement(ctx context.Context, p MovementPayload) error
	MirrorSequence(ctx context.Context, p SequencePayload) error
}

// Telemetry records time-series points. Writes are fire-and-forget.
type Telemetry interface {
	WriteMovement(deviceID int64, command string, statusClave, durationMs int, origin string)
	WriteObstacle(deviceID int64, statusClave int, origin string, distanceCm *int)
	WriteDeviceStatus(deviceID int64, fields map[string]any)
}

// StatusCache keeps the last reported status per device.
type StatusCache interface {
	Put(ctx context.Context, deviceID int64, status json.RawMessage, reportedAt time.Time) error
}

// Deps holds the collaborators of a Dispatcher. Gateway and Publisher are
// required.
type Deps struct {
	Gateway   eventlog.Gateway
	Publisher Publisher
	Mirror    Mirror
	Telemetry Telemetry
	Cache     StatusCache
	Logger    Logger
}

// Dispatcher is the single entry point for commands from every transport.
// It holds no mutable state of its own and is safe for concurrent use.
type Dispatcher struct {
	gw        eventlog.Gateway
	pub       Publisher
	mirror    Mirror
	telemetry Telemetry
	cache     StatusCache
	logger    Logger
	now       func() time.Time
}

// New creates a Dispatcher.
func New(deps Deps) (*Dispatcher, error) {
	if deps.Gateway == nil {
		return nil, errors.New("dispatch: event gateway is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("dispatch: publisher is required")
	}
	d := &Dispatcher{
		gw:        deps.Gateway,
		pub:       deps.Publisher,
		mirror:    deps.Mirror,
		telemetry: deps.Telemetry,
		cache:     deps.Cache,
		logger:    deps.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if d.logger == nil {
		d.logger = noopLogger{}
	}
	return d, nil
}

// SetMirror attaches a mirror after construction. The firmware bridge needs
// the dispatcher to exist before it can be built.
func (d *Dispatcher) SetMirror(m Mirror) {
	d.mirror = m
}

// MovementRequest asks for one movement.
type MovementRequest struct {
	DeviceID int64
	Command  string
	// DurationMs defaults to DefaultDurationMs when zero.
	DurationMs int
	Meta       eventlog.Meta
	// Origin is stored in meta unless meta already carries one.
	Origin string
}

// DispatchMovement validates, records and pushes one movement command.
func (d *Dispatcher) DispatchMovement(ctx context.Context, req MovementRequest) Result {
	if req.DeviceID <= 0 {
		return failure(KindInvalidRequest, "device_id must be positive")
	}
	code, ok := catalog.Lookup(req.Command)
	if !ok {
		res := failure(KindInvalidCommand, MsgInvalidCommand)
		res.Command = req.Command
		res.ValidCommands = catalog.Names()
		return res
	}
	duration := req.DurationMs
	if duration == 0 {
		duration = DefaultDurationMs
	}
	if duration < 0 {
		return failure(KindInvalidRequest, "duration_ms must be positive")
	}

	meta := req.Meta.Clone()
	meta.Set("duration_ms", duration)
	meta.SetDefault("origin", originOr(req.Origin))

	eventID, err := d.gw.InsertEvent(ctx, eventlog.NewEvent{
		DeviceID:    req.DeviceID,
		Type:        eventlog.TypeMovement,
		StatusClave: code,
		Meta:        meta,
	})
	if err != nil {
		return d.persistFailure("movement", req.DeviceID, err)
	}

	payload := MovementPayload{
		DeviceID:    req.DeviceID,
		Command:     req.Command,
		StatusClave: code,
		DurationMs:  duration,
		Meta:        meta,
	}
	pushed := d.pub.Publish(ctx, req.DeviceID, EventExecuteMovement, payload)

	if d.mirror != nil {
		if err := d.mirror.MirrorMovement(ctx, payload); err != nil {
			d.logger.Warn("movement mirror failed", "device_id", req.DeviceID, "error", err)
		}
	}
	if d.telemetry != nil {
		origin, _ := meta.String("origin")
		d.telemetry.WriteMovement(req.DeviceID, req.Command, code, duration, origin)
	}

	d.logger.Debug("movement dispatched",
		"device_id", req.DeviceID,
		"command", req.Command,
		"status_clave", code,
		"event_id", eventID,
		"delivered", pushed.Delivered,
	)

	return Result{
		Success:     true,
		DeviceID:    req.DeviceID,
		Command:     req.Command,
		StatusClave: code,
		DurationMs:  duration,
		EventID:     eventID,
		Delivered:   pushed.Delivered,
		Meta:        meta,
	}
}

// ObstacleRequest reports an obstacle either by measured distance or by an
// explicit obstacle status code. Exactly one of DistanceCm and StatusClave
// must be set.
type ObstacleRequest struct {
	DeviceID    int64
	DistanceCm  *int
	StatusClave *int
	// Timestamp is the sender's own timestamp, stored in meta verbatim.
	Timestamp string
	Meta      eventlog.Meta
	Origin    string
}

// DispatchObstacle records an obstacle and broadcasts an alert to every
// live connection.
func (d *Dispatcher) DispatchObstacle(ctx context.Context, req ObstacleRequest) Result {
	if req.DeviceID <= 0 {
		return failure(KindInvalidRequest, "device_id must be positive")
	}

	meta := req.Meta.Clone()
	var code int
	switch {
	case req.StatusClave != nil && req.DistanceCm != nil:
		return failure(KindInvalidRequest, "send either distance_cm or status_clave, not both")
	case req.StatusClave != nil:
		code = *req.StatusClave
		if !catalog.IsObstacleStatus(code) {
			return failure(KindInvalidRequest, fmt.Sprintf("invalid obstacle status_clave: %d", code))
		}
	case req.DistanceCm != nil:
		if *req.DistanceCm < 0 {
			return failure(KindInvalidRequest, "distance_cm must not be negative")
		}
		code = catalog.ObstacleStatusForDistance(*req.DistanceCm)
		meta.Set("distance_cm", *req.DistanceCm)
	default:
		return failure(KindInvalidRequest, "distance_cm or status_clave is required")
	}
	meta.SetDefault("origin", originOr(req.Origin))
	if req.Timestamp != "" {
		meta.Set("timestamp", req.Timestamp)
	}

	eventID, err := d.gw.InsertEvent(ctx, eventlog.NewEvent{
		DeviceID:    req.DeviceID,
		Type:        eventlog.TypeObstacle,
		StatusClave: code,
		Meta:        meta,
	})
	if err != nil {
		return d.persistFailure("obstacle", req.DeviceID, err)
	}

	pushed := d.pub.Broadcast(ctx, EventObstacleAlert, ObstaclePayload{
		DeviceID:    req.DeviceID,
		StatusClave: code,
		Meta:        meta,
	})

	if d.telemetry != nil {
		origin, _ := meta.String("origin")
		d.telemetry.WriteObstacle(req.DeviceID, code, origin, req.DistanceCm)
	}

	return Result{
		Success:     true,
		DeviceID:    req.DeviceID,
		StatusClave: code,
		EventID:     eventID,
		Delivered:   pushed.Delivered,
		Meta:        meta,
	}
}

// SequenceItem is one step of a sequence request.
type SequenceItem struct {
	Command    string
	DurationMs int
}

// SequenceRequest asks for a named demo to be stored.
type SequenceRequest struct {
	DeviceID int64
	Items    []SequenceItem
	// Name defaults to DefaultDemoName.
	Name string
}

// DispatchSequence validates every step, stores the demo as one record and
// notifies the device room. A single bad command rejects the whole sequence.
func (d *Dispatcher) DispatchSequence(ctx context.Context, req SequenceRequest) Result {
	if req.DeviceID <= 0 {
		return failure(KindInvalidRequest, "device_id must be positive")
	}
	if len(req.Items) == 0 {
		return failure(KindInvalidRequest, "sequence must not be empty")
	}

	moves := make([]eventlog.Move, 0, len(req.Items))
	for _, item := range req.Items {
		code, ok := catalog.Lookup(item.Command)
		if !ok {
			res := failure(KindInvalidSequenceItem, fmt.Sprintf(msgInvalidItemFmt, item.Command))
			res.Command = item.Command
			res.ValidCommands = catalog.Names()
			return res
		}
		if item.DurationMs <= 0 {
			return failure(KindInvalidRequest, fmt.Sprintf("duration for %s must be positive", item.Command))
		}
		moves = append(moves, eventlog.Move{StatusClave: code, DurationMs: item.DurationMs})
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = DefaultDemoName
	}

	demoID, err := d.gw.InsertDemo(ctx, req.DeviceID, name, moves)
	if err != nil {
		return d.persistFailure("demo", req.DeviceID, err)
	}

	pushed := d.pub.Publish(ctx, req.DeviceID, EventStatusUpdate, DemoCreatedPayload{
		Type:   "demo_created",
		DemoID: demoID,
		Moves:  len(moves),
	})

	d.logger.Info("demo stored", "device_id", req.DeviceID, "demo_id", demoID, "moves", len(moves))

	return Result{
		Success:   true,
		DeviceID:  req.DeviceID,
		DemoID:    demoID,
		Moves:     len(moves),
		Delivered: pushed.Delivered,
	}
}

// RepeatDemo replays a stored demo to its device room. One movement event
// is recorded per move per repeat before anything is pushed.
func (d *Dispatcher) RepeatDemo(ctx context.Context, demoID int64, repeats int) Result {
	if demoID <= 0 {
		return failure(KindInvalidRequest, "demo_id must be positive")
	}
	if repeats == 0 {
		repeats = 1
	}
	if repeats < 1 || repeats > MaxRepeats {
		return failure(KindInvalidRequest, fmt.Sprintf("repeats must be between 1 and %d", MaxRepeats))
	}

	demo, err := d.gw.GetDemo(ctx, demoID)
	if errors.Is(err, eventlog.ErrNotFound) {
		return failure(KindNotFound, fmt.Sprintf("demo %d not found", demoID))
	}
	if err != nil {
		return d.persistFailure("demo lookup", 0, err)
	}

	steps := make([]SequenceMove, 0, len(demo.Moves))
	for _, m := range demo.Moves {
		cmd, _ := catalog.CommandFor(m.StatusClave)
		steps = append(steps, SequenceMove{
			Command:     string(cmd),
			StatusClave: m.StatusClave,
			DurationMs:  m.DurationMs,
		})
	}

	events := make([]eventlog.NewEvent, 0, len(demo.Moves)*repeats)
	for round := 1; round <= repeats; round++ {
		for i, m := range demo.Moves {
			events = append(events, eventlog.NewEvent{
				DeviceID:    demo.DeviceID,
				Type:        eventlog.TypeMovement,
				StatusClave: m.StatusClave,
				DemoID:      &demo.ID,
				Meta: eventlog.NewMeta(
					"duration_ms", m.DurationMs,
					"origin", OriginDemoReplay,
					"repeat", round,
					"step", i+1,
				),
			})
		}
	}
	if _, err := d.gw.InsertEvents(ctx, events); err != nil {
		return d.persistFailure("demo replay", demo.DeviceID, err)
	}

	payload := SequencePayload{
		DeviceID: demo.DeviceID,
		DemoID:   demo.ID,
		Name:     demo.Name,
		Moves:    steps,
		Repeats:  repeats,
	}
	pushed := d.pub.Publish(ctx, demo.DeviceID, EventExecuteSequence, payload)

	if d.mirror != nil {
		if err := d.mirror.MirrorSequence(ctx, payload); err != nil {
			d.logger.Warn("sequence mirror failed", "device_id", demo.DeviceID, "demo_id", demo.ID, "error", err)
		}
	}

	return Result{
		Success:   true,
		DeviceID:  demo.DeviceID,
		DemoID:    demo.ID,
		Moves:     len(demo.Moves),
		Repeats:   repeats,
		Events:    len(events),
		Delivered: pushed.Delivered,
	}
}

// StatusReport is a free-form status report from a vehicle.
type StatusReport struct {
	DeviceID int64
	Status   eventlog.Meta
	// ReportedAt defaults to the current time.
	ReportedAt time.Time
}

// ReportStatus broadcasts a device status update and refreshes the cache.
// Status reports are not written to the ledger.
func (d *Dispatcher) ReportStatus(ctx context.Context, req StatusReport) Result {
	if req.DeviceID <= 0 {
		return failure(KindInvalidRequest, "device_id must be positive")
	}
	at := req.ReportedAt
	if at.IsZero() {
		at = d.now()
	}
	status := req.Status.Clone()

	pushed := d.pub.Broadcast(ctx, EventStatusUpdate, StatusPayload{
		DeviceID:  req.DeviceID,
		Status:    status,
		Timestamp: at,
	})

	if d.cache != nil {
		raw, err := json.Marshal(status)
		if err == nil {
			err = d.cache.Put(ctx, req.DeviceID, raw, at)
		}
		if err != nil {
			d.logger.Warn("status cache update failed", "device_id", req.DeviceID, "error", err)
		}
	}
	if d.telemetry != nil {
		d.telemetry.WriteDeviceStatus(req.DeviceID, scalarFields(status))
	}

	return Result{
		Success:   true,
		DeviceID:  req.DeviceID,
		Delivered: pushed.Delivered,
		Meta:      status,
	}
}

func (d *Dispatcher) persistFailure(what string, deviceID int64, err error) Result {
	d.logger.Error("failed to persist "+what, "device_id", deviceID, "error", err)
	if errors.Is(err, eventlog.ErrInvalidDevice) {
		return failure(KindInvalidRequest, "device_id must be positive")
	}
	return failure(KindPersistence, msgPersistence)
}

func originOr(origin string) string {
	if origin == "" {
		return OriginUnknown
	}
	return origin
}

// scalarFields keeps the values a time-series field can hold.
func scalarFields(m eventlog.Meta) map[string]any {
	out := make(map[string]any, m.Len())
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		switch x := v.(type) {
		case string, bool, float64, int, int64:
			out[k] = x
		case json.Number:
			if f, err := x.Float64(); err == nil {
				out[k] = f
			}
		}
	}
	return out
}
