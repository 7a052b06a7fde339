package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/carrelay/internal/catalog"
	"github.com/nerrad567/carrelay/internal/dispatch"
	"github.com/nerrad567/carrelay/internal/eventlog"
	"github.com/nerrad567/carrelay/internal/registry"
)

type fakeGateway struct {
	mu     sync.Mutex
	events []eventlog.NewEvent
	demos  map[int64]*eventlog.Demo
	err    error
	// order records "persist" so tests can check it precedes "publish".
	order *[]string
}

func newFakeGateway(order *[]string) *fakeGateway {
	return &fakeGateway{demos: make(map[int64]*eventlog.Demo), order: order}
}

func (g *fakeGateway) InsertEvent(_ context.Context, e eventlog.NewEvent) (int64, error) {
	ids, err := g.InsertEvents(context.Background(), []eventlog.NewEvent{e})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (g *fakeGateway) InsertEvents(_ context.Context, events []eventlog.NewEvent) ([]int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		g.events = append(g.events, e)
		ids = append(ids, int64(len(g.events)))
	}
	if g.order != nil {
		*g.order = append(*g.order, "persist")
	}
	return ids, nil
}

func (g *fakeGateway) InsertDemo(_ context.Context, deviceID int64, name string, moves []eventlog.Move) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return 0, g.err
	}
	id := int64(len(g.demos) + 1)
	g.demos[id] = &eventlog.Demo{ID: id, DeviceID: deviceID, Name: name, Moves: moves}
	if g.order != nil {
		*g.order = append(*g.order, "persist")
	}
	return id, nil
}

func (g *fakeGateway) GetDemo(_ context.Context, demoID int64) (*eventlog.Demo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.demos[demoID]
	if !ok {
		return nil, eventlog.ErrNotFound
	}
	return d, nil
}

func (g *fakeGateway) QueryEvents(context.Context, int64, int) ([]eventlog.Event, error) {
	return nil, nil
}

type push struct {
	DeviceID  int64 // 0 for broadcast
	Event     string
	Payload   any
	Broadcast bool
}

type fakePublisher struct {
	mu        sync.Mutex
	pushes    []push
	delivered int
	order     *[]string
}

func (p *fakePublisher) record(pp push) registry.PublishResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, pp)
	if p.order != nil {
		*p.order = append(*p.order, "publish")
	}
	return registry.PublishResult{Delivered: p.delivered}
}

func (p *fakePublisher) Publish(_ context.Context, deviceID int64, event string, payload any) registry.PublishResult {
	return p.record(push{DeviceID: deviceID, Event: event, Payload: payload})
}

func (p *fakePublisher) Broadcast(_ context.Context, event string, payload any) registry.PublishResult {
	return p.record(push{Event: event, Payload: payload, Broadcast: true})
}

type fakeMirror struct {
	movements []dispatch.MovementPayload
	sequences []dispatch.SequencePayload
	err       error
}

func (m *fakeMirror) MirrorMovement(_ context.Context, p dispatch.MovementPayload) error {
	m.movements = append(m.movements, p)
	return m.err
}

func (m *fakeMirror) MirrorSequence(_ context.Context, p dispatch.SequencePayload) error {
	m.sequences = append(m.sequences, p)
	return m.err
}

type fakeCache struct {
	deviceID int64
	raw      json.RawMessage
	err      error
}

func (c *fakeCache) Put(_ context.Context, deviceID int64, status json.RawMessage, _ time.Time) error {
	c.deviceID, c.raw = deviceID, status
	return c.err
}

type fakeTelemetry struct {
	movements int
	obstacles int
	statuses  []map[string]any
}

func (f *fakeTelemetry) WriteMovement(int64, string, int, int, string) { f.movements++ }
func (f *fakeTelemetry) WriteObstacle(int64, int, string, *int)        { f.obstacles++ }
func (f *fakeTelemetry) WriteDeviceStatus(_ int64, fields map[string]any) {
	f.statuses = append(f.statuses, fields)
}

type fixture struct {
	d     *dispatch.Dispatcher
	gw    *fakeGateway
	pub   *fakePublisher
	order []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.gw = newFakeGateway(&f.order)
	f.pub = &fakePublisher{delivered: 1, order: &f.order}
	d, err := dispatch.New(dispatch.Deps{Gateway: f.gw, Publisher: f.pub})
	require.NoError(t, err)
	f.d = d
	return f
}

func intPtr(v int) *int { return &v }

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := dispatch.New(dispatch.Deps{Publisher: &fakePublisher{}})
	assert.Error(t, err)
	_, err = dispatch.New(dispatch.Deps{Gateway: newFakeGateway(nil)})
	assert.Error(t, err)
}

func TestDispatchMovement(t *testing.T) {
	f := newFixture(t)

	res := f.d.DispatchMovement(context.Background(), dispatch.MovementRequest{
		DeviceID:   7,
		Command:    "forward",
		DurationMs: 1500,
		Origin:     "web_rest",
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "forward", res.Command)
	assert.Equal(t, 1, res.StatusClave)
	assert.Equal(t, 1500, res.DurationMs)
	assert.Equal(t, 1, res.Delivered)

	require.Len(t, f.gw.events, 1)
	ev := f.gw.events[0]
	assert.Equal(t, int64(7), ev.DeviceID)
	assert.Equal(t, eventlog.TypeMovement, ev.Type)
	assert.Equal(t, 1, ev.StatusClave)
	assert.Equal(t, []string{"duration_ms", "origin"}, ev.Meta.Keys())

	require.Len(t, f.pub.pushes, 1)
	p := f.pub.pushes[0]
	assert.Equal(t, int64(7), p.DeviceID)
	assert.Equal(t, dispatch.EventExecuteMovement, p.Event)
	payload := p.Payload.(dispatch.MovementPayload)
	assert.Equal(t, "forward", payload.Command)
	assert.Equal(t, 1, payload.StatusClave)
	assert.Equal(t, 1500, payload.DurationMs)

	assert.Equal(t, []string{"persist", "publish"}, f.order)
}

func TestDispatchMovementEveryCatalogCommand(t *testing.T) {
	for _, entry := range catalog.Movements() {
		t.Run(string(entry.Command), func(t *testing.T) {
			f := newFixture(t)
			res := f.d.DispatchMovement(context.Background(), dispatch.MovementRequest{
				DeviceID: 1,
				Command:  string(entry.Command),
			})
			require.True(t, res.Success)
			require.Len(t, f.gw.events, 1)
			assert.Equal(t, entry.Code, f.gw.events[0].StatusClave)
			assert.Equal(t, dispatch.DefaultDurationMs, res.DurationMs)
		})
	}
}

func TestDispatchMovementInvalidCommand(t *testing.T) {
	for _, cmd := range []string{"teleport", "", "FORWARD", "forward "} {
		t.Run(cmd, func(t *testing.T) {
			f := newFixture(t)
			res := f.d.DispatchMovement(context.Background(), dispatch.MovementRequest{DeviceID: 7, Command: cmd})

			assert.False(t, res.Success)
			assert.Equal(t, dispatch.KindInvalidCommand, res.Kind)
			assert.Equal(t, "Comando no válido", res.Error)
			assert.Equal(t, catalog.Names(), res.ValidCommands)
			assert.Empty(t, f.gw.events)
			assert.Empty(t, f.pub.pushes)
		})
	}
}

func TestDispatchMovementKeepsCallerMeta(t *testing.T) {
	f := newFixture(t)
	meta := eventlog.NewMeta("origin", "joystick", "speed", 3)

	res := f.d.DispatchMovement(context.Background(), dispatch.MovementRequest{
		DeviceID:   2,
		Command:    "left",
		DurationMs: 200,
		Meta:       meta,
		Origin:     "web_rest",
	})
	require.True(t, res.Success)

	stored := f.gw.events[0].Meta
	assert.Equal(t, []string{"origin", "speed", "duration_ms"}, stored.Keys())
	origin, _ := stored.String("origin")
	assert.Equal(t, "joystick", origin)

	// The caller's meta is not mutated.
	assert.Equal(t, 2, meta.Len())
}

func TestDispatchMovementPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.err = errors.New("disk I/O error")

	res := f.d.DispatchMovement(context.Background(), dispatch.MovementRequest{DeviceID: 7, Command: "stop"})

	assert.False(t, res.Success)
	assert.Equal(t, dispatch.KindPersistence, res.Kind)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, f.pub.pushes)
}

func TestDispatchMovementRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.d.DispatchMovement(ctx, dispatch.MovementRequest{DeviceID: 0, Command: "stop"})
	assert.Equal(t, dispatch.KindInvalidRequest, res.Kind)

	res = f.d.DispatchMovement(ctx, dispatch.MovementRequest{DeviceID: 1, Command: "stop", DurationMs: -5})
	assert.Equal(t, dispatch.KindInvalidRequest, res.Kind)

	assert.Empty(t, f.gw.events)
}

func TestDispatchMovementZeroDeliveryIsSuccess(t *testing.T) {
	f := newFixture(t)
	f.pub.delivered = 0

	res := f.d.DispatchMovement(context.Background(), dispatch.MovementRequest{DeviceID: 9, Command: "right"})
	assert.True(t, res.Success)
	assert.Zero(t, res.Delivered)
	assert.Len(t, f.gw.events, 1)
}

func TestDispatchMovementMirrorAndTelemetry(t *testing.T) {
	gw := newFakeGateway(nil)
	mirror := &fakeMirror{err: errors.New("broker offline")}
	tel := &fakeTelemetry{}
	d, err := dispatch.New(dispatch.Deps{Gateway: gw, Publisher: &fakePublisher{}, Telemetry: tel})
	require.NoError(t, err)
	d.SetMirror(mirror)

	res := d.DispatchMovement(context.Background(), dispatch.MovementRequest{DeviceID: 4, Command: "backward"})

	assert.True(t, res.Success)
	require.Len(t, mirror.movements, 1)
	assert.Equal(t, 2, mirror.movements[0].StatusClave)
	assert.Equal(t, 1, tel.movements)
}

func TestDispatchObstacleByDistance(t *testing.T) {
	tests := []struct {
		distance int
		want     int
	}{
		{5, catalog.ObstacleMultipleFront},
		{0, catalog.ObstacleMultipleFront},
		{9, catalog.ObstacleMultipleFront},
		{10, catalog.ObstacleFront},
		{15, catalog.ObstacleFront},
		{19, catalog.ObstacleFront},
		{20, catalog.ObstacleFrontLeft},
		{50, catalog.ObstacleFrontLeft},
	}
	for _, tt := range tests {
		f := newFixture(t)
		res := f.d.DispatchObstacle(context.Background(), dispatch.ObstacleRequest{
			DeviceID:   3,
			DistanceCm: intPtr(tt.distance),
			Origin:     "simulation",
		})
		require.True(t, res.Success)
		assert.Equal(t, tt.want, res.StatusClave, "distance %d", tt.distance)

		require.Len(t, f.gw.events, 1)
		ev := f.gw.events[0]
		assert.Equal(t, eventlog.TypeObstacle, ev.Type)
		assert.Equal(t, []string{"distance_cm", "origin"}, ev.Meta.Keys())

		require.Len(t, f.pub.pushes, 1)
		assert.True(t, f.pub.pushes[0].Broadcast)
		assert.Equal(t, dispatch.EventObstacleAlert, f.pub.pushes[0].Event)
		assert.Equal(t, []string{"persist", "publish"}, f.order)
	}
}

func TestDispatchObstacleTimestamp(t *testing.T) {
	f := newFixture(t)
	res := f.d.DispatchObstacle(context.Background(), dispatch.ObstacleRequest{
		DeviceID:   3,
		DistanceCm: intPtr(12),
		Timestamp:  "2026-10-12T09:00:00Z",
		Origin:     "simulation",
	})
	require.True(t, res.Success)

	ts, ok := f.gw.events[0].Meta.String("timestamp")
	assert.True(t, ok)
	assert.Equal(t, "2026-10-12T09:00:00Z", ts)
}

func TestDispatchObstacleExplicitStatus(t *testing.T) {
	f := newFixture(t)
	res := f.d.DispatchObstacle(context.Background(), dispatch.ObstacleRequest{
		DeviceID:    3,
		StatusClave: intPtr(catalog.ObstacleRear),
		Origin:      "websocket",
	})
	require.True(t, res.Success)
	assert.Equal(t, catalog.ObstacleRear, f.gw.events[0].StatusClave)
	assert.False(t, f.gw.events[0].Meta.Has("distance_cm"))
}

func TestDispatchObstacleValidation(t *testing.T) {
	tests := []struct {
		name string
		req  dispatch.ObstacleRequest
	}{
		{"unknown status", dispatch.ObstacleRequest{DeviceID: 1, StatusClave: intPtr(9)}},
		{"neither", dispatch.ObstacleRequest{DeviceID: 1}},
		{"both", dispatch.ObstacleRequest{DeviceID: 1, StatusClave: intPtr(1), DistanceCm: intPtr(5)}},
		{"negative distance", dispatch.ObstacleRequest{DeviceID: 1, DistanceCm: intPtr(-1)}},
		{"bad device", dispatch.ObstacleRequest{DeviceID: -1, DistanceCm: intPtr(5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			res := f.d.DispatchObstacle(context.Background(), tt.req)
			assert.False(t, res.Success)
			assert.Equal(t, dispatch.KindInvalidRequest, res.Kind)
			assert.Empty(t, f.gw.events)
			assert.Empty(t, f.pub.pushes)
		})
	}
}

func TestDispatchSequence(t *testing.T) {
	f := newFixture(t)
	res := f.d.DispatchSequence(context.Background(), dispatch.SequenceRequest{
		DeviceID: 5,
		Items: []dispatch.SequenceItem{
			{Command: "forward", DurationMs: 1000},
			{Command: "rotate_left", DurationMs: 500},
			{Command: "stop", DurationMs: 100},
		},
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, int64(1), res.DemoID)
	assert.Equal(t, 3, res.Moves)

	demo := f.gw.demos[1]
	require.NotNil(t, demo)
	assert.Equal(t, "demo-web", demo.Name)
	assert.Equal(t, []eventlog.Move{
		{StatusClave: 1, DurationMs: 1000},
		{StatusClave: 6, DurationMs: 500},
		{StatusClave: 5, DurationMs: 100},
	}, demo.Moves)

	require.Len(t, f.pub.pushes, 1)
	assert.Equal(t, dispatch.EventStatusUpdate, f.pub.pushes[0].Event)
	assert.Equal(t, dispatch.DemoCreatedPayload{Type: "demo_created", DemoID: 1, Moves: 3}, f.pub.pushes[0].Payload)
	assert.Equal(t, []string{"persist", "publish"}, f.order)
}

func TestDispatchSequenceAllOrNothing(t *testing.T) {
	f := newFixture(t)
	res := f.d.DispatchSequence(context.Background(), dispatch.SequenceRequest{
		DeviceID: 5,
		Name:     "patrol",
		Items: []dispatch.SequenceItem{
			{Command: "forward", DurationMs: 1000},
			{Command: "jump", DurationMs: 500},
			{Command: "stop", DurationMs: 100},
		},
	})

	assert.False(t, res.Success)
	assert.Equal(t, dispatch.KindInvalidSequenceItem, res.Kind)
	assert.Equal(t, "Comando inválido en secuencia: jump", res.Error)
	assert.Equal(t, "jump", res.Command)
	assert.Empty(t, f.gw.demos)
	assert.Empty(t, f.pub.pushes)
}

func TestDispatchSequenceEmpty(t *testing.T) {
	f := newFixture(t)
	res := f.d.DispatchSequence(context.Background(), dispatch.SequenceRequest{DeviceID: 5})
	assert.Equal(t, dispatch.KindInvalidRequest, res.Kind)
}

func TestRepeatDemo(t *testing.T) {
	f := newFixture(t)
	mirror := &fakeMirror{}
	f.d.SetMirror(mirror)

	created := f.d.DispatchSequence(context.Background(), dispatch.SequenceRequest{
		DeviceID: 8,
		Name:     "square",
		Items: []dispatch.SequenceItem{
			{Command: "forward", DurationMs: 800},
			{Command: "right", DurationMs: 300},
		},
	})
	require.True(t, created.Success)
	f.order = f.order[:0]

	res := f.d.RepeatDemo(context.Background(), created.DemoID, 3)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, res.Repeats)
	assert.Equal(t, 6, res.Events)

	require.Len(t, f.gw.events, 6)
	for _, ev := range f.gw.events {
		assert.Equal(t, int64(8), ev.DeviceID)
		require.NotNil(t, ev.DemoID)
		assert.Equal(t, created.DemoID, *ev.DemoID)
		origin, _ := ev.Meta.String("origin")
		assert.Equal(t, dispatch.OriginDemoReplay, origin)
	}

	last := f.pub.pushes[len(f.pub.pushes)-1]
	assert.Equal(t, dispatch.EventExecuteSequence, last.Event)
	payload := last.Payload.(dispatch.SequencePayload)
	assert.Equal(t, "square", payload.Name)
	assert.Equal(t, []dispatch.SequenceMove{
		{Command: "forward", StatusClave: 1, DurationMs: 800},
		{Command: "right", StatusClave: 4, DurationMs: 300},
	}, payload.Moves)
	assert.Len(t, mirror.sequences, 1)
	assert.Equal(t, []string{"persist", "publish"}, f.order)
}

func TestRepeatDemoErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, dispatch.KindNotFound, f.d.RepeatDemo(ctx, 99, 1).Kind)
	assert.Equal(t, dispatch.KindInvalidRequest, f.d.RepeatDemo(ctx, 1, 11).Kind)
	assert.Equal(t, dispatch.KindInvalidRequest, f.d.RepeatDemo(ctx, 1, -1).Kind)
	assert.Equal(t, dispatch.KindInvalidRequest, f.d.RepeatDemo(ctx, 0, 1).Kind)
}

func TestReportStatus(t *testing.T) {
	gw := newFakeGateway(nil)
	pub := &fakePublisher{delivered: 2}
	cache := &fakeCache{}
	tel := &fakeTelemetry{}
	d, err := dispatch.New(dispatch.Deps{Gateway: gw, Publisher: pub, Cache: cache, Telemetry: tel})
	require.NoError(t, err)

	status := eventlog.NewMeta("battery", 87, "mode", "manual", "sensors", json.RawMessage(`{"ir":true}`))
	at := time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)

	res := d.ReportStatus(context.Background(), dispatch.StatusReport{DeviceID: 4, Status: status, ReportedAt: at})
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Delivered)

	require.Len(t, pub.pushes, 1)
	assert.True(t, pub.pushes[0].Broadcast)
	payload := pub.pushes[0].Payload.(dispatch.StatusPayload)
	assert.Equal(t, int64(4), payload.DeviceID)
	assert.Equal(t, at, payload.Timestamp)

	assert.Equal(t, int64(4), cache.deviceID)
	assert.JSONEq(t, `{"battery":87,"mode":"manual","sensors":{"ir":true}}`, string(cache.raw))

	require.Len(t, tel.statuses, 1)
	assert.Equal(t, map[string]any{"battery": 87, "mode": "manual"}, tel.statuses[0])

	// Status reports are not part of the ledger.
	assert.Empty(t, gw.events)
}

func TestResultJSON(t *testing.T) {
	res := dispatch.Result{Success: false, Kind: dispatch.KindInvalidCommand, Error: "Comando no válido"}
	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error_kind":"invalid_command","error":"Comando no válido","delivered":0}`, string(raw))
}

func TestErrorKindIsValidation(t *testing.T) {
	assert.True(t, dispatch.KindInvalidCommand.IsValidation())
	assert.True(t, dispatch.KindInvalidSequenceItem.IsValidation())
	assert.True(t, dispatch.KindInvalidRequest.IsValidation())
	assert.False(t, dispatch.KindPersistence.IsValidation())
	assert.False(t, dispatch.KindNone.IsValidation())
}
