package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/carrelay/internal/device"
)

// Defaults applied by New when Options leaves a field zero.
const (
	DefaultDeliveryTimeout = 2 * time.Second
	DefaultFanout          = 64

	directoryTimeout = 3 * time.Second
)

// Logger defines the logging interface used by the Registry.
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

// Conn is one live transport session.
type Conn interface {
	// ID is unique for the lifetime of the process.
	ID() string

	// RemoteAddr is the peer address as seen by the transport.
	RemoteAddr() string

	// Send delivers one event. It must give up when ctx is done and
	// return ErrConnClosed once the session can no longer carry messages.
	Send(ctx context.Context, event string, payload any) error
}

// Directory receives best-effort device upserts on enrollment.
// *device.SQLiteRepository satisfies it.
type Directory interface {
	Upsert(ctx context.Context, p device.UpsertParams) (*device.Device, error)
}

// Options configures a Registry.
type Options struct {
	// DeliveryTimeout bounds each individual Send.
	DeliveryTimeout time.Duration

	// Fanout caps how many sends run concurrently for one publish.
	Fanout int

	// Directory, when set, is upserted on every successful Enroll.
	Directory Directory
}

// PublishResult reports the outcome of a push.
// Zero Delivered is a delivery miss, not an error.
type PublishResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections int `json:"connections"`
	Enrolled    int `json:"enrolled"`
	Rooms       int `json:"rooms"`
}

type entry struct {
	conn        Conn
	connectedAt time.Time

	mu     sync.Mutex // guards device and gone
	device int64      // 0 when not enrolled
	gone   bool
}

type room struct {
	mu      sync.RWMutex
	members map[string]*entry
	dead    bool // set once the room is emptied and unlinked
}

// Registry is the connection and room table. All methods are safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex // guards conns, rooms and closed; never held while taking another lock
	conns  map[string]*entry
	rooms  map[int64]*room
	closed bool

	deliveryTimeout time.Duration
	fanout          int
	directory       Directory
	logger          Logger
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if opts.Fanout <= 0 {
		opts.Fanout = DefaultFanout
	}
	return &Registry{
		conns:           make(map[string]*entry),
		rooms:           make(map[int64]*room),
		deliveryTimeout: opts.DeliveryTimeout,
		fanout:          opts.Fanout,
		directory:       opts.Directory,
		logger:          noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RoomName is the conventional name of a device room.
func RoomName(deviceID int64) string {
	return fmt.Sprintf("device:%d", deviceID)
}

// OnConnect registers a connection in the unenrolled state.
func (r *Registry) OnConnect(conn Conn) error {
	e := &entry{conn: conn, connectedAt: time.Now()}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, exists := r.conns[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.conns[conn.ID()] = e
	r.logger.Debug("connection registered", "conn_id", conn.ID(), "remote_addr", conn.RemoteAddr())
	return nil
}

// OnDisconnect drops a connection and its room membership. It reports
// whether the connection was known; calling it twice is harmless.
func (r *Registry) OnDisconnect(connID string) bool {
	r.mu.Lock()
	e, ok := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	e.gone = true
	if e.device != 0 {
		r.leave(e, e.device)
		e.device = 0
	}
	e.mu.Unlock()

	r.logger.Debug("connection removed", "conn_id", connID)
	return true
}

// Enroll moves a connection into the room for deviceID, leaving any prior
// room first. Re-enrolling in the current room is a no-op for membership.
//
// When a Directory is configured the device is upserted afterwards with
// deviceName and the connection's address. That upsert is best-effort:
// its failure is logged and Enroll still succeeds.
func (r *Registry) Enroll(ctx context.Context, connID string, deviceID int64, deviceName string) error {
	if deviceID <= 0 {
		return ErrInvalidDevice
	}
	e := r.lookup(connID)
	if e == nil {
		return ErrUnknownConnection
	}

	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return ErrUnknownConnection
	}
	previous := e.device
	if previous != deviceID {
		if previous != 0 {
			r.leave(e, previous)
		}
		r.join(e, deviceID)
		e.device = deviceID
	}
	e.mu.Unlock()

	r.logger.Info("connection enrolled",
		"conn_id", connID,
		"room", RoomName(deviceID),
		"previous_device", previous,
	)

	r.upsertDevice(ctx, e.conn, deviceName)
	return nil
}

// Unenroll removes the connection from deviceID's room only if that is the
// room it is currently in. It reports whether anything changed.
func (r *Registry) Unenroll(connID string, deviceID int64) bool {
	e := r.lookup(connID)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone || e.device == 0 || e.device != deviceID {
		r.logger.Debug("unenroll ignored", "conn_id", connID, "device_id", deviceID, "current_device", e.device)
		return false
	}
	r.leave(e, deviceID)
	e.device = 0
	return true
}

// Publish sends an event to every connection currently enrolled in
// deviceID's room. Individual failures never stop delivery to the others.
func (r *Registry) Publish(ctx context.Context, deviceID int64, event string, payload any) PublishResult {
	r.mu.RLock()
	rm := r.rooms[deviceID]
	r.mu.RUnlock()
	if rm == nil {
		return PublishResult{}
	}

	rm.mu.RLock()
	if rm.dead {
		rm.mu.RUnlock()
		return PublishResult{}
	}
	targets := make([]*entry, 0, len(rm.members))
	for _, e := range rm.members {
		targets = append(targets, e)
	}
	rm.mu.RUnlock()

	return r.deliver(ctx, targets, event, payload)
}

// Broadcast sends an event to every live connection, enrolled or not.
func (r *Registry) Broadcast(ctx context.Context, event string, payload any) PublishResult {
	r.mu.RLock()
	targets := make([]*entry, 0, len(r.conns))
	for _, e := range r.conns {
		targets = append(targets, e)
	}
	r.mu.RUnlock()

	return r.deliver(ctx, targets, event, payload)
}

// DeviceOf returns the device a connection is enrolled for.
func (r *Registry) DeviceOf(connID string) (int64, bool) {
	e := r.lookup(connID)
	if e == nil {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device, e.device != 0
}

// RemoteAddr returns the transport address of a connection.
func (r *Registry) RemoteAddr(connID string) (string, bool) {
	e := r.lookup(connID)
	if e == nil {
		return "", false
	}
	return e.conn.RemoteAddr(), true
}

// Members returns the sorted connection ids in deviceID's room.
func (r *Registry) Members(deviceID int64) []string {
	r.mu.RLock()
	rm := r.rooms[deviceID]
	r.mu.RUnlock()
	if rm == nil {
		return nil
	}

	rm.mu.RLock()
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	rm.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Stats returns connection and room counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	s := Stats{Connections: len(r.conns), Rooms: len(r.rooms)}
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	for _, rm := range rooms {
		rm.mu.RLock()
		s.Enrolled += len(rm.members)
		rm.mu.RUnlock()
	}
	return s
}

// Close drops every connection and refuses new ones. It does not close the
// transports; their owners do that.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.conns))
	for _, e := range r.conns {
		entries = append(entries, e)
	}
	r.conns = make(map[string]*entry)
	r.rooms = make(map[int64]*room)
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.gone = true
		e.device = 0
		e.mu.Unlock()
	}
	r.logger.Info("registry closed", "connections", len(entries))
}

func (r *Registry) lookup(connID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// join adds e to the room, creating it if needed. Caller holds e.mu.
func (r *Registry) join(e *entry, deviceID int64) {
	for {
		r.mu.Lock()
		rm := r.rooms[deviceID]
		if rm == nil {
			rm = &room{members: make(map[string]*entry)}
			r.rooms[deviceID] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if rm.dead {
			// Emptied and unlinked between the two locks; fetch the new one.
			rm.mu.Unlock()
			continue
		}
		rm.members[e.conn.ID()] = e
		rm.mu.Unlock()
		return
	}
}

// leave removes e from the room and unlinks the room once empty.
// Caller holds e.mu.
func (r *Registry) leave(e *entry, deviceID int64) {
	r.mu.RLock()
	rm := r.rooms[deviceID]
	r.mu.RUnlock()
	if rm == nil {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.members, e.conn.ID())
	if len(rm.members) > 0 || rm.dead {
		return
	}
	rm.dead = true
	r.mu.Lock()
	if r.rooms[deviceID] == rm {
		delete(r.rooms, deviceID)
	}
	r.mu.Unlock()
}

func (r *Registry) deliver(ctx context.Context, targets []*entry, event string, payload any) PublishResult {
	if len(targets) == 0 {
		return PublishResult{}
	}

	var (
		mu  sync.Mutex
		res PublishResult
	)
	g := new(errgroup.Group)
	g.SetLimit(r.fanout)
	for _, e := range targets {
		g.Go(func() error {
			err := r.send(ctx, e, event, payload)
			mu.Lock()
			if err != nil {
				res.Failed++
			} else {
				res.Delivered++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func (r *Registry) send(ctx context.Context, e *entry, event string, payload any) error {
	sendCtx, cancel := context.WithTimeout(ctx, r.deliveryTimeout)
	defer cancel()

	err := e.conn.Send(sendCtx, event, payload)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnClosed) {
		r.OnDisconnect(e.conn.ID())
		r.logger.Debug("dropped dead connection", "conn_id", e.conn.ID(), "event", event)
		return err
	}
	r.logger.Warn("delivery failed", "conn_id", e.conn.ID(), "event", event, "error", err)
	return err
}

func (r *Registry) upsertDevice(ctx context.Context, conn Conn, deviceName string) {
	if r.directory == nil {
		return
	}
	upsertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), directoryTimeout)
	defer cancel()

	_, err := r.directory.Upsert(upsertCtx, device.UpsertParams{
		Name:     deviceName,
		ClientIP: conn.RemoteAddr(),
	})
	if err != nil {
		r.logger.Warn("device upsert on enroll failed",
			"conn_id", conn.ID(),
			"device_name", deviceName,
			"error", err,
		)
	}
}
