package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nerrad567/carrelay/internal/device"
	"github.com/nerrad567/carrelay/internal/dispatch"
	"github.com/nerrad567/carrelay/internal/eventlog"
	"github.com/nerrad567/carrelay/internal/infrastructure/config"
	"github.com/nerrad567/carrelay/internal/registry"
)

// Socket events.
const (
	// Inbound.
	EventRegisterDevice   = "register_device"
	EventUnregisterDevice = "unregister_device"
	EventMovementCommand  = "movement_command"
	EventObstacleDetected = "obstacle_detected"
	EventDeviceStatus     = "device_status"
	EventPing             = "ping"

	// Outbound.
	EventConnectionResponse    = "connection_response"
	EventRegistrationSuccess   = "registration_success"
	EventRegistrationError     = "registration_error"
	EventUnregistrationSuccess = "unregistration_success"
	EventCommandSent           = "command_sent"
	EventCommandError          = "command_error"
	EventObstacleLogged        = "obstacle_logged"
	EventPong                  = "pong"
	EventError                 = "error"
)

const (
	defaultWSPath = "/ws"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	defaultPingInterval   = 25 * time.Second
	defaultPongTimeout    = 60 * time.Second
	defaultMaxMessageSize = 8192

	// wsReplyTimeout bounds a reply to the originating session.
	wsReplyTimeout = 2 * time.Second
	// wsCommandTimeout bounds one inbound command end to end.
	wsCommandTimeout = 10 * time.Second
)

// wsEnvelope is the wire shape of every socket message.
type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type wsOutbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// sessionSet tracks live socket sessions so shutdown can close them.
// Room membership lives in the registry, not here.
type sessionSet struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newSessionSet() *sessionSet {
	return &sessionSet{clients: make(map[*wsClient]struct{})}
}

func (h *sessionSet) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *sessionSet) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *sessionSet) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// closeAll disconnects every session. Their readPumps finish the cleanup.
func (h *sessionSet) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// wsClient is one socket session. It implements registry.Conn.
type wsClient struct {
	id         string
	remoteAddr string
	srv        *Server
	conn       *websocket.Conn
	send       chan []byte
	limiter    *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ registry.Conn = (*wsClient)(nil)

func (c *wsClient) ID() string         { return c.id }
func (c *wsClient) RemoteAddr() string { return c.remoteAddr }

// Send queues one event for writePump. It fails with registry.ErrConnClosed
// once the session is closed and gives up when ctx is done.
func (c *wsClient) Send(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(wsOutbound{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}

	select {
	case <-c.ctx.Done():
		return registry.ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return registry.ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close is idempotent. The send channel is never closed; writePump exits on ctx.
func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
	})
}

// handleWebSocket upgrades the connection and registers the session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	buf := s.wsCfg.SendBuffer
	if buf <= 0 {
		buf = wsSendBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	client := &wsClient{
		id:         uuid.NewString(),
		remoteAddr: device.NormalizeIP(clientIP(r)),
		srv:        s,
		conn:       conn,
		send:       make(chan []byte, buf),
		ctx:        ctx,
		cancel:     cancel,
	}
	if s.wsCfg.MessagesPerSecond > 0 {
		burst := s.wsCfg.MessageBurst
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(s.wsCfg.MessagesPerSecond), burst)
	}

	if err := s.registry.OnConnect(client); err != nil {
		s.logger.Warn("websocket session rejected", "error", err)
		client.close()
		return
	}
	s.sessions.add(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)

	client.reply(EventConnectionResponse, map[string]any{
		"status":  "connected",
		"message": "Conectado al servidor",
		"sid":     client.id,
	})
}

func wsTimings(cfg config.WebSocketConfig) (pingInterval, pongWait time.Duration, maxSize int64) {
	pingInterval = time.Duration(cfg.PingInterval) * time.Second
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pongWait = time.Duration(cfg.PongTimeout) * time.Second
	if pongWait <= 0 {
		pongWait = defaultPongTimeout
	}
	maxSize = int64(cfg.MaxMessageSize)
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}
	return pingInterval, pongWait, maxSize
}

// readPump reads messages from the WebSocket connection.
func (c *wsClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.srv.registry.OnDisconnect(c.id)
		c.srv.sessions.remove(c)
		c.close()
	}()

	pingInterval, pongWait, maxSize := wsTimings(cfg)
	c.conn.SetReadLimit(maxSize)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Warn("websocket read error", "sid", c.id, "error", err)
			} else {
				c.srv.logger.Debug("websocket closed", "sid", c.id, "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *wsClient) writePump(cfg config.WebSocketConfig) {
	pingInterval, pongWait, _ := wsTimings(cfg)
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			//nolint:errcheck // Best-effort close message
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case message := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply sends an event back to this session only.
func (c *wsClient) reply(event string, payload any) {
	ctx, cancel := context.WithTimeout(c.ctx, wsReplyTimeout)
	defer cancel()
	if err := c.Send(ctx, event, payload); err != nil {
		c.srv.logger.Debug("websocket reply dropped", "sid", c.id, "event", event, "error", err)
	}
}

// deviceFor falls back to the enrolled device when the message names none.
func (c *wsClient) deviceFor(ref deviceRef) (int64, error) {
	if ref == 0 {
		if id, ok := c.srv.registry.DeviceOf(c.id); ok {
			return id, nil
		}
	}
	return ref.valid()
}

func (c *wsClient) replyError(event, message string) {
	c.reply(event, map[string]any{"success": false, "error": message})
}

// handleMessage processes one inbound envelope.
func (c *wsClient) handleMessage(data []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.replyError(EventError, "rate limit exceeded")
		return
	}

	var msg wsEnvelope
	if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
		c.replyError(EventError, "invalid message")
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, wsCommandTimeout)
	defer cancel()

	switch msg.Event {
	case EventRegisterDevice:
		c.handleRegister(ctx, msg.Data)
	case EventUnregisterDevice:
		c.handleUnregister(msg.Data)
	case EventMovementCommand:
		c.handleMovement(ctx, msg.Data)
	case EventObstacleDetected:
		c.handleObstacle(ctx, msg.Data)
	case EventDeviceStatus:
		c.handleDeviceStatus(ctx, msg.Data)
	case EventPing:
		c.reply(EventPong, map[string]any{"ok": true, "timestamp": time.Now().UTC().Format(time.RFC3339)})
	default:
		c.replyError(EventError, "unknown event")
	}
}

func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	return json.Unmarshal(raw, dst)
}

func (c *wsClient) handleRegister(ctx context.Context, raw json.RawMessage) {
	var req struct {
		DeviceID   deviceRef `json:"device_id"`
		DeviceName string    `json:"device_name"`
	}
	if err := decodeData(raw, &req); err != nil {
		c.replyError(EventRegistrationError, err.Error())
		return
	}
	deviceID, err := req.DeviceID.valid()
	if err != nil {
		c.replyError(EventRegistrationError, err.Error())
		return
	}
	name := req.DeviceName
	if name == "" {
		name = fmt.Sprintf("device-%d", deviceID)
	}
	if len([]rune(name)) > device.MaxNameLength {
		c.replyError(EventRegistrationError, fmt.Sprintf("device_name must be at most %d characters", device.MaxNameLength))
		return
	}

	if err := c.srv.registry.Enroll(ctx, c.id, deviceID, name); err != nil {
		c.replyError(EventRegistrationError, err.Error())
		return
	}
	c.reply(EventRegistrationSuccess, map[string]any{"device_id": deviceID, "device_name": name})
}

func (c *wsClient) handleUnregister(raw json.RawMessage) {
	var req struct {
		DeviceID deviceRef `json:"device_id"`
	}
	if err := decodeData(raw, &req); err != nil {
		c.replyError(EventError, err.Error())
		return
	}
	deviceID, err := c.deviceFor(req.DeviceID)
	if err != nil {
		c.replyError(EventError, err.Error())
		return
	}
	if c.srv.registry.Unenroll(c.id, deviceID) {
		c.reply(EventUnregistrationSuccess, map[string]any{"device_id": deviceID})
	}
}

func (c *wsClient) handleMovement(ctx context.Context, raw json.RawMessage) {
	var req struct {
		DeviceID   deviceRef     `json:"device_id"`
		Command    string        `json:"command"`
		DurationMs int           `json:"duration_ms"`
		Meta       eventlog.Meta `json:"meta"`
	}
	if err := decodeData(raw, &req); err != nil {
		c.replyError(EventCommandError, "invalid movement_command payload")
		return
	}
	deviceID, err := req.DeviceID.valid()
	if err != nil {
		c.replyError(EventCommandError, err.Error())
		return
	}

	res := c.srv.dispatcher.DispatchMovement(ctx, dispatch.MovementRequest{
		DeviceID:   deviceID,
		Command:    req.Command,
		DurationMs: req.DurationMs,
		Meta:       req.Meta,
		Origin:     OriginWebSocket,
	})
	if !res.Success {
		c.reply(EventCommandError, res)
		return
	}
	c.reply(EventCommandSent, res)
}

func (c *wsClient) handleObstacle(ctx context.Context, raw json.RawMessage) {
	var req struct {
		DeviceID    deviceRef     `json:"device_id"`
		StatusClave *int          `json:"status_clave"`
		Meta        eventlog.Meta `json:"meta"`
	}
	if err := decodeData(raw, &req); err != nil {
		c.replyError(EventError, "invalid obstacle_detected payload")
		return
	}
	deviceID, err := req.DeviceID.valid()
	if err != nil {
		c.replyError(EventError, err.Error())
		return
	}
	if req.StatusClave == nil {
		c.replyError(EventError, "status_clave is required")
		return
	}

	res := c.srv.dispatcher.DispatchObstacle(ctx, dispatch.ObstacleRequest{
		DeviceID:    deviceID,
		StatusClave: req.StatusClave,
		Meta:        req.Meta,
		Origin:      OriginWebSocket,
	})
	if !res.Success {
		c.reply(EventError, res)
		return
	}
	c.reply(EventObstacleLogged, res)
}

// handleDeviceStatus broadcasts every field except device_id as the status.
func (c *wsClient) handleDeviceStatus(ctx context.Context, raw json.RawMessage) {
	var fields eventlog.Meta
	if err := decodeData(raw, &fields); err != nil {
		c.replyError(EventError, "device_status payload must be an object")
		return
	}

	var ref deviceRef
	var status eventlog.Meta
	for _, k := range fields.Keys() {
		v, _ := fields.Get(k)
		if k != "device_id" {
			status.Set(k, v)
			continue
		}
		encoded, err := json.Marshal(v)
		if err == nil {
			err = ref.UnmarshalJSON(encoded)
		}
		if err != nil {
			c.replyError(EventError, err.Error())
			return
		}
	}
	deviceID, err := c.deviceFor(ref)
	if err != nil {
		c.replyError(EventError, err.Error())
		return
	}

	res := c.srv.dispatcher.ReportStatus(ctx, dispatch.StatusReport{DeviceID: deviceID, Status: status})
	if !res.Success {
		c.reply(EventError, res)
	}
}
