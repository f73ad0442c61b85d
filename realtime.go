package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// Transport opens push-channel connections.
type Transport interface {
	Dial(ctx context.Context, roomID string) (Conn, error)
}

// Conn is one established push-channel connection.
//
// Read returns an error wrapping ErrServerClosed when the server closed the
// connection deliberately.
type Conn interface {
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, cmd Command) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// WebSocketTransport dials the chat server's WebSocket endpoint.
type WebSocketTransport struct {
	BaseURL    string
	Path       string
	Token      TokenSource
	HTTPClient *http.Client
	ReadLimit  int64
}

// NewWebSocketTransport creates a transport for baseURL (http or ws scheme).
func NewWebSocketTransport(baseURL string, token TokenSource) *WebSocketTransport {
	return &WebSocketTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Path:    "/ws",
		Token:   token,
	}
}

// URL returns the WebSocket URL for the given token.
func (t *WebSocketTransport) URL(token string) string {
	base := strings.Replace(t.BaseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token == "" {
		return base + t.Path
	}
	return base + t.Path + "?token=" + url.QueryEscape(token)
}

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context, roomID string) (Conn, error) {
	token := ""
	if t.Token != nil {
		token = t.Token()
	}
	opts := &websocket.DialOptions{HTTPClient: t.HTTPClient}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	c, _, err := websocket.Dial(ctx, t.URL(token), opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if t.ReadLimit > 0 {
		c.SetReadLimit(t.ReadLimit)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) (Envelope, error) {
	for {
		_, data, err := w.c.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				return Envelope{}, fmt.Errorf("%w: %v", ErrServerClosed, err)
			}
			return Envelope{}, err
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Type == "" {
			continue
		}
		return env, nil
	}
}

func (w *wsConn) Write(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

// ============================================================================
// Configuration
// ============================================================================

// ConnectionState is the push channel state for the active room.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ConnectionConfig configures a ConnectionManager.
type ConnectionConfig struct {
	// ReconnectDelay is the wait before the single reconnect after a drop.
	ReconnectDelay time.Duration
	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
	// HeartbeatInterval enables socket pings when positive.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout bounds each ping.
	HeartbeatTimeout time.Duration
	// StableAfter is the uptime after which a connection counts as
	// established. A connection lost sooner does not re-arm the reconnect
	// and a server close does not skip ReconnectDelay. Negative disables.
	StableAfter time.Duration
}

func (c *ConnectionConfig) defaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.StableAfter == 0 {
		c.StableAfter = time.Second
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type connDispatcher struct {
	mu          sync.RWMutex
	onState     []func(ConnectionState)
	onEnvelope  []func(Envelope)
	onExhausted []func(roomID string)
}

func (d *connDispatcher) emitState(s ConnectionState) {
	d.mu.RLock()
	handlers := append([]func(ConnectionState){}, d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

func (d *connDispatcher) emitEnvelope(env Envelope) {
	d.mu.RLock()
	handlers := append([]func(Envelope){}, d.onEnvelope...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}

func (d *connDispatcher) emitExhausted(roomID string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onExhausted...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(roomID)
	}
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the push channel for the active room.
//
// Every Open, Close and Retry starts a new epoch; goroutines and timers from
// an older epoch drop their results. After a disconnect exactly one reconnect
// is scheduled. If that attempt fails too, or its connection drops before
// StableAfter, the manager stays disconnected until Retry.
type ConnectionManager struct {
	transport  Transport
	cfg        ConnectionConfig
	log        zerolog.Logger
	dispatcher connDispatcher

	mu      sync.Mutex
	state   ConnectionState
	roomID  string
	conn    Conn
	epoch   uint64
	retried bool
	timer   *time.Timer
	cancel  context.CancelFunc
	since   time.Time
}

// NewConnectionManager creates a manager in the disconnected state.
func NewConnectionManager(transport Transport, cfg ConnectionConfig, log zerolog.Logger) *ConnectionManager {
	cfg.defaults()
	return &ConnectionManager{
		transport: transport,
		cfg:       cfg,
		log:       log.With().Str(FieldComponent, "connection").Logger(),
		state:     StateDisconnected,
	}
}

// OnStateChange registers a state transition handler.
func (m *ConnectionManager) OnStateChange(h func(ConnectionState)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onState = append(m.dispatcher.onState, h)
	m.dispatcher.mu.Unlock()
}

// OnEnvelope registers a handler for inbound server events. Handlers run on
// the connection's read goroutine in arrival order.
func (m *ConnectionManager) OnEnvelope(h func(Envelope)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onEnvelope = append(m.dispatcher.onEnvelope, h)
	m.dispatcher.mu.Unlock()
}

// OnReconnectExhausted registers a handler called when the single automatic
// reconnect has failed.
func (m *ConnectionManager) OnReconnectExhausted(h func(roomID string)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onExhausted = append(m.dispatcher.onExhausted, h)
	m.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the channel is usable for sends.
func (m *ConnectionManager) Connected() bool {
	return m.State() == StateConnected
}

// RoomID returns the room the manager is scoped to.
func (m *ConnectionManager) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

// Open tears down any current connection and connects for roomID in the
// background. Connection errors are reported through state changes only.
func (m *ConnectionManager) Open(roomID string) {
	m.mu.Lock()
	m.teardownLocked("room change")
	m.epoch++
	epoch := m.epoch
	m.roomID = roomID
	m.retried = false
	m.state = StateConnecting
	m.mu.Unlock()

	m.log.Debug().Str(FieldRoomID, roomID).Msg("opening channel")
	m.dispatcher.emitState(StateConnecting)
	go m.connect(epoch)
}

// Close disconnects and cancels any pending reconnect.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	m.teardownLocked("client disconnect")
	m.epoch++
	prev := m.state
	m.state = StateDisconnected
	m.roomID = ""
	m.mu.Unlock()

	if prev != StateDisconnected {
		m.dispatcher.emitState(StateDisconnected)
	}
}

// Retry reconnects immediately. It is the manual recovery path once the
// automatic reconnect is exhausted and does nothing while connected or
// connecting.
func (m *ConnectionManager) Retry() {
	m.mu.Lock()
	if m.roomID == "" || m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	m.teardownLocked("manual retry")
	m.epoch++
	epoch := m.epoch
	m.retried = false
	m.state = StateConnecting
	room := m.roomID
	m.mu.Unlock()

	m.log.Info().Str(FieldRoomID, room).Msg("manual reconnect")
	m.dispatcher.emitState(StateConnecting)
	go m.connect(epoch)
}

// Emit writes a command over the channel.
func (m *ConnectionManager) Emit(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return conn.Write(ctx, Command{Type: event, Payload: payload})
}

func (m *ConnectionManager) teardownLocked(reason string) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		go conn.Close(reason)
	}
}

func (m *ConnectionManager) connect(epoch uint64) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancel = cancel
	room := m.roomID
	m.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.transport.Dial(dialCtx, room)
	dialCancel()
	if err != nil {
		m.log.Warn().Err(err).Str(FieldRoomID, room).Msg("connect failed")
		m.lost(epoch, nil, false)
		return
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		conn.Close("stale connection")
		return
	}
	m.conn = conn
	m.state = StateConnected
	m.since = time.Now()
	m.mu.Unlock()

	m.log.Info().Str(FieldRoomID, room).Msg("channel connected")
	if !m.current(epoch, conn) {
		return
	}
	m.dispatcher.emitState(StateConnected)

	if err := conn.Write(ctx, Command{Type: CmdJoinRoom, Payload: joinPayload{RoomID: room}}); err != nil {
		m.log.Warn().Err(err).Str(FieldRoomID, room).Msg("join failed")
		m.lost(epoch, conn, false)
		return
	}

	go m.readLoop(ctx, epoch, conn)
	if m.cfg.HeartbeatInterval > 0 {
		go m.heartbeatLoop(ctx, epoch, conn)
	}
}

// current reports whether conn is still the live connection of epoch.
func (m *ConnectionManager) current(epoch uint64, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch && m.conn == conn
}

func (m *ConnectionManager) readLoop(ctx context.Context, epoch uint64, conn Conn) {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.lost(epoch, conn, errors.Is(err, ErrServerClosed))
			return
		}

		if !m.current(epoch, conn) {
			return
		}
		m.dispatcher.emitEnvelope(env)
	}
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context, epoch uint64, conn Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.log.Warn().Err(err).Msg("heartbeat failed")
				m.lost(epoch, conn, false)
				return
			}
		}
	}
}

// lost handles a connect failure (conn == nil) or the end of a connection.
func (m *ConnectionManager) lost(epoch uint64, conn Conn, serverInitiated bool) {
	m.mu.Lock()
	if m.epoch != epoch || m.conn != conn {
		m.mu.Unlock()
		return
	}
	if m.state != StateConnected && m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	stable := conn != nil && (m.cfg.StableAfter < 0 || time.Since(m.since) >= m.cfg.StableAfter)
	if stable {
		m.retried = false
	}
	m.conn = nil
	room := m.roomID
	exhausted := m.retried || m.timer != nil
	if exhausted {
		m.state = StateDisconnected
	} else {
		m.retried = true
		m.state = StateReconnecting
	}
	m.mu.Unlock()

	if conn != nil {
		go conn.Close("connection lost")
	}

	m.dispatcher.emitState(StateDisconnected)
	if exhausted {
		m.log.Warn().Str(FieldRoomID, room).Msg("reconnect exhausted")
		m.dispatcher.emitExhausted(room)
		return
	}

	delay := m.cfg.ReconnectDelay
	if serverInitiated && stable {
		delay = 0
	}
	m.log.Info().Str(FieldRoomID, room).Dur(FieldDelay, delay).Bool("server_initiated", serverInitiated).Msg("scheduling reconnect")
	m.dispatcher.emitState(StateReconnecting)

	m.mu.Lock()
	if m.epoch == epoch && m.state == StateReconnecting && m.timer == nil {
		m.timer = time.AfterFunc(delay, func() { m.reconnect(epoch) })
	}
	m.mu.Unlock()
}

func (m *ConnectionManager) reconnect(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.state = StateConnecting
	m.mu.Unlock()

	m.dispatcher.emitState(StateConnecting)
	m.connect(epoch)
}
