package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Event Emitter
// ============================================================================

// EventHandler handles session events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

// On registers a handler for one of the Event* names.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in listeners
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}

// ============================================================================
// Options
// ============================================================================

type sessionConfig struct {
	log            zerolog.Logger
	conn           ConnectionConfig
	requestTimeout time.Duration
}

// SessionOption configures a Session.
type SessionOption func(*sessionConfig)

// WithLogger sets the session logger. The default discards everything.
func WithLogger(log zerolog.Logger) SessionOption {
	return func(c *sessionConfig) { c.log = log }
}

// WithConnectionConfig sets push channel timings.
func WithConnectionConfig(cfg ConnectionConfig) SessionOption {
	return func(c *sessionConfig) { c.conn = cfg }
}

// WithRequestTimeout bounds each background HTTP operation.
func WithRequestTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.requestTimeout = d }
}

// ============================================================================
// Session
// ============================================================================

// Session is one user's chat with one peer at a time.
//
// It wires the store, the push channel and the HTTP API together. The same
// type serves peer-to-peer and support chats; only the identities differ.
type Session struct {
	emitter

	self     Participant
	log      zerolog.Logger
	timeout  time.Duration
	store    *ConversationStore
	conn     *ConnectionManager
	inbound  *InboundHandler
	outbound *OutboundCoordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	peer   Participant
	roomID string
	closed bool
}

// NewSession creates a session for self. No connection is made until Open.
func NewSession(self Participant, api API, transport Transport, opts ...SessionOption) *Session {
	cfg := sessionConfig{
		log:            zerolog.Nop(),
		requestTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Session{
		emitter: emitter{listeners: make(map[string][]EventHandler)},
		self:    self,
		log:     cfg.log.With().Str(FieldSenderID, self.ID).Logger(),
		timeout: cfg.requestTimeout,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.store = NewConversationStore(func(roomID string) { s.emit(EventMessages, roomID) })
	s.conn = NewConnectionManager(transport, cfg.conn, s.log)
	s.inbound = NewInboundHandler(self, s.store, api, s.log, s.notice, s.store.Active)
	s.outbound = NewOutboundCoordinator(s.store, s.conn, api, s.log, s.notice, s.goAsync)

	s.conn.OnEnvelope(s.inbound.HandleEnvelope)
	s.conn.OnStateChange(func(state ConnectionState) {
		s.log.Debug().Str(FieldState, string(state)).Msg("connection state")
		s.emit(EventConnection, state)
	})
	s.conn.OnReconnectExhausted(func(roomID string) {
		s.notice(Notice{Kind: NoticeReconnectExhausted, RoomID: roomID})
	})
	return s
}

// Open makes peer the active conversation and returns its room id.
//
// The previous room's channel is closed at once. Cached messages for the new
// room are visible immediately; history is refreshed in the background.
func (s *Session) Open(peer Participant) string {
	if peer.ID == "" {
		return ""
	}
	room := RoomID(s.self.ID, peer.ID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ""
	}
	s.peer = peer
	s.roomID = room
	s.mu.Unlock()

	s.log.Info().Str(FieldRoomID, room).Msg("opening conversation")
	s.store.SetActive(room)
	s.conn.Open(room)
	s.goAsync(func(ctx context.Context) { _ = s.inbound.LoadHistory(ctx, room) })
	return room
}

// Close leaves the active conversation. In-flight HTTP work still completes
// into the room's cache.
func (s *Session) Close() {
	s.mu.Lock()
	s.peer = Participant{}
	s.roomID = ""
	s.mu.Unlock()

	s.conn.Close()
	s.store.SetActive("")
}

// Shutdown closes the session, cancels background work and waits for it.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Close()
	s.cancel()
	s.wg.Wait()
	s.removeAll()
}

// Send submits a draft to the active conversation. The returned message is
// the pending entry already visible in Messages.
func (s *Session) Send(ctx context.Context, d Draft) (Message, error) {
	return s.outbound.Send(ctx, s.conversation(), d)
}

// Resend delivers a pending message of the active room again.
func (s *Session) Resend(ctx context.Context, tempID string) error {
	room := s.RoomID()
	if room == "" {
		return ErrNoActiveRoom
	}
	return s.outbound.Resend(ctx, room, tempID)
}

// Reload fetches the active room's history and waits for the result.
func (s *Session) Reload(ctx context.Context) error {
	room := s.RoomID()
	if room == "" {
		return ErrNoActiveRoom
	}
	return s.inbound.LoadHistory(ctx, room)
}

// Retry reconnects the push channel after automatic reconnection gave up.
func (s *Session) Retry() {
	s.conn.Retry()
}

// Messages returns the active room's messages, newest first.
func (s *Session) Messages() []Message {
	return s.store.Messages()
}

// History returns the cached messages of any room, newest first.
func (s *Session) History(roomID string) []Message {
	return s.store.Snapshot(roomID)
}

// RoomID returns the active room id, or "" when no conversation is open.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Peer returns the remote participant of the active conversation.
func (s *Session) Peer() Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Self returns the local participant.
func (s *Session) Self() Participant {
	return s.self
}

// State returns the push channel state.
func (s *Session) State() ConnectionState {
	return s.conn.State()
}

// Connected reports whether sends currently go over the push channel.
func (s *Session) Connected() bool {
	return s.conn.Connected()
}

// Wait blocks until all in-flight background work has finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) conversation() Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Conversation{Self: s.self, Peer: s.peer, RoomID: s.roomID}
}

func (s *Session) notice(n Notice) {
	s.emit(EventNotice, n)
}

// goAsync runs fn on a tracked goroutine with a per-request deadline.
func (s *Session) goAsync(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		fn(ctx)
	}()
}
