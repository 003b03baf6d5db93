package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/roomcast/src/types"
	"github.com/rs/zerolog"
)

// Manager owns the single WebSocket connection of a client session. It
// authenticates, reports lifecycle changes and reconnects with backoff after
// transport failures. It never restores room subscriptions by itself;
// callers re-join from OnReconnected.
type Manager struct {
	cfg     Config
	logger  zerolog.Logger
	dialer  *websocket.Dialer
	backoff Backoff

	mu      sync.Mutex
	state   ConnectionState
	conn    *websocket.Conn
	connID  string
	cancel  context.CancelFunc
	pending map[types.RoomKey][]chan struct{}

	writeMu sync.Mutex

	onState       []func(StateEvent)
	onReconnected []func()
	onFrame       []func(types.Frame)
}

// NewManager constructs a manager; nothing is dialed until Connect.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "connection").Logger(),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		backoff: Backoff{
			Base:   cfg.ReconnectInterval,
			Max:    cfg.MaxReconnectDelay,
			Jitter: 0.2,
		},
		pending: make(map[types.RoomKey][]chan struct{}),
	}
}

// OnStateChanged registers a lifecycle callback.
func (m *Manager) OnStateChanged(fn func(StateEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, fn)
}

// OnReconnected registers a callback fired after a dropped link has been
// re-established and re-authenticated.
func (m *Manager) OnReconnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnected = append(m.onReconnected, fn)
}

// OnFrame registers a callback for every frame received while ready. Frames
// are delivered in arrival order from a single goroutine that is not the
// socket reader, so a callback may call Join and wait for its ack.
func (m *Manager) OnFrame(fn func(types.Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFrame = append(m.onFrame, fn)
}

// State returns the current lifecycle state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsReady reports whether both the transport handshake and authentication
// have completed.
func (m *Manager) IsReady() bool { return m.State() == StateReady }

// ConnectionID returns the server-assigned id of the current connection.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connID
}

// Connect dials and authenticates, retrying transport failures with
// backoff up to MaxReconnectTries. An auth rejection returns ErrUnauthorized
// immediately.
func (m *Manager) Connect(ctx context.Context) error {
	if m.cfg.URL == "" || m.cfg.UserID == "" {
		return fmt.Errorf("%w: url and user id are required", ErrInvalidConfig)
	}
	m.mu.Lock()
	old := m.state
	switch old {
	case StateConnecting, StateReady, StateReconnecting:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	// Claim the manager before dialing so a concurrent Connect backs off.
	m.state = StateConnecting
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	q := newFrameQueue()
	callbacks := append([]func(StateEvent){}, m.onState...)
	m.mu.Unlock()

	m.notify(callbacks, StateEvent{OldState: old, NewState: StateConnecting})
	go m.deliverFrames(runCtx, q)

	conn, err := m.dialWithRetry(ctx, runCtx)
	if err != nil {
		cancel()
		m.setState(StateError, err)
		return err
	}
	if err := m.install(runCtx, q, conn); err != nil {
		m.setState(StateClosed, nil)
		return err
	}
	m.setState(StateReady, nil)
	return nil
}

// Disconnect closes the connection gracefully and stops any reconnection.
// The server drops every subscription of the connection.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	var err error
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client close"),
			time.Now().Add(m.cfg.WriteTimeout))
		m.writeMu.Unlock()
		err = conn.Close()
	}
	m.setState(StateClosed, nil)
	return err
}

// Join subscribes to a room and waits for the server's room-joined ack.
func (m *Manager) Join(ctx context.Context, key types.RoomKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	ack := make(chan struct{})
	m.mu.Lock()
	m.pending[key] = append(m.pending[key], ack)
	m.mu.Unlock()

	if err := m.sendControl(types.FrameJoinRoom, types.RoomPayload{RoomType: key.Type, RoomID: types.RoomID(key.ID)}); err != nil {
		m.dropWaiter(key, ack)
		return err
	}

	if m.cfg.JoinTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.JoinTimeout)
		defer cancel()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		m.dropWaiter(key, ack)
		return ctx.Err()
	}
}

// Leave unsubscribes from a room. The server sends no ack.
func (m *Manager) Leave(key types.RoomKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return m.sendControl(types.FrameLeaveRoom, types.RoomPayload{RoomType: key.Type, RoomID: types.RoomID(key.ID)})
}

// Emit publishes a room event. The server stamps the sender identity.
func (m *Manager) Emit(ev types.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	ev.SenderUserID = m.cfg.UserID
	ev.SenderName = m.cfg.Username
	f, err := types.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return m.send(f)
}

func (m *Manager) sendControl(event string, data any) error {
	f, err := types.NewFrame(event, data)
	if err != nil {
		return err
	}
	return m.send(f)
}

func (m *Manager) send(f types.Frame) error {
	m.mu.Lock()
	conn, ready := m.conn, m.state == StateReady
	m.mu.Unlock()
	if !ready || conn == nil {
		return ErrNotConnected
	}
	return m.write(conn, f)
}

func (m *Manager) write(conn *websocket.Conn, f types.Frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	}
	return conn.WriteJSON(f)
}

// dialWithRetry runs up to MaxReconnectTries dial attempts.
func (m *Manager) dialWithRetry(ctx, runCtx context.Context) (*websocket.Conn, error) {
	tries := m.cfg.MaxReconnectTries
	if tries <= 0 {
		tries = DefaultConfig().MaxReconnectTries
	}
	var lastErr error
	for attempt := 1; attempt <= tries; attempt++ {
		if attempt > 1 {
			delay := m.backoff.Delay(attempt - 1)
			m.logger.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("retrying connect")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-runCtx.Done():
				return nil, runCtx.Err()
			}
		}
		conn, err := m.dial(ctx)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		lastErr = err
		m.logger.Warn().Err(err).Int("attempt", attempt).Msg("connect failed")
	}
	return nil, fmt.Errorf("%w: %v", ErrReconnectExhausted, lastErr)
}

// dial opens the socket and completes the auth handshake.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	if m.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
		defer cancel()
	}
	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	auth, err := types.NewFrame(types.FrameAuth, types.AuthPayload{
		UserID:   m.cfg.UserID,
		Username: m.cfg.Username,
		Token:    m.cfg.Token,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := m.write(conn, auth); err != nil {
		conn.Close()
		return nil, err
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	for {
		var f types.Frame
		if err := conn.ReadJSON(&f); err != nil {
			conn.Close()
			return nil, err
		}
		switch f.Event {
		case types.FrameAuthenticated:
			var ack types.AuthenticatedPayload
			_ = decode(f, &ack)
			m.mu.Lock()
			m.connID = ack.ConnectionID
			m.mu.Unlock()
			_ = conn.SetReadDeadline(time.Time{})
			return conn, nil
		case types.FrameError:
			var pe types.Error
			_ = decode(f, &pe)
			conn.Close()
			if pe.Code == types.CodeUnauthorized {
				return nil, fmt.Errorf("%w: %s", ErrUnauthorized, pe.Message)
			}
			return nil, &pe
		}
	}
}

// install makes conn the live connection and begins reading. It fails when
// Disconnect ran while conn was being dialed.
func (m *Manager) install(runCtx context.Context, q *frameQueue, conn *websocket.Conn) error {
	m.mu.Lock()
	if runCtx.Err() != nil {
		m.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	m.conn = conn
	m.mu.Unlock()

	m.armReadDeadline(conn)
	conn.SetPingHandler(func(data string) error {
		m.armReadDeadline(conn)
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(m.cfg.WriteTimeout))
	})
	go m.readLoop(runCtx, q, conn)
	return nil
}

func (m *Manager) armReadDeadline(conn *websocket.Conn) {
	if m.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	}
}

// readLoop is the only reader of conn. It resolves join acks itself and
// hands every frame to deliverFrames, so OnFrame handlers may block on Join.
func (m *Manager) readLoop(runCtx context.Context, q *frameQueue, conn *websocket.Conn) {
	for {
		var f types.Frame
		if err := conn.ReadJSON(&f); err != nil {
			conn.Close()
			if runCtx.Err() != nil {
				return
			}
			m.logger.Warn().Err(err).Msg("connection lost")
			m.reconnect(runCtx, q, err)
			return
		}
		m.armReadDeadline(conn)
		if f.Event == types.FrameRoomJoined {
			m.resolveJoin(f)
		}
		q.push(f)
	}
}

// deliverFrames runs the OnFrame handlers in arrival order for the lifetime
// of one Connect, across reconnects.
func (m *Manager) deliverFrames(runCtx context.Context, q *frameQueue) {
	for {
		select {
		case <-q.ready:
		case <-runCtx.Done():
			return
		}
		for _, f := range q.drain() {
			if runCtx.Err() != nil {
				return
			}
			m.mu.Lock()
			handlers := append([]func(types.Frame){}, m.onFrame...)
			m.mu.Unlock()
			for _, fn := range handlers {
				fn(f)
			}
		}
	}
}

// reconnect replaces a dropped connection. Subscriptions held on the old
// connection are gone; OnReconnected callbacks decide what to re-join.
func (m *Manager) reconnect(runCtx context.Context, q *frameQueue, cause error) {
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
	m.failPendingJoins()
	m.setState(StateReconnecting, cause)

	conn, err := m.dialWithRetry(runCtx, runCtx)
	if err != nil {
		if runCtx.Err() != nil {
			return
		}
		m.setState(StateError, err)
		return
	}
	if err := m.install(runCtx, q, conn); err != nil {
		return
	}
	m.mu.Lock()
	callbacks := append([]func(){}, m.onReconnected...)
	m.mu.Unlock()

	m.setState(StateReady, nil)
	m.logger.Info().Str("connection_id", m.ConnectionID()).Msg("reconnected")
	for _, fn := range callbacks {
		fn()
	}
}

func (m *Manager) resolveJoin(f types.Frame) {
	var p types.RoomPayload
	if err := decode(f, &p); err != nil {
		return
	}
	key := p.Key()
	m.mu.Lock()
	waiters := m.pending[key]
	delete(m.pending, key)
	m.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (m *Manager) dropWaiter(key types.RoomKey, ack chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waiters := m.pending[key]
	for i, ch := range waiters {
		if ch == ack {
			m.pending[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(m.pending[key]) == 0 {
		delete(m.pending, key)
	}
}

// failPendingJoins forgets joins whose ack can no longer arrive; their
// callers time out through their contexts.
func (m *Manager) failPendingJoins() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[types.RoomKey][]chan struct{})
}

func (m *Manager) setState(s ConnectionState, err error) {
	m.mu.Lock()
	old := m.state
	if old == s && err == nil {
		m.mu.Unlock()
		return
	}
	// An explicit close wins over anything a dying loop reports.
	if old == StateClosed && s != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.state = s
	callbacks := append([]func(StateEvent){}, m.onState...)
	m.mu.Unlock()

	m.notify(callbacks, StateEvent{OldState: old, NewState: s, Error: err})
}

func (m *Manager) notify(callbacks []func(StateEvent), ev StateEvent) {
	m.logger.Debug().Str("from", ev.OldState.String()).Str("to", ev.NewState.String()).Msg("state changed")
	for _, fn := range callbacks {
		fn(ev)
	}
}

// frameQueue is an unbounded FIFO between the read loop and the handler
// goroutine. ready holds at most one pending wakeup.
type frameQueue struct {
	mu     sync.Mutex
	frames []types.Frame
	ready  chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{ready: make(chan struct{}, 1)}
}

func (q *frameQueue) push(f types.Frame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *frameQueue) drain() []types.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frames
	q.frames = nil
	return out
}
