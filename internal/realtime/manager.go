// Package realtime owns the websocket connection to the chat server: dialing,
// authentication, keepalive and bounded reconnection. Inbound frames are normalized and
// published in delivery order on the reader goroutine.
package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"livechat/internal/chat"
	"livechat/internal/event"
	"livechat/internal/pubsub"
)

var errScheme = errors.New("websocket url must use ws or wss")

// StateChange is published on every connection state transition.
type StateChange struct {
	From chat.ConnectionState
	To   chat.ConnectionState
	// Err is the cause of an involuntary transition, if any.
	Err error
}

type authResult struct {
	ok  bool
	err error
}

// Manager is one realtime connection. It is safe for concurrent use.
//
// Subscribers run on the reader goroutine and must not block; a handler that needs to
// wait on the Manager (Authenticate, Connect) has to do so from another goroutine.
type Manager struct {
	cfg Config
	log *zap.Logger

	// dialMu serializes Connect and reconnect dials.
	dialMu sync.Mutex
	// writeMu serializes frame writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	mu          sync.Mutex
	state       chat.ConnectionState
	conn        *websocket.Conn
	stopConn    context.CancelFunc
	dialedWith  string
	token       string
	user        chat.User
	intentional bool
	authCh      chan authResult

	attempts        int
	reconnectGen    int
	reconnectCancel context.CancelFunc

	events pubsub.Bus[event.Event]
	states pubsub.Bus[StateChange]
	errs   pubsub.Bus[error]
}

func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg: cfg,
		log: cfg.Logger.Named("conn"),
	}
}

func (m *Manager) State() chat.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// User is the identity reported by the last successful authentication.
func (m *Manager) User() chat.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// ReconnectAttempts is the attempt number of the reconnect in progress, zero when idle.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) OnEvent(fn func(event.Event)) func() { return m.events.Subscribe(fn) }

func (m *Manager) OnStateChange(fn func(StateChange)) func() { return m.states.Subscribe(fn) }

// OnError receives transport failures, auth rejections and malformed inbound events.
func (m *Manager) OnError(fn func(error)) func() { return m.errs.Subscribe(fn) }

// Connect opens the transport. Calling it on an open connection is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.Lock()
	if m.conn != nil {
		rejected := m.state == chat.StateError
		m.mu.Unlock()
		if rejected {
			m.compareAndTransition(chat.StateError, chat.StateConnected)
		}
		return nil
	}
	m.intentional = false
	m.cancelReconnectLocked()
	token := ""
	if m.cfg.AuthMode == AuthQuery {
		token = m.token
	}
	m.mu.Unlock()

	return m.dial(ctx, token)
}

// Authenticate presents token and waits for the server's verdict. A rejected credential
// returns false with a nil error and leaves the manager in StateError; only transport
// failures and timeouts produce an error.
func (m *Manager) Authenticate(ctx context.Context, token string) (bool, error) {
	if strings.TrimSpace(token) == "" {
		return false, &chat.ValidationError{Field: "token", Reason: "must not be empty"}
	}

	m.mu.Lock()
	state := m.state
	if state == chat.StateAuthenticated && m.token == token {
		m.mu.Unlock()
		return true, nil
	}
	m.token = token
	ch := make(chan authResult, 1)
	m.authCh = ch
	attached := m.conn != nil
	stale := m.cfg.AuthMode == AuthQuery && attached && m.dialedWith != token
	if m.cfg.AuthMode == AuthQuery {
		m.intentional = false
	}
	m.mu.Unlock()
	defer m.disarmAuth(ch)

	switch m.cfg.AuthMode {
	case AuthQuery:
		if stale {
			m.detach()
		}
		if err := m.redial(ctx, token); err != nil {
			return false, err
		}
		m.compareAndTransition(chat.StateConnected, chat.StateAuthenticating)
	default:
		if !attached {
			return false, &chat.TransportError{Op: "authenticate", Err: chat.ErrNotConnected}
		}
		m.transition(chat.StateAuthenticating, nil)
		if err := m.Send(ctx, EventAuthenticate, AuthPayload{Token: token}); err != nil {
			m.compareAndTransition(chat.StateAuthenticating, chat.StateConnected)
			return false, err
		}
	}

	timer := time.NewTimer(m.cfg.AuthTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.ok, res.err
	case <-timer.C:
		m.compareAndTransition(chat.StateAuthenticating, chat.StateConnected)
		m.log.Warn("authentication timed out", zap.Duration("timeout", m.cfg.AuthTimeout))
		return false, &chat.TransportError{Op: "authenticate", Err: chat.ErrTimeout}
	case <-ctx.Done():
		m.compareAndTransition(chat.StateAuthenticating, chat.StateConnected)
		return false, &chat.TransportError{Op: "authenticate", Err: ctx.Err()}
	}
}

// Disconnect tears the connection down, stops reconnection and drops every subscriber.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.cancelReconnectLocked()
	m.attempts = 0
	m.user = chat.User{}
	m.token = ""
	conn := m.detachLocked()
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
		_ = conn.Close()
	}
	m.transition(chat.StateDisconnected, nil)
	m.log.Info("disconnected")

	m.events.Clear()
	m.states.Clear()
	m.errs.Clear()
}

// Send writes one outbound event.
func (m *Manager) Send(ctx context.Context, name string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return &chat.TransportError{Op: "send " + name, Err: chat.ErrNotConnected}
	}
	frame, err := encode(name, payload)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(m.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &chat.TransportError{Op: "send " + name, Err: err}
	}
	return nil
}

func (m *Manager) dial(ctx context.Context, token string) error {
	target, err := dialURL(m.cfg.URL, token)
	if err != nil {
		return &chat.TransportError{Op: "connect", Err: err}
	}

	m.transition(chat.StateConnecting, nil)
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := m.cfg.Dialer.DialContext(dialCtx, target, m.cfg.Header)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			err = chat.ErrTimeout
		}
		terr := &chat.TransportError{Op: "connect", Err: err}
		m.transition(chat.StateDisconnected, terr)
		return terr
	}

	connCtx, stop := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.intentional || ctx.Err() != nil {
		m.mu.Unlock()
		stop()
		_ = conn.Close()
		m.transition(chat.StateDisconnected, nil)
		return &chat.TransportError{Op: "connect", Err: chat.ErrNotConnected}
	}
	m.conn = conn
	m.stopConn = stop
	m.dialedWith = token
	m.mu.Unlock()

	if m.cfg.PingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		})
		go m.keepalive(connCtx, conn)
	}
	m.transition(chat.StateConnected, nil)
	m.log.Info("connected", zap.String("url", m.cfg.URL))
	go m.readLoop(conn)
	return nil
}

// redial connects unless someone else already did, for use outside Connect.
func (m *Manager) redial(ctx context.Context, token string) error {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()
	if err := ctx.Err(); err != nil {
		return &chat.TransportError{Op: "connect", Err: err}
	}
	m.mu.Lock()
	attached := m.conn != nil
	m.mu.Unlock()
	if attached {
		return nil
	}
	return m.dial(ctx, token)
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			m.dropped(conn, err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		m.handleFrame(data)
	}
}

func (m *Manager) handleFrame(data []byte) {
	ev, err := event.Normalize(data)
	if err != nil {
		m.log.Warn("malformed event", zap.String("event", ev.Wire()), zap.Error(err))
		m.errs.Publish(err)
	}

	switch e := ev.(type) {
	case event.Authenticated:
		m.mu.Lock()
		m.user = e.User
		m.mu.Unlock()
		m.transition(chat.StateAuthenticated, nil)
		m.resolveAuth(authResult{ok: true})
		m.log.Info("authenticated", zap.String("user_id", e.User.ID))
	case event.AuthFailed:
		authErr := &chat.AuthError{Message: e.Message}
		m.transition(chat.StateError, authErr)
		m.resolveAuth(authResult{ok: false})
		m.log.Warn("authentication rejected", zap.String("reason", e.Message))
		m.errs.Publish(authErr)
	case event.Error:
		m.log.Warn("server error", zap.String("message", e.Message))
	}
	m.events.Publish(ev)
}

func (m *Manager) dropped(conn *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		// superseded or closed on purpose
		m.mu.Unlock()
		return
	}
	m.detachLocked()
	prev := m.state
	intentional := m.intentional
	m.mu.Unlock()
	if intentional {
		return
	}

	terr := &chat.TransportError{Op: "read", Err: cause}
	m.resolveAuth(authResult{err: terr})
	if prev == chat.StateError {
		// a rejected credential is not retried; the caller has to connect again
		m.log.Info("connection closed after auth rejection", zap.Error(cause))
		m.transition(chat.StateDisconnected, nil)
		return
	}
	m.log.Warn("connection dropped", zap.Error(cause))
	m.transition(chat.StateDisconnected, terr)
	m.errs.Publish(terr)
	m.startReconnect()
}

func (m *Manager) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(m.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				m.log.Debug("ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *Manager) startReconnect() {
	if m.cfg.MaxReconnectAttempts < 0 {
		m.exhausted()
		return
	}
	m.mu.Lock()
	if m.reconnectCancel != nil || m.intentional {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.reconnectGen++
	gen := m.reconnectGen
	m.reconnectCancel = cancel
	m.attempts = 0
	token := m.token
	m.mu.Unlock()

	go m.reconnect(ctx, gen, token)
}

func (m *Manager) reconnect(ctx context.Context, gen int, token string) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.ReconnectDelay
	policy.MaxInterval = m.cfg.MaxReconnectDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2
	policy.Reset()

	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		delay := policy.NextBackOff()
		m.mu.Lock()
		m.attempts = attempt
		m.mu.Unlock()
		m.log.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		var dialToken string
		if m.cfg.AuthMode == AuthQuery {
			dialToken = token
		}
		if err := m.redial(ctx, dialToken); err != nil {
			m.log.Debug("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if token != "" {
			ok, err := m.Authenticate(ctx, token)
			if err != nil {
				m.log.Debug("re-authentication failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			if !ok {
				m.finishReconnect(gen, 0)
				return
			}
		}
		m.finishReconnect(gen, 0)
		m.log.Info("reconnected", zap.Int("attempt", attempt))
		if !m.State().Open() {
			m.startReconnect()
		}
		return
	}

	if ctx.Err() != nil {
		return
	}
	m.finishReconnect(gen, m.cfg.MaxReconnectAttempts)
	m.exhausted()
}

func (m *Manager) exhausted() {
	terr := &chat.TransportError{Op: "reconnect", Err: chat.ErrReconnectExhausted}
	m.log.Error("giving up on reconnection", zap.Int("attempts", m.cfg.MaxReconnectAttempts))
	m.states.Publish(StateChange{From: chat.StateDisconnected, To: chat.StateDisconnected, Err: terr})
	m.errs.Publish(terr)
}

// finishReconnect clears the loop's handle; attempts stays visible after exhaustion.
func (m *Manager) finishReconnect(gen, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnectGen != gen {
		return
	}
	m.reconnectCancel = nil
	m.attempts = attempts
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
		m.reconnectGen++
	}
	m.attempts = 0
}

// detach forgets the current connection and closes it without triggering reconnection.
func (m *Manager) detach() {
	m.mu.Lock()
	conn := m.detachLocked()
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	m.transition(chat.StateDisconnected, nil)
}

func (m *Manager) detachLocked() *websocket.Conn {
	conn := m.conn
	m.conn = nil
	m.dialedWith = ""
	if m.stopConn != nil {
		m.stopConn()
		m.stopConn = nil
	}
	return conn
}

func (m *Manager) resolveAuth(res authResult) {
	m.mu.Lock()
	ch := m.authCh
	m.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

func (m *Manager) disarmAuth(ch chan authResult) {
	m.mu.Lock()
	if m.authCh == ch {
		m.authCh = nil
	}
	m.mu.Unlock()
}

func (m *Manager) transition(to chat.ConnectionState, cause error) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.mu.Unlock()
	m.log.Debug("state", zap.Stringer("from", from), zap.Stringer("to", to))
	m.states.Publish(StateChange{From: from, To: to, Err: cause})
}

func (m *Manager) compareAndTransition(from, to chat.ConnectionState) {
	m.mu.Lock()
	if m.state != from {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.mu.Unlock()
	m.states.Publish(StateChange{From: from, To: to})
}
