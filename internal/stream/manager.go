package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-client/internal/observability"
	"github.com/lexiqai/speech-client/internal/resilience"
)

var (
	// ErrNotConnected is returned by Send when the stream is not Connected.
	ErrNotConnected = errors.New("not connected")
	// ErrReconnectExhausted is recorded when the reconnect ceiling is reached.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrClosing is returned by Connect while a disconnect is in progress.
	ErrClosing = errors.New("connection is closing")
	// ErrDisconnected is returned by Connect when Disconnect interrupts the dial.
	ErrDisconnected = errors.New("disconnected while connecting")
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	closeWriteTimeout       = time.Second
	subscriberBuffer        = 64
)

// Config holds the streaming endpoint and reconnect behaviour.
type Config struct {
	URL              string
	Policy           resilience.ReconnectPolicy
	Header           http.Header
	HandshakeTimeout time.Duration
}

// Status is a point-in-time view of the manager.
type Status struct {
	State       State           `json:"state"`
	Connected   bool            `json:"connected"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	LastMessage *InboundMessage `json:"last_message,omitempty"`
}

type dialFunc func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

type stopper interface {
	Stop() bool
}

type afterFunc func(d time.Duration, fn func()) stopper

type subscriber struct {
	ch   chan InboundMessage
	done chan struct{}
}

// Manager owns the single streaming connection: its state machine, the
// reconnect timer and fan-out of inbound messages to subscribers.
type Manager struct {
	cfg    Config
	logger zerolog.Logger
	dial   dialFunc
	after  afterFunc

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	gen        uint64 // identifies the live connection; stale read loops compare against it
	epoch      uint64 // bumped by Disconnect; invalidates in-flight dials and timers
	attempts   int
	timer      stopper
	cancelDial context.CancelFunc
	lastErr    error
	lastMsg    *InboundMessage

	writeMu sync.Mutex

	subMu   sync.Mutex
	subs    map[uint64]*subscriber
	nextSub uint64
}

// New creates a manager in the Disconnected state.
func New(cfg Config, logger zerolog.Logger) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Policy == (resilience.ReconnectPolicy{}) {
		cfg.Policy = resilience.DefaultReconnectPolicy()
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	m := &Manager{
		cfg:    cfg,
		logger: observability.WithComponent(logger, "stream").With().Str("url", cfg.URL).Logger(),
		state:  StateDisconnected,
		subs:   make(map[uint64]*subscriber),
		after: func(d time.Duration, fn func()) stopper {
			return time.AfterFunc(d, fn)
		},
	}
	m.dial = func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil && err != nil {
			resp.Body.Close()
		}
		return conn, err
	}
	observability.SetStreamState(int(StateDisconnected))
	return m
}

// Connect opens the connection. It is a no-op when a connection is already
// open or being established.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return nil
	case StateClosing:
		m.mu.Unlock()
		return ErrClosing
	}

	m.attempts = 0
	m.setStateLocked(StateConnecting)
	epoch := m.epoch
	m.mu.Unlock()

	return m.dialAndServe(ctx, epoch)
}

// Disconnect closes the connection with a normal closure and cancels any
// pending reconnect. The manager always ends Disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil

	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateClosing)
	m.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		_ = conn.Close()
	}

	m.mu.Lock()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
}

// Send writes one outbound message. Outside the Connected state it records
// and returns ErrNotConnected.
func (m *Manager) Send(msg OutboundMessage) error {
	msgType := string(msg.Type())

	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.lastErr = ErrNotConnected
		m.mu.Unlock()
		observability.RecordOutbound(msgType, false)
		return ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	payload, err := msg.Encode()
	if err != nil {
		observability.RecordOutbound(msgType, false)
		return err
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	m.writeMu.Unlock()

	if err != nil {
		err = fmt.Errorf("send %s: %w", msgType, err)
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		observability.RecordOutbound(msgType, false)
		m.logger.Warn().Err(err).Msg("Failed to send message")
		return err
	}

	observability.RecordOutbound(msgType, true)
	m.logger.Debug().Str("type", msgType).Int("bytes", len(payload)).Msg("Sent message")
	return nil
}

// Subscribe registers a consumer of inbound messages. Messages are delivered
// in receive order. The channel is never closed; stop reading from it once
// cancel has been called.
func (m *Manager) Subscribe() (<-chan InboundMessage, func()) {
	sub := &subscriber{
		ch:   make(chan InboundMessage, subscriberBuffer),
		done: make(chan struct{}),
	}

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(sub.done)
		})
	}
	return sub.ch, cancel
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the state is Connected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// ConnectionID identifies the live connection. It changes with every
// successful connect and is 0 while not Connected.
func (m *Manager) ConnectionID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return 0
	}
	return m.gen
}

// Status returns the connected flag, last error and last received message.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := Status{
		State:     m.state,
		Connected: m.state == StateConnected,
		Attempts:  m.attempts,
	}
	if m.lastErr != nil {
		status.LastError = m.lastErr.Error()
	}
	if m.lastMsg != nil {
		msg := *m.lastMsg
		status.LastMessage = &msg
	}
	return status
}

// LastError returns the most recently recorded error, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// dialAndServe dials once and starts the read loop. A failed dial schedules
// a reconnect; a dial that outlived a Disconnect is discarded.
func (m *Manager) dialAndServe(ctx context.Context, epoch uint64) error {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return ErrDisconnected
	}
	m.cancelDial = cancel
	m.mu.Unlock()

	m.logger.Info().Msg("Connecting to streaming service")
	conn, err := m.dial(dialCtx, m.cfg.URL, m.cfg.Header)

	m.mu.Lock()
	m.cancelDial = nil
	if m.epoch != epoch || m.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrDisconnected
	}

	if err != nil {
		err = fmt.Errorf("connect: %w", err)
		m.lastErr = err
		m.logger.Warn().Err(err).Int("attempt", m.attempts).Msg("Streaming connection failed")
		observability.RecordError("connect_failed", "stream")
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return err
	}

	m.gen++
	gen := m.gen
	m.conn = conn
	m.attempts = 0
	m.lastErr = nil
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	go m.readLoop(conn, gen)
	return nil
}

// scheduleReconnectLocked arms the reconnect timer, or gives up once the
// policy is exhausted. Callers hold m.mu.
func (m *Manager) scheduleReconnectLocked() {
	if m.cfg.Policy.Exhausted(m.attempts) {
		m.lastErr = fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, m.attempts)
		m.setStateLocked(StateDisconnected)
		observability.RecordReconnect("exhausted")
		m.logger.Error().Int("attempts", m.attempts).Msg("Giving up on streaming connection")
		return
	}

	delay := m.cfg.Policy.Delay(m.attempts)
	m.setStateLocked(StateReconnecting)
	epoch := m.epoch
	m.timer = m.after(delay, func() { m.reconnect(epoch) })
	observability.RecordReconnect("scheduled")
	m.logger.Info().
		Int("attempt", m.attempts+1).
		Dur("delay", delay).
		Msg("Reconnect scheduled")
}

// reconnect runs from the reconnect timer.
func (m *Manager) reconnect(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.attempts++
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	_ = m.dialAndServe(context.Background(), epoch)
}

// readLoop parses and fans out messages until the connection drops.
func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClosure(conn, gen, err)
			return
		}

		msg, err := ParseInbound(data)
		if err != nil {
			observability.RecordMalformed()
			m.mu.Lock()
			m.lastErr = err
			m.mu.Unlock()
			m.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed message")
			continue
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.lastMsg = &msg
		if msg.Type == InboundError {
			m.lastErr = errors.New(msg.ErrorMessage())
		}
		m.mu.Unlock()

		observability.RecordInbound(string(msg.Type))
		if msg.Type == InboundError {
			m.logger.Warn().Str("error", msg.ErrorMessage()).Msg("Streaming service reported an error")
		} else {
			m.logger.Debug().Str("type", string(msg.Type)).Msg("Received message")
		}
		m.publish(msg)
	}
}

// handleClosure decides between Disconnected and a reconnect by close code.
func (m *Manager) handleClosure(conn *websocket.Conn, gen uint64, err error) {
	_ = conn.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen || m.state != StateConnected {
		return
	}
	m.conn = nil

	code := closeCode(err)
	if code == websocket.CloseNormalClosure {
		m.logger.Info().Msg("Streaming service closed the connection")
		m.setStateLocked(StateDisconnected)
		return
	}

	m.logger.Warn().Err(err).Int("code", code).Msg("Streaming connection lost")
	m.scheduleReconnectLocked()
}

// publish delivers msg to every subscriber in turn.
func (m *Manager) publish(msg InboundMessage) {
	m.subMu.Lock()
	subs := make([]*subscriber, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		}
	}
}

// setStateLocked applies one edge of the state machine. Callers hold m.mu.
func (m *Manager) setStateLocked(next State) bool {
	if m.state == next {
		return true
	}
	if !m.state.CanTransition(next) {
		m.logger.Error().
			Str("from", m.state.String()).
			Str("to", next.String()).
			Msg("Rejected illegal state transition")
		return false
	}

	m.logger.Info().
		Str("from", m.state.String()).
		Str("to", next.String()).
		Msg("Stream state changed")
	m.state = next
	observability.SetStreamState(int(next))
	return true
}

// closeCode extracts the close status, treating anything without a close
// frame as an abnormal closure.
func closeCode(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return websocket.CloseAbnormalClosure
}
