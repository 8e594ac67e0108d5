// Package channel owns the persistent push channel for one viewed order:
// connect, heartbeat, fixed-delay reconnect and normal-closure teardown.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/loop"
	"github.com/MarcoPoloResearchLab/ordersync/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected       State = "disconnected"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
	StateReconnectScheduled State = "reconnect_scheduled"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectDelay    = 3 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
)

var (
	// ErrNotConnected is returned by Send when no channel is open.
	ErrNotConnected = errors.New("channel: not connected")

	errMissingLoop    = errors.New("channel: loop is required")
	errMissingHandler = errors.New("channel: handler is required")
)

// Handler receives decoded events on the loop, in delivery order.
type Handler interface {
	HandleEvent(event protocol.Event)
}

// Config configures a Manager.
type Config struct {
	BaseURL           string
	Enabled           bool
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	WriteTimeout      time.Duration
	Dialer            Dialer
	Logger            *zap.Logger
	// OnStateChange runs on the loop after every state transition.
	OnStateChange func(Status)
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		HeartbeatInterval: defaultHeartbeatInterval,
		ReconnectDelay:    defaultReconnectDelay,
		WriteTimeout:      defaultWriteTimeout,
	}
}

// Status is the observable connection state.
type Status struct {
	State     State
	Connected bool
	Err       string
	OrderID   protocol.OrderID
}

// Manager drives a single push channel. Every method except Status must be
// called on the loop it was constructed with.
type Manager struct {
	cfg     Config
	loop    *loop.Loop
	dialer  Dialer
	handler Handler
	logger  *zap.Logger

	enabled    bool
	state      State
	orderID    protocol.OrderID
	identity   protocol.Identity
	conn       Conn
	generation uint64
	cancelDial context.CancelFunc
	heartbeat  *loop.Ticker
	reconnect  *loop.Timer

	statusMu sync.RWMutex
	status   Status
}

// NewManager constructs a Manager bound to the loop.
func NewManager(cfg Config, eventLoop *loop.Loop, handler Handler) (*Manager, error) {
	if eventLoop == nil {
		return nil, errMissingLoop
	}
	if handler == nil {
		return nil, errMissingHandler
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = NewWebsocketDialer(defaultHandshakeTimeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		cfg:     cfg,
		loop:    eventLoop,
		dialer:  dialer,
		handler: handler,
		logger:  logger,
		enabled: cfg.Enabled,
		state:   StateDisconnected,
		status:  Status{State: StateDisconnected},
	}, nil
}

// Status returns a snapshot of the connection state. Safe from any goroutine.
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

// Connect opens the channel for an order. It is a no-op when the order is
// empty, the feature is disabled, or a channel is already connecting or open.
func (m *Manager) Connect(orderID protocol.OrderID, identity protocol.Identity) {
	if orderID == "" || !m.enabled {
		return
	}
	if m.state == StateConnecting || m.state == StateConnected {
		return
	}
	m.orderID = orderID
	m.identity = identity
	m.stopReconnect()
	m.dial()
}

// Disconnect cancels every timer and closes the channel with a normal-closure
// code. Close reports that arrive afterwards are ignored.
func (m *Manager) Disconnect() {
	m.generation++
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.stopReconnect()
	m.stopHeartbeat()
	if m.conn != nil {
		closeNormally(m.conn, m.cfg.WriteTimeout)
		m.conn = nil
		m.logger.Info("channel closed", zap.String("order_id", m.orderID.String()))
	}
	m.setState(StateDisconnected, "")
}

// SetEnabled toggles the feature. Disabling disconnects and suppresses retries.
func (m *Manager) SetEnabled(enabled bool) {
	m.enabled = enabled
	if !enabled {
		m.Disconnect()
	}
}

// Send writes an outbound frame on the open channel.
func (m *Manager) Send(message protocol.OutboundMessage) error {
	if m.conn == nil || m.state != StateConnected {
		return ErrNotConnected
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("channel: encode %s: %w", message.Type, err)
	}
	if err := m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("channel: set write deadline: %w", err)
	}
	if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("channel: write %s: %w", message.Type, err)
	}
	return nil
}

func (m *Manager) dial() {
	address, err := protocol.ChannelURL(m.cfg.BaseURL, m.orderID, m.identity)
	if err != nil {
		m.logger.Error("channel address invalid", zap.String("order_id", m.orderID.String()), zap.Error(err))
		m.setState(StateDisconnected, err.Error())
		return
	}

	m.generation++
	generation := m.generation
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.setState(StateConnecting, m.Status().Err)

	go func() {
		conn, dialErr := m.dialer.Dial(ctx, address)
		posted := m.loop.Post(func() {
			m.opened(generation, conn, dialErr)
		})
		if !posted && conn != nil {
			closeNormally(conn, m.cfg.WriteTimeout)
		}
	}()
}

func (m *Manager) opened(generation uint64, conn Conn, err error) {
	if generation != m.generation {
		if conn != nil {
			closeNormally(conn, m.cfg.WriteTimeout)
		}
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if err != nil {
		m.logger.Warn("channel dial failed", zap.String("order_id", m.orderID.String()), zap.Error(err))
		m.scheduleReconnect(fmt.Sprintf("connection error: %v", err))
		return
	}

	m.conn = conn
	m.setState(StateConnected, "")
	m.heartbeat = m.loop.Every(m.cfg.HeartbeatInterval, m.sendHeartbeat)
	m.logger.Info("channel connected", zap.String("order_id", m.orderID.String()))

	go m.readLoop(generation, conn)
}

func (m *Manager) readLoop(generation uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := closeCode(err)
			m.loop.Post(func() {
				m.closed(generation, code, err)
			})
			return
		}
		if !m.loop.Post(func() {
			m.receive(generation, data)
		}) {
			return
		}
	}
}

func (m *Manager) receive(generation uint64, data []byte) {
	if generation != m.generation {
		return
	}
	event, err := protocol.Decode(data)
	if err != nil {
		m.logger.Warn("dropping inbound message", zap.String("order_id", m.orderID.String()), zap.Error(err))
		return
	}
	switch typed := event.(type) {
	case protocol.Pong:
	case protocol.Unknown:
		m.logger.Info("ignoring unknown event", zap.String("order_id", m.orderID.String()), zap.String("type", typed.Type))
	default:
		m.handler.HandleEvent(event)
	}
}

func (m *Manager) closed(generation uint64, code int, err error) {
	if generation != m.generation {
		return
	}
	m.stopHeartbeat()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	if code == websocket.CloseNormalClosure {
		m.logger.Info("channel closed by peer", zap.String("order_id", m.orderID.String()))
		m.setState(StateDisconnected, "")
		return
	}
	m.logger.Warn("channel lost",
		zap.String("order_id", m.orderID.String()),
		zap.Int("code", code),
		zap.Error(err))
	m.scheduleReconnect(fmt.Sprintf("connection lost (code %d)", code))
}

func (m *Manager) scheduleReconnect(reason string) {
	if !m.enabled {
		m.setState(StateDisconnected, reason)
		return
	}
	m.stopReconnect()
	m.setState(StateReconnectScheduled, reason)
	m.reconnect = m.loop.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.reconnect = nil
		m.logger.Info("reconnecting", zap.String("order_id", m.orderID.String()))
		m.dial()
	})
}

func (m *Manager) sendHeartbeat() {
	if err := m.Send(protocol.PingMessage()); err != nil {
		m.logger.Debug("heartbeat failed", zap.String("order_id", m.orderID.String()), zap.Error(err))
	}
}

func (m *Manager) stopHeartbeat() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}

func (m *Manager) stopReconnect() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) setState(state State, errText string) {
	m.state = state
	m.statusMu.Lock()
	m.status = Status{
		State:     state,
		Connected: state == StateConnected,
		Err:       errText,
		OrderID:   m.orderID,
	}
	snapshot := m.status
	m.statusMu.Unlock()

	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(snapshot)
	}
}
