package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/swappynest/internal/backoff"
	"github.com/haasonsaas/swappynest/internal/observability"
	"github.com/haasonsaas/swappynest/pkg/models"
)

const defaultDialTimeout = 10 * time.Second

// Options configures a Manager.
type Options struct {
	Factory Factory
	// Policy spaces reconnect attempts. Defaults to a fixed 3s delay.
	Policy      backoff.Policy
	Clock       Clock
	DialTimeout time.Duration

	// OnEvent observes every key's events, after the key's own handler.
	OnEvent Handler

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Manager owns one channel per key. An abnormal close schedules a single
// reconnect timer; Close cancels it.
type Manager struct {
	factory     Factory
	policy      backoff.Policy
	clock       Clock
	dialTimeout time.Duration
	onEvent     Handler
	logger      *slog.Logger
	metrics     *observability.Metrics

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	key     string
	url     string
	handler Handler

	conn Conn
	// gen identifies the current physical connection; events from an older
	// connection are ignored.
	gen     uint64
	timer   Timer
	attempt int
	status  models.ConnectionStatus
	closed  bool
}

// NewManager builds a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Factory == nil {
		return nil, errors.New("socket manager: factory is required")
	}
	if opts.Policy == nil {
		opts.Policy = backoff.DefaultReconnect()
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		factory:     opts.Factory,
		policy:      opts.Policy,
		clock:       opts.Clock,
		dialTimeout: opts.DialTimeout,
		onEvent:     opts.OnEvent,
		logger:      opts.Logger.With("component", "socket"),
		metrics:     opts.Metrics,
		entries:     make(map[string]*entry),
	}, nil
}

// Connect opens the channel for key, first closing any channel already
// registered under it. A failed dial still leaves the key registered with a
// reconnect pending, so Close(key) is always the way to stop it.
func (m *Manager) Connect(ctx context.Context, key, url string, handler Handler) error {
	e := &entry{key: key, url: url, handler: handler, status: models.ConnectionStatusConnecting}

	m.mu.Lock()
	previous := m.entries[key]
	m.entries[key] = e
	m.mu.Unlock()

	if previous != nil {
		m.retire(previous)
	}

	return m.dial(ctx, e)
}

// dial opens a physical connection for e and installs it if e is still current.
func (m *Manager) dial(ctx context.Context, e *entry) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	conn, err := m.factory.Dial(dialCtx, e.url)
	if err != nil {
		m.logger.Warn("socket dial failed", "key", e.key, "error", err)
		m.mu.Lock()
		current := m.isCurrent(e)
		if current {
			e.status = models.ConnectionStatusDegraded
		}
		m.mu.Unlock()
		if !current {
			return fmt.Errorf("dial %s: %w", e.key, err)
		}
		m.emit(e, Event{Type: EventError, Key: e.key, Err: err})

		m.mu.Lock()
		scheduled, ok := m.scheduleLocked(e)
		m.mu.Unlock()
		if ok {
			m.emit(e, scheduled)
		}
		return fmt.Errorf("dial %s: %w", e.key, err)
	}

	m.mu.Lock()
	if !m.isCurrent(e) {
		m.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("dial %s: %w", e.key, ErrSocketUnavailable)
	}
	e.conn = conn
	e.gen++
	e.attempt = 0
	e.status = models.ConnectionStatusConnected
	gen := e.gen
	m.mu.Unlock()

	m.metrics.RecordSocketEvent(string(EventOpen))
	m.logger.Debug("socket open", "key", e.key)
	m.emit(e, Event{Type: EventOpen, Key: e.key})

	go m.readLoop(e, gen, conn)
	return nil
}

func (m *Manager) readLoop(e *entry, gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(e, gen, classify(err))
			return
		}
		m.mu.Lock()
		live := m.isCurrent(e) && e.gen == gen
		m.mu.Unlock()
		if !live {
			return
		}
		m.emit(e, Event{Type: EventMessage, Key: e.key, Data: data})
	}
}

// handleClose reacts to the end of connection gen. Only the first
// abnormal close while no timer is pending schedules a reconnect.
func (m *Manager) handleClose(e *entry, gen uint64, closeErr *CloseError) {
	m.mu.Lock()
	if !m.isCurrent(e) || e.gen != gen {
		m.mu.Unlock()
		return
	}
	if e.timer != nil {
		m.mu.Unlock()
		m.logger.Debug("reconnect already pending; ignoring close", "key", e.key, "code", closeErr.Code)
		return
	}
	wasOpen := e.conn != nil
	e.conn = nil

	var scheduled Event
	var ok bool
	if closeErr.WasClean {
		e.status = models.ConnectionStatusDisconnected
	} else {
		scheduled, ok = m.scheduleLocked(e)
	}
	m.mu.Unlock()

	if wasOpen {
		m.metrics.RecordSocketEvent(string(EventClose))
	}
	if closeErr.WasClean {
		m.logger.Info("socket closed", "key", e.key, "code", closeErr.Code)
	} else {
		m.logger.Warn("socket dropped", "key", e.key, "code", closeErr.Code, "reason", closeErr.Reason)
	}
	m.emit(e, Event{Type: EventClose, Key: e.key, Close: closeErr})
	if ok {
		m.emit(e, scheduled)
	}
}

// scheduleLocked arms the reconnect timer unless one is already pending.
func (m *Manager) scheduleLocked(e *entry) (Event, bool) {
	if e.timer != nil || e.closed {
		return Event{}, false
	}
	e.attempt++
	attempt := e.attempt
	delay := m.policy.Delay(attempt)
	e.status = models.ConnectionStatusReconnecting
	e.timer = m.clock.AfterFunc(delay, func() { m.reconnect(e) })

	m.metrics.RecordSocketEvent(string(EventReconnectScheduled))
	m.logger.Info("socket reconnect scheduled", "key", e.key, "attempt", attempt, "delay", delay)
	return Event{Type: EventReconnectScheduled, Key: e.key, Attempt: attempt, Delay: delay}, true
}

func (m *Manager) reconnect(e *entry) {
	m.mu.Lock()
	if !m.isCurrent(e) {
		m.mu.Unlock()
		return
	}
	e.timer = nil
	e.status = models.ConnectionStatusConnecting
	m.mu.Unlock()

	if err := m.dial(context.Background(), e); err != nil {
		m.logger.Debug("reconnect attempt failed", "key", e.key, "error", err)
	}
}

// Send writes data on key's open channel.
func (m *Manager) Send(key string, data []byte) error {
	m.mu.Lock()
	e := m.entries[key]
	var conn Conn
	if e != nil {
		conn = e.conn
	}
	m.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("send on %s: %w", key, ErrSocketUnavailable)
	}
	if err := conn.WriteMessage(data); err != nil {
		m.emit(e, Event{Type: EventError, Key: key, Err: err})
		return fmt.Errorf("send on %s: %w", key, err)
	}
	return nil
}

// Close stops any pending reconnect and closes key's channel cleanly.
func (m *Manager) Close(key string) {
	m.mu.Lock()
	e := m.entries[key]
	if e != nil {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	if e != nil {
		m.retire(e)
		m.emit(e, Event{Type: EventClose, Key: key, Close: &CloseError{Code: CloseNormal, Reason: "closed by client", WasClean: true}})
	}
}

// CloseAll closes every channel.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.Close(key)
	}
}

// retire stops e for good: timer cancelled, connection closed, later
// events from it ignored.
func (m *Manager) retire(e *entry) {
	m.mu.Lock()
	e.closed = true
	e.status = models.ConnectionStatusDisconnected
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	conn := e.conn
	e.conn = nil
	m.mu.Unlock()

	if conn != nil {
		m.metrics.RecordSocketEvent(string(EventClose))
		if err := conn.Close(); err != nil {
			m.logger.Debug("socket close failed", "key", e.key, "error", err)
		}
	}
}

// Status reports the connection status of key.
func (m *Manager) Status(key string) models.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	if e == nil {
		return models.ConnectionStatusDisconnected
	}
	return e.status
}

// Pending reports whether a reconnect timer is armed for key.
func (m *Manager) Pending(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	return e != nil && e.timer != nil
}

func (m *Manager) isCurrent(e *entry) bool {
	return !e.closed && m.entries[e.key] == e
}

func (m *Manager) emit(e *entry, event Event) {
	if e.handler != nil {
		e.handler(event)
	}
	if m.onEvent != nil {
		m.onEvent(event)
	}
}
