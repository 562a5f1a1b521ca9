// Package conn owns the broker session lifecycle. No other component may
// dial or close the gateway socket.
package conn

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ibkr-trader/internal/errors"
	"ibkr-trader/internal/gateway"
	"ibkr-trader/internal/logging"
	"ibkr-trader/internal/models"
)

// Config holds the session parameters for the connection manager.
type Config struct {
	Host              string
	Port              int
	ClientID          int
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	MaxReconnects     int
	ReconnectDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	return c
}

// Manager maintains the single Session to the broker gateway: connect,
// heartbeat, reconnect with bounded backoff, disconnect.
type Manager struct {
	cfg    Config
	gw     gateway.Gateway
	logger zerolog.Logger

	mu           sync.RWMutex
	state        models.ConnState
	reconnecting bool
	listeners    []func(models.ConnState)

	heartbeatStop chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

// NewManager creates a connection manager for the given gateway.
func NewManager(cfg Config, gw gateway.Gateway, logger zerolog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg.withDefaults(),
		gw:     gw,
		logger: logger.With().Str("component", "conn").Logger(),
		state:  models.ConnDisconnected,
		done:   make(chan struct{}),
	}
	gw.OnDisconnect(m.handleSocketLoss)
	return m
}

// Gateway returns the underlying gateway for RPC use by other components.
// Lifecycle calls on it remain the manager's alone.
func (m *Manager) Gateway() gateway.Gateway {
	return m.gw
}

// Session returns the current session descriptor.
func (m *Manager) Session() models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.Session{
		Host:     m.cfg.Host,
		Port:     m.cfg.Port,
		ClientID: m.cfg.ClientID,
		State:    m.state,
	}
}

// State returns the current connection state.
func (m *Manager) State() models.ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected reports whether the session is usable.
func (m *Manager) IsConnected() bool {
	return m.State() == models.ConnConnected
}

// OnStateChange registers a listener for connection state transitions.
// Listeners for one transition run in registration order off the
// transitioning goroutine and must not block for long.
func (m *Manager) OnStateChange(fn func(models.ConnState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Connect establishes the session. While Connecting or Connected, further
// calls are no-ops returning the current state. Classified failures:
// ErrAuthRejected (client id in use, fatal), ErrTimeout (no handshake
// within ConnectTimeout), ErrConnection (socket could not be opened).
func (m *Manager) Connect(ctx context.Context) (models.ConnState, error) {
	m.mu.Lock()
	switch m.state {
	case models.ConnConnecting, models.ConnConnected, models.ConnReconnecting:
		state := m.state
		m.mu.Unlock()
		return state, nil
	}
	m.setStateLocked(models.ConnConnecting)
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		if errors.Is(err, errors.ErrAuthRejected) {
			m.setState(models.ConnFailed)
		} else {
			m.setState(models.ConnDisconnected)
		}
		return m.State(), err
	}

	m.setState(models.ConnConnected)
	m.startHeartbeat()
	return models.ConnConnected, nil
}

// Disconnect releases the session and stops the heartbeat. Bookkeeping for
// subscriptions and orders is dropped by dependents via the state event;
// live broker orders are not force-cancelled.
func (m *Manager) Disconnect() error {
	m.stopHeartbeat()
	err := m.gw.Close()
	m.setState(models.ConnDisconnected)
	return err
}

// Close shuts the manager down: all heartbeat and reconnect timers stop
// deterministically and no background work survives the call.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.stopHeartbeat()
	m.wg.Wait()
	return m.gw.Close()
}

func (m *Manager) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	err := m.gw.Dial(dialCtx, m.cfg.Host, m.cfg.Port, m.cfg.ClientID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errors.ErrAuthRejected):
		return err
	case errors.Is(err, errors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return errors.Wrapf(errors.ErrTimeout, "handshake %s:%d", m.cfg.Host, m.cfg.Port)
	default:
		return errors.Wrapf(errors.ErrConnection, "dial %s:%d: %v", m.cfg.Host, m.cfg.Port, err)
	}
}

func (m *Manager) startHeartbeat() {
	m.mu.Lock()
	if m.heartbeatStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.heartbeatStop = stop
	m.mu.Unlock()

	m.wg.Add(1)
	go m.heartbeatLoop(stop)
}

func (m *Manager) stopHeartbeat() {
	m.mu.Lock()
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
	m.mu.Unlock()
}

func (m *Manager) heartbeatLoop(stop chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-stop:
			return
		case <-ticker.C:
			if m.State() != models.ConnConnected {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatInterval)
			err := m.gw.Ping(ctx)
			cancel()
			if err != nil {
				m.logger.Warn().Err(err).Msg("Heartbeat lost")
				m.handleSocketLoss()
				return
			}
		}
	}
}

// handleSocketLoss transitions to Reconnecting and drives bounded
// reconnection. Invoked by both the heartbeat and the gateway's disconnect
// callback; only one reconnect loop runs at a time.
func (m *Manager) handleSocketLoss() {
	select {
	case <-m.done:
		return
	default:
	}

	m.mu.Lock()
	if m.reconnecting || m.state == models.ConnDisconnected || m.state == models.ConnFailed {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.setStateLocked(models.ConnReconnecting)
	m.mu.Unlock()

	m.stopHeartbeat()
	m.wg.Add(1)
	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	// Release the half-open socket first: the broker refuses a client id
	// that still looks attached to a session.
	_ = m.gw.Close()

	delay := m.cfg.ReconnectDelay
	for attempt := 1; attempt <= m.cfg.MaxReconnects; attempt++ {
		select {
		case <-m.done:
			return
		case <-time.After(delay):
		}

		m.logger.Info().Int("attempt", attempt).Msg("Reconnecting")
		if err := m.dial(context.Background()); err != nil {
			if errors.Is(err, errors.ErrAuthRejected) {
				m.logger.Error().Err(err).Msg("Reconnect refused by broker")
				m.setState(models.ConnFailed)
				return
			}
			m.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
			delay *= 2
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
			continue
		}

		m.setState(models.ConnConnected)
		m.startHeartbeat()
		return
	}

	m.logger.Error().Int("attempts", m.cfg.MaxReconnects).Msg("Reconnect attempts exhausted")
	m.setState(models.ConnFailed)
}

func (m *Manager) setState(s models.ConnState) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
}

// setStateLocked updates state and notifies listeners. Callers hold m.mu.
func (m *Manager) setStateLocked(s models.ConnState) {
	if m.state == s {
		return
	}
	from := m.state
	m.state = s
	listeners := make([]func(models.ConnState), len(m.listeners))
	copy(listeners, m.listeners)

	logging.LogConnState(m.logger, string(from), string(s))
	go func() {
		for _, fn := range listeners {
			fn(s)
		}
	}()
}
