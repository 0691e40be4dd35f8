// Package session drives the client side of a conversation: the connection
// manager owns the websocket, the dispatcher demultiplexes inbound frames
// into per-stage channels, and the coordinator runs one turn at a time
// against those channels.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vocalisai/voice-session/internal/config"
	"github.com/vocalisai/voice-session/internal/observability"
	"github.com/vocalisai/voice-session/internal/protocol"
	"github.com/vocalisai/voice-session/internal/resilience"
)

// ErrBackendUnreachable is returned when a send fails even after a
// reconnect and one retry
var ErrBackendUnreachable = errors.New("backend unreachable")

// State is the connection lifecycle state, owned exclusively by Manager
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Manager owns the websocket connection to the backend. Connects lazily on
// first use, re-dials through retry with exponential backoff, and gates
// dial attempts behind a circuit breaker so a dead backend cannot absorb
// unbounded reconnect work.
type Manager struct {
	url      string
	dialer   *websocket.Dialer
	retryCfg *resilience.RetryConfig
	breaker  *resilience.CircuitBreaker
	logger   zerolog.Logger

	// dialMu admits one dial at a time; mu guards conn and state
	dialMu sync.Mutex
	mu     sync.Mutex
	conn   *websocket.Conn
	state  State

	// gorilla permits one concurrent writer per connection
	writeMu sync.Mutex
}

// NewManager creates a manager for the configured backend endpoint. No
// connection is made until the first Get or Send.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		url: cfg.BackendWSURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		retryCfg: &resilience.RetryConfig{
			MaxAttempts:       cfg.DialMaxAttempts,
			InitialBackoff:    time.Duration(cfg.DialInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
		},
		breaker: resilience.NewCircuitBreaker(
			"backend-ws",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		logger: observability.WithComponent("connection"),
	}
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the live connection without dialing, or nil when
// disconnected. The dispatcher polls this; only Get and Send dial.
func (m *Manager) Current() *websocket.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Get returns the live connection, dialing if necessary
func (m *Manager) Get(ctx context.Context) (*websocket.Conn, error) {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.Lock()
	if m.conn != nil {
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	var conn *websocket.Conn
	err := m.breaker.Call(func() error {
		return resilience.Retry(func() error {
			c, _, dialErr := m.dialer.DialContext(ctx, m.url, nil)
			if dialErr != nil {
				m.logger.Warn().Err(dialErr).Str("url", m.url).Msg("Backend dial failed")
				return dialErr
			}
			conn = c
			return nil
		}, m.retryCfg, nil)
	})
	observability.UpdateCircuitBreakerState(m.breaker.Name(), int(m.breaker.State()))
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		observability.RecordError("dial", "connection")
		return nil, fmt.Errorf("dial backend: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.state = StateConnected
	m.mu.Unlock()

	observability.RecordReconnect()
	m.logger.Info().Str("url", m.url).Msg("Connected to backend")
	return conn, nil
}

// Send delivers one frame to the backend, connecting lazily. On a write
// failure the connection is torn down, re-dialed, and the write retried
// exactly once; a second failure surfaces as ErrBackendUnreachable and is
// the caller's to report.
func (m *Manager) Send(ctx context.Context, f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}

	conn, err := m.Get(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}

	err = m.write(conn, data)
	if err == nil {
		observability.RecordFrame("out", string(f.Type))
		return nil
	}
	m.logger.Warn().Err(err).Msg("Send failed, reconnecting for one retry")
	m.Reset(conn)
	observability.RecordSendRetry()

	conn, err = m.Get(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	if err := m.write(conn, data); err != nil {
		m.Reset(conn)
		observability.RecordError("send", "connection")
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}

	observability.RecordFrame("out", string(f.Type))
	return nil
}

// Reset tears down a connection the caller found broken. A no-op when the
// manager has already moved on to a newer connection.
func (m *Manager) Reset(old *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old == nil || m.conn != old {
		return
	}
	old.Close()
	m.conn = nil
	m.state = StateDisconnected
	m.logger.Info().Msg("Connection reset")
}

// Close shuts the connection down. Idempotent. Callers must stop and await
// the dispatcher first so no reader is left on a closing socket. Taking
// dialMu makes Close wait out an in-flight dial, so a racing Get cannot
// install a fresh connection after Close returns.
func (m *Manager) Close() {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = StateDisconnected
}

func (m *Manager) write(conn *websocket.Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}
