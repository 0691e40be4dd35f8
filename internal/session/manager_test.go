package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vocalisai/voice-session/internal/config"
	"github.com/vocalisai/voice-session/internal/protocol"
	"github.com/vocalisai/voice-session/internal/resilience"
)

var testUpgrader = websocket.Upgrader{}

// newBackend starts a websocket backend whose handler runs once per
// accepted connection
func newBackend(t *testing.T, handler func(*websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func sessionTestConfig(wsURL string) *config.Config {
	return &config.Config{
		BackendWSURL:               wsURL,
		AudioTurnTimeout:           3,
		TextTurnTimeout:            2,
		DispatcherPollInterval:     1,
		DialMaxAttempts:            2,
		DialInitialBackoff:         10,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
	}
}

// readFrame reads and decodes one frame on the server side
func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("Server read failed: %v", err)
		return &protocol.Frame{}
	}
	f, err := protocol.Decode(data)
	if err != nil {
		t.Errorf("Server decode failed: %v", err)
		return &protocol.Frame{}
	}
	return f
}

// writeFrame encodes and sends one frame on the server side
func writeFrame(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Errorf("Server write failed: %v", err)
	}
}

func TestManager_LazyConnect(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	srv, wsURL := newBackend(t, func(conn *websocket.Conn) { <-hold })
	defer srv.Close()

	m := NewManager(sessionTestConfig(wsURL))
	defer m.Close()

	if m.State() != StateDisconnected {
		t.Errorf("Expected disconnected before first use, got %v", m.State())
	}
	if m.Current() != nil {
		t.Error("Expected no connection before first use")
	}

	conn, err := m.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if conn == nil {
		t.Fatal("Expected a live connection")
	}
	if m.State() != StateConnected {
		t.Errorf("Expected connected, got %v", m.State())
	}

	// A second Get reuses the connection
	again, err := m.Get(context.Background())
	if err != nil {
		t.Fatalf("Second Get failed: %v", err)
	}
	if again != conn {
		t.Error("Expected Get to reuse the existing connection")
	}
}

func TestManager_SendDeliversFrame(t *testing.T) {
	received := make(chan *protocol.Frame, 1)
	srv, wsURL := newBackend(t, func(conn *websocket.Conn) {
		received <- readFrame(t, conn)
	})
	defer srv.Close()

	m := NewManager(sessionTestConfig(wsURL))
	defer m.Close()

	if err := m.Send(context.Background(), protocol.NewTextTurn("Hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case f := <-received:
		if f.Type != protocol.TypeTextMessage || f.Text != "Hello" {
			t.Errorf("Unexpected frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Backend never received the frame")
	}
}

func TestManager_SendRetriesAfterDrop(t *testing.T) {
	var accepted int32
	received := make(chan *protocol.Frame, 1)
	srv, wsURL := newBackend(t, func(conn *websocket.Conn) {
		if atomic.AddInt32(&accepted, 1) == 1 {
			// First connection only exists to be dropped
			return
		}
		received <- readFrame(t, conn)
	})
	defer srv.Close()

	m := NewManager(sessionTestConfig(wsURL))
	defer m.Close()

	conn, err := m.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	// Simulate the connection dropping between send and response
	conn.Close()

	if err := m.Send(context.Background(), protocol.NewTextTurn("retry me")); err != nil {
		t.Fatalf("Expected retry to succeed without caller involvement, got %v", err)
	}

	select {
	case f := <-received:
		if f.Text != "retry me" {
			t.Errorf("Expected retried frame, got %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Retried frame never arrived")
	}

	if n := atomic.LoadInt32(&accepted); n != 2 {
		t.Errorf("Expected exactly 2 connections, got %d", n)
	}
}

func TestManager_SendUnreachable(t *testing.T) {
	cfg := sessionTestConfig("ws://127.0.0.1:1/ws")
	cfg.DialMaxAttempts = 1
	m := NewManager(cfg)
	defer m.Close()

	err := m.Send(context.Background(), protocol.NewTextTurn("nobody home"))
	if !errors.Is(err, ErrBackendUnreachable) {
		t.Errorf("Expected ErrBackendUnreachable, got %v", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("Expected disconnected after failed send, got %v", m.State())
	}
}

func TestManager_CircuitBreakerOpensAfterDialFailures(t *testing.T) {
	cfg := sessionTestConfig("ws://127.0.0.1:1/ws")
	cfg.DialMaxAttempts = 1
	cfg.CircuitBreakerMaxFailures = 2
	m := NewManager(cfg)
	defer m.Close()

	for i := 0; i < 2; i++ {
		if _, err := m.Get(context.Background()); err == nil {
			t.Fatal("Expected dial to fail")
		}
	}

	_, err := m.Get(context.Background())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Expected circuit to be open, got %v", err)
	}
}

func TestManager_ResetIgnoresStaleConnection(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	srv, wsURL := newBackend(t, func(conn *websocket.Conn) { <-hold })
	defer srv.Close()

	m := NewManager(sessionTestConfig(wsURL))
	defer m.Close()

	conn, err := m.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	m.Reset(nil)
	if m.State() != StateConnected {
		t.Error("Expected Reset(nil) to be a no-op")
	}

	m.Reset(conn)
	if m.State() != StateDisconnected {
		t.Error("Expected Reset of the current connection to disconnect")
	}

	// Resetting the same connection twice must not disturb a later dial
	next, err := m.Get(context.Background())
	if err != nil {
		t.Fatalf("Redial failed: %v", err)
	}
	m.Reset(conn)
	if m.Current() != next {
		t.Error("Expected stale Reset to leave the new connection alone")
	}
}

func TestManager_CloseWaitsForInFlightDial(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Slow handshake keeps the dial in flight while Close runs
		time.Sleep(200 * time.Millisecond)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-hold
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	m := NewManager(sessionTestConfig(wsURL))

	dialed := make(chan struct{})
	go func() {
		defer close(dialed)
		m.Get(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	m.Close()
	<-dialed

	if m.State() != StateDisconnected {
		t.Errorf("Expected disconnected after Close, got %v", m.State())
	}
	if m.Current() != nil {
		t.Error("Expected no connection to survive Close")
	}
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	m := NewManager(sessionTestConfig("ws://127.0.0.1:1/ws"))
	m.Close()
	m.Close()

	if m.State() != StateDisconnected {
		t.Errorf("Expected disconnected after close, got %v", m.State())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("Expected %q, got %q", tt.expected, got)
		}
	}
}
