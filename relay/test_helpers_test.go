package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeRelay is an in-process websocket relay endpoint for integration tests.
// It records every decoded inbound envelope, counts accepted connections, and
// can push frames or drop connections to simulate server-side failures.
type fakeRelay struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	lock        sync.Mutex
	conns       []*websocket.Conn
	connections int
	holdUpgrade chan struct{}

	inbound chan Envelope
	raw     chan []byte
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	relay := &fakeRelay{
		t:        t,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		inbound:  make(chan Envelope, 128),
		raw:      make(chan []byte, 128),
	}
	relay.server = httptest.NewServer(http.HandlerFunc(relay.handle))
	return relay
}

// holdUpgrades makes the next upgrades block until the returned release
// function is called, holding concurrent dialers in flight.
func (relay *fakeRelay) holdUpgrades() (release func()) {
	gate := make(chan struct{})
	relay.lock.Lock()
	relay.holdUpgrade = gate
	relay.lock.Unlock()
	return func() {
		relay.lock.Lock()
		if relay.holdUpgrade == gate {
			relay.holdUpgrade = nil
		}
		relay.lock.Unlock()
		close(gate)
	}
}

func (relay *fakeRelay) handle(writer http.ResponseWriter, request *http.Request) {
	relay.lock.Lock()
	gate := relay.holdUpgrade
	relay.lock.Unlock()
	if gate != nil {
		<-gate
	}

	conn, err := relay.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		return
	}

	relay.lock.Lock()
	relay.conns = append(relay.conns, conn)
	relay.connections++
	relay.lock.Unlock()

	for {
		_, data, readErr := conn.ReadMessage()
		if readErr != nil {
			return
		}
		relay.raw <- data
		if envelope, decodeErr := DecodeEnvelope(data); decodeErr == nil {
			relay.inbound <- envelope
		}
	}
}

func (relay *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(relay.server.URL, "http")
}

func (relay *fakeRelay) connectionCount() int {
	relay.lock.Lock()
	defer relay.lock.Unlock()
	return relay.connections
}

// nextEnvelope waits for the next inbound envelope, failing the test on
// timeout.
func (relay *fakeRelay) nextEnvelope(timeout time.Duration) Envelope {
	relay.t.Helper()
	select {
	case envelope := <-relay.inbound:
		return envelope
	case <-time.After(timeout):
		relay.t.Fatalf("timed out after %v waiting for an inbound envelope", timeout)
		return Envelope{}
	}
}

// expectNoEnvelope asserts that nothing arrives within the window.
func (relay *fakeRelay) expectNoEnvelope(window time.Duration) {
	relay.t.Helper()
	select {
	case envelope := <-relay.inbound:
		relay.t.Fatalf("unexpected inbound envelope %+v", envelope)
	case <-time.After(window):
	}
}

// push writes bytes to the most recently accepted connection.
func (relay *fakeRelay) push(data []byte) {
	relay.t.Helper()
	relay.lock.Lock()
	defer relay.lock.Unlock()
	if len(relay.conns) == 0 {
		relay.t.Fatalf("push with no accepted connection")
	}
	conn := relay.conns[len(relay.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		relay.t.Fatalf("push failed: %v", err)
	}
}

func (relay *fakeRelay) pushEnvelope(envelope Envelope) {
	relay.t.Helper()
	data, err := EncodeEnvelope(envelope)
	if err != nil {
		relay.t.Fatalf("encode failed: %v", err)
	}
	relay.push(data)
}

// dropConnections terminates every accepted connection. Abnormal drops close
// the underlying socket without a close handshake so clients observe an
// abnormal close code; clean drops perform the close handshake first.
func (relay *fakeRelay) dropConnections(abnormal bool) {
	relay.lock.Lock()
	conns := relay.conns
	relay.conns = nil
	relay.lock.Unlock()

	for _, conn := range conns {
		if !abnormal {
			deadline := time.Now().Add(200 * time.Millisecond)
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				deadline,
			)
			time.Sleep(20 * time.Millisecond)
		}
		_ = conn.Close()
	}
}

func (relay *fakeRelay) close() {
	relay.dropConnections(true)
	relay.server.Close()
}

// openSessionTo opens a quiet session against the fake relay with a short
// reconnect delay suitable for tests.
func openSessionTo(t *testing.T, relay *fakeRelay) *Session {
	t.Helper()
	session := NewSession().
		SetErrorHandler(func(error) {}).
		SetReconnectDelay(25 * time.Millisecond)
	if err := session.Open(relay.url(), false); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return session
}

// waitFor polls a condition until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool, description string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, description)
}
