package relay

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Connection states for a single underlying socket.
const (
	connIdle = int32(iota)
	connConnecting
	connOpen
	connClosing
	connClosed
)

const defaultHandshakeTimeout = 10 * time.Second

// wsConn wraps one gorilla/websocket connection. It is a pure transport
// primitive: connect, send, close, plus raw-message and lifecycle callbacks.
// Retry and queuing decisions belong to the session.
type wsConn struct {
	url    string
	header http.Header

	state atomic.Int32
	conn  *websocket.Conn

	writeLock sync.Mutex
	closeOnce sync.Once

	// detached suppresses the onClose callback; the session detaches the
	// handle before an explicit close so no auto-reconnect fires.
	detached atomic.Bool

	onOpen    func()
	onMessage func(data []byte)
	onClose   func(code int)
	onError   func(err error)
}

func newWSConn(url string) *wsConn {
	return &wsConn{url: url}
}

func (handle *wsConn) isClosed() bool {
	return handle.state.Load() == connClosed
}

func (handle *wsConn) isOpen() bool {
	return handle.state.Load() == connOpen
}

// connect dials the target URL and starts the read pump. The onOpen callback
// fires before any onMessage delivery.
func (handle *wsConn) connect() error {
	if !handle.state.CompareAndSwap(connIdle, connConnecting) {
		return NewError(ConnectionError, "connect called twice on one handle")
	}

	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, _, err := dialer.Dial(handle.url, handle.header)
	if err != nil {
		handle.state.Store(connClosed)
		return NewError(ConnectionRefusedError, err)
	}

	handle.conn = conn
	handle.state.Store(connOpen)

	if handle.onOpen != nil {
		handle.onOpen()
	}

	go handle.readPump()

	return nil
}

func (handle *wsConn) readPump() {
	for {
		_, data, err := handle.conn.ReadMessage()
		if err != nil {
			handle.fireClose(closeCodeOf(err))
			return
		}
		if handle.onMessage != nil {
			handle.onMessage(data)
		}
	}
}

func closeCodeOf(err error) int {
	if closeErr, ok := err.(*websocket.CloseError); ok {
		return closeErr.Code
	}
	return websocket.CloseAbnormalClosure
}

// isCleanCloseCode classifies a close code as an expected termination. Any
// other code is treated as abnormal and subject to reconnect backoff.
func isCleanCloseCode(code int) bool {
	return code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway
}

func (handle *wsConn) fireClose(code int) {
	handle.closeOnce.Do(func() {
		handle.state.Store(connClosed)
		if handle.detached.Load() {
			return
		}
		if handle.onClose != nil {
			handle.onClose(code)
		}
	})
}

// send transmits one text frame. Writes are serialized because the gorilla
// connection allows at most one concurrent writer.
func (handle *wsConn) send(data []byte) error {
	if handle.state.Load() != connOpen {
		return NewError(NotConnectedError, "send on a connection that is not open")
	}

	handle.writeLock.Lock()
	defer handle.writeLock.Unlock()

	if err := handle.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if handle.onError != nil {
			handle.onError(NewError(ConnectionError, err))
		}
		return NewError(ConnectionError, err)
	}
	return nil
}

// detachCloseHandler stops the handle from reporting its close upstream.
func (handle *wsConn) detachCloseHandler() {
	handle.detached.Store(true)
}

// close performs a graceful websocket close. Closing a handle that never
// opened, or that is already closed, returns NotConnectedError.
func (handle *wsConn) close() error {
	previous := handle.state.Swap(connClosing)
	if previous != connOpen {
		handle.state.Store(connClosed)
		return NewError(NotConnectedError, "connection is not connected")
	}

	handle.writeLock.Lock()
	_ = handle.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	handle.writeLock.Unlock()

	err := handle.conn.Close()
	handle.fireClose(websocket.CloseNormalClosure)
	if err != nil {
		return NewError(ConnectionError, err)
	}
	return nil
}
