package relay

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is a resilient topic pub/sub transport over one persistent socket
// connection. It survives abrupt disconnects, queues outbound envelopes while
// no connection is available, and replays registered subscriptions whenever a
// fresh connection is established. At most one connection is active and at
// most one candidate attempt is in flight at any time; a candidate is
// promoted only after the previous active connection has been closed.
type Session struct {
	clientID string

	lock sync.Mutex

	url       string
	active    *wsConn
	candidate *wsConn
	open      bool
	paused    bool

	queue    *outboundQueue
	registry *subscriptionRegistry
	router   *DispatchRouter

	// opening is the completion signal shared by every concurrent Open caller
	// for the current in-flight attempt.
	opening chan struct{}
	openErr error

	backoffCancel chan struct{}
	closeEpoch    uint64

	delayStrategy ReconnectDelayStrategy
	errorHandler  func(err error)
}

// NewSession returns a new Session.
func NewSession() *Session {
	session := &Session{
		clientID:      uuid.NewString(),
		queue:         newOutboundQueue(),
		registry:      newSubscriptionRegistry(),
		router:        NewDispatchRouter(),
		delayStrategy: NewFixedDelayStrategy(DefaultReconnectDelay),
	}
	session.errorHandler = func(err error) {
		fmt.Println(time.Now().Local().String()+" ["+session.clientID+"] >>>", err)
	}
	return session
}

// ClientID returns the generated identifier for this session instance.
func (session *Session) ClientID() string { return session.clientID }

// Router exposes the dispatch facility for lifecycle and topic handlers.
func (session *Session) Router() *DispatchRouter { return session.router }

// SetErrorHandler sets the sink for absorbed transport faults.
func (session *Session) SetErrorHandler(errorHandler func(error)) *Session {
	if errorHandler != nil {
		session.errorHandler = errorHandler
	}
	return session
}

// SetReconnectDelay sets a fixed backoff applied after abnormal closes.
func (session *Session) SetReconnectDelay(delay time.Duration) *Session {
	session.lock.Lock()
	session.delayStrategy = NewFixedDelayStrategy(delay)
	session.lock.Unlock()
	return session
}

// SetReconnectDelayStrategy sets reconnect delay strategy on the receiver.
func (session *Session) SetReconnectDelayStrategy(strategy ReconnectDelayStrategy) *Session {
	if strategy == nil {
		strategy = NewFixedDelayStrategy(DefaultReconnectDelay)
	}
	session.lock.Lock()
	session.delayStrategy = strategy
	session.lock.Unlock()
	return session
}

// IsOpen reports whether the session currently holds an active connection.
func (session *Session) IsOpen() bool {
	session.lock.Lock()
	defer session.lock.Unlock()
	return session.open
}

// URL returns the current normalized target URL.
func (session *Session) URL() string {
	session.lock.Lock()
	defer session.lock.Unlock()
	return session.url
}

// Topics returns the registered subscription topics in replay order.
func (session *Session) Topics() []string {
	session.lock.Lock()
	defer session.lock.Unlock()
	return session.registry.list()
}

// QueueDepth returns the number of envelopes awaiting transmission.
func (session *Session) QueueDepth() int {
	session.lock.Lock()
	defer session.lock.Unlock()
	return session.queue.depth()
}

// normalizeSocketURL maps http/https inputs to their ws/wss equivalents and
// validates the result.
func normalizeSocketURL(raw string) (string, error) {
	normalized := raw
	switch {
	case strings.HasPrefix(raw, "http://"):
		normalized = "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "https://"):
		normalized = "wss://" + strings.TrimPrefix(raw, "https://")
	}

	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", NewError(InvalidURIError, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", NewError(InvalidURIError, "unsupported scheme '"+parsed.Scheme+"'")
	}
	if parsed.Host == "" {
		return "", NewError(InvalidURIError, "missing host")
	}
	return normalized, nil
}

// Open establishes a connection to the target URL. Opening a different URL, or
// passing clearSubscriptions, discards the subscription registry and any
// queued envelopes first. Concurrent Open calls collapse into one in-flight
// attempt: every caller returns once that attempt completes.
func (session *Session) Open(target string, clearSubscriptions bool) error {
	normalized, err := normalizeSocketURL(target)
	if err != nil {
		return err
	}

	session.lock.Lock()
	if normalized != session.url || clearSubscriptions {
		session.clearSubscriptionsLocked()
	}
	session.url = normalized

	done, initiated := session.beginAttemptLocked()
	session.lock.Unlock()

	if initiated {
		return session.attempt(done)
	}

	<-done
	session.lock.Lock()
	attemptErr := session.openErr
	session.lock.Unlock()
	return attemptErr
}

// beginAttemptLocked coalesces into an in-flight attempt when one exists, or
// starts a new one. An attempt whose candidate was left in a closed state is
// an internal inconsistency; the stale candidate is discarded and its waiters
// are released before a fresh attempt starts.
func (session *Session) beginAttemptLocked() (chan struct{}, bool) {
	if session.opening != nil {
		if session.candidate == nil || !session.candidate.isClosed() {
			return session.opening, false
		}
		session.candidate = nil
		session.openErr = NewError(ConnectionError, "discarded a stale connection attempt")
		close(session.opening)
		session.opening = nil
	}
	session.opening = make(chan struct{})
	return session.opening, true
}

func (session *Session) finishAttemptLocked(done chan struct{}, err error) {
	session.openErr = err
	if session.opening == done {
		close(done)
		session.opening = nil
	}
}

// attempt runs one connection attempt: dial a candidate, then close the
// previous active connection, promote, replay subscriptions, and flush the
// outbound queue. The promotion sequence runs inside the session's critical
// section so it appears atomic to concurrent Send/Subscribe/Open calls.
func (session *Session) attempt(done chan struct{}) error {
	session.lock.Lock()
	if session.opening != done {
		// Abandoned by Close before the candidate was created.
		session.lock.Unlock()
		return NewError(DisconnectedError, "session closed during connect")
	}
	target := session.url
	candidate := newWSConn(target)
	candidate.onMessage = func(data []byte) { session.handleInbound(candidate, data) }
	candidate.onClose = func(code int) { session.handleConnClose(candidate, code) }
	candidate.onError = func(err error) { session.reportError(err) }
	session.candidate = candidate
	session.lock.Unlock()

	if err := candidate.connect(); err != nil {
		session.lock.Lock()
		if session.candidate == candidate {
			session.candidate = nil
		}
		session.finishAttemptLocked(done, err)
		session.lock.Unlock()
		session.reportError(err)
		return err
	}

	session.lock.Lock()
	if session.candidate != candidate {
		// Discarded while dialing (explicit Close). Drop the fresh socket.
		session.finishAttemptLocked(done, NewError(DisconnectedError, "session closed during connect"))
		session.lock.Unlock()
		candidate.detachCloseHandler()
		_ = candidate.close()
		return NewError(DisconnectedError, "session closed during connect")
	}

	if previous := session.active; previous != nil {
		previous.detachCloseHandler()
		if closeErr := previous.close(); closeErr != nil && !isNotConnected(closeErr) {
			session.reportError(closeErr)
		}
	}
	session.active = candidate
	session.candidate = nil
	session.open = true

	replayed := make(map[string]struct{})
	for _, topic := range session.registry.list() {
		replayed[topic] = struct{}{}
		_ = session.transmitLocked(newSubEnvelope(topic))
	}
	for _, envelope := range session.queue.drain() {
		if envelope.Type == TypeSub {
			if _, alreadyReplayed := replayed[envelope.Topic]; alreadyReplayed {
				continue
			}
		}
		_ = session.transmitLocked(envelope)
	}

	session.delayStrategy.Reset()
	session.finishAttemptLocked(done, nil)
	session.lock.Unlock()

	session.router.notifyOpened()
	return nil
}

// transmitLocked encodes and sends one envelope on the active connection.
// A failed write puts the envelope back on the queue so it is retried on the
// next connection cycle.
func (session *Session) transmitLocked(envelope Envelope) error {
	data, err := EncodeEnvelope(envelope)
	if err != nil {
		session.reportError(err)
		return err
	}
	if session.active == nil {
		session.queue.push(envelope)
		return NewError(DisconnectedError, "no active connection")
	}
	if sendErr := session.active.send(data); sendErr != nil {
		session.queue.push(envelope)
		return sendErr
	}
	return nil
}

// Send transmits an envelope immediately when the session is open. While
// disconnected or connecting it enqueues the envelope and coalesces with the
// in-flight attempt, so the message is delivered once connectivity returns.
func (session *Session) Send(envelope Envelope) error {
	session.lock.Lock()
	if session.open && session.active != nil {
		err := session.transmitLocked(envelope)
		session.lock.Unlock()
		return err
	}

	session.queue.push(envelope)
	if session.url == "" {
		session.lock.Unlock()
		return nil
	}
	done, initiated := session.beginAttemptLocked()
	session.lock.Unlock()

	if initiated {
		go func() { _ = session.attempt(done) }()
	}
	return nil
}

// Subscribe registers the topic for delivery and sends a subscribe-envelope,
// queueing it when disconnected. Registry membership is idempotent: repeated
// calls for one topic do not duplicate it. Optional handlers are bound to the
// topic through the dispatch router.
func (session *Session) Subscribe(topic string, handlers ...EnvelopeHandler) error {
	if topic == "" {
		return NewError(SubscriptionError, "a topic must be specified")
	}
	for _, handler := range handlers {
		session.router.Bind(topic, handler)
	}

	session.lock.Lock()
	session.registry.add(topic)
	envelope := newSubEnvelope(topic)
	if session.open && session.active != nil {
		err := session.transmitLocked(envelope)
		session.lock.Unlock()
		return err
	}

	session.queue.push(envelope)
	if session.url == "" {
		session.lock.Unlock()
		return nil
	}
	done, initiated := session.beginAttemptLocked()
	session.lock.Unlock()

	if initiated {
		go func() { _ = session.attempt(done) }()
	}
	return nil
}

// Unsubscribe removes one topic from the registry and drops its handler
// bindings. Envelopes already queued for the topic are left untouched.
func (session *Session) Unsubscribe(topic string) {
	session.lock.Lock()
	session.registry.remove(topic)
	session.lock.Unlock()
	session.router.Unbind(topic)
}

// ClearSubscriptions removes every registry entry, drops the bindings for
// each topic, and abandons any queued envelopes.
func (session *Session) ClearSubscriptions() {
	session.lock.Lock()
	session.clearSubscriptionsLocked()
	session.lock.Unlock()
}

func (session *Session) clearSubscriptionsLocked() {
	for _, topic := range session.registry.clear() {
		session.router.Unbind(topic)
	}
	session.queue.clear()
}

// Close gracefully closes the active connection. The abnormal-close handler
// is detached first so an explicit close never triggers a reconnect, and the
// Closed event is emitted unconditionally even when the underlying close
// fails. The benign already-closed error is swallowed; any other close error
// is returned after the event has fired.
func (session *Session) Close() error {
	session.lock.Lock()
	session.closeEpoch++
	session.cancelBackoffLocked()

	active := session.active
	session.active = nil
	session.open = false

	if session.candidate != nil {
		session.candidate.detachCloseHandler()
		session.candidate = nil
	}
	if session.opening != nil {
		session.finishAttemptLocked(session.opening, NewError(DisconnectedError, "session closed during connect"))
	}
	session.lock.Unlock()

	defer session.router.notifyClosed()

	if active == nil {
		return nil
	}
	active.detachCloseHandler()
	if err := active.close(); err != nil && !isNotConnected(err) {
		return err
	}
	return nil
}

// Suspend pauses the session for a backgrounded host: reconnects are
// suppressed and the active connection is closed gracefully.
func (session *Session) Suspend() error {
	session.lock.Lock()
	session.paused = true
	session.lock.Unlock()
	return session.Close()
}

// Resume re-opens the last target URL without clearing subscriptions and then
// re-issues a Subscribe for every registered topic, covering any replay gap
// from the paused window.
func (session *Session) Resume() error {
	session.lock.Lock()
	session.paused = false
	target := session.url
	topics := session.registry.list()
	session.lock.Unlock()

	if target == "" {
		return nil
	}
	if err := session.Open(target, false); err != nil {
		return err
	}
	for _, topic := range topics {
		if err := session.Subscribe(topic); err != nil {
			return err
		}
	}
	return nil
}

// handleInbound decodes one wire frame, acknowledges it, and dispatches the
// envelope. Decode failures are reported to the error sink and dropped; they
// never terminate the receive loop.
func (session *Session) handleInbound(conn *wsConn, data []byte) {
	envelope, err := DecodeEnvelope(data)
	if err != nil {
		session.reportError(err)
		return
	}

	// Best-effort ack echo. Acks themselves are not acknowledged, otherwise
	// two sessions would ping-pong control traffic forever.
	if envelope.Type != TypeAck {
		if ackData, ackErr := EncodeEnvelope(newAckEnvelope(envelope.Topic)); ackErr == nil {
			_ = conn.send(ackData)
		}
	}

	if envelope.Silent {
		return
	}
	if dispatchErr := session.router.Dispatch(envelope); dispatchErr != nil {
		session.reportError(dispatchErr)
	}
}

// handleConnClose reacts to the active connection ending on its own. Abnormal
// close codes wait out the reconnect backoff before a new attempt; clean
// codes retry immediately. A paused session never reconnects, and Close or
// Suspend interrupt a pending backoff.
func (session *Session) handleConnClose(conn *wsConn, code int) {
	session.lock.Lock()
	if conn == session.candidate {
		session.candidate = nil
	}
	wasActive := conn == session.active
	if wasActive {
		session.active = nil
		session.open = false
	}
	paused := session.paused
	target := session.url
	epoch := session.closeEpoch

	// The cancel channel is installed in the same critical section that
	// records the disconnect, so a racing Close always finds it.
	var cancel chan struct{}
	var delay time.Duration
	if wasActive && !paused && target != "" && !isCleanCloseCode(code) {
		delay = session.delayStrategy.ConnectWaitDuration(target)
		cancel = make(chan struct{})
		session.cancelBackoffLocked()
		session.backoffCancel = cancel
	}
	session.lock.Unlock()

	if wasActive {
		session.router.notifyClosed()
	}
	if !wasActive || paused || target == "" {
		return
	}

	if cancel != nil {
		interrupted := false
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-cancel:
				interrupted = true
			}
		}
		session.lock.Lock()
		if session.backoffCancel == cancel {
			session.backoffCancel = nil
		}
		session.lock.Unlock()
		if interrupted {
			return
		}
	}

	session.lock.Lock()
	stale := session.paused || session.open || session.closeEpoch != epoch
	session.lock.Unlock()
	if stale {
		return
	}

	if err := session.Open(target, false); err != nil {
		session.reportError(err)
	}
}

func (session *Session) cancelBackoffLocked() {
	if session.backoffCancel != nil {
		close(session.backoffCancel)
		session.backoffCancel = nil
	}
}

func (session *Session) reportError(err error) {
	if session.errorHandler != nil {
		session.errorHandler(err)
	}
}
