package relay

import "sync"

// EnvelopeHandler consumes a decoded envelope. Handlers run on the receive
// path and should be written as thread-safe.
type EnvelopeHandler func(Envelope) error

// DispatchRouter fans decoded envelopes out to topic-bound handlers and
// lifecycle observers. Every registration point keeps an observer list rather
// than a single delegate, so independent collaborators attach without
// displacing one another and may fire zero or more times across reconnects.
type DispatchRouter struct {
	lock sync.Mutex

	topicRoutes map[string][]EnvelopeHandler

	messageObservers []EnvelopeHandler
	openObservers    []func()
	closeObservers   []func()
}

// NewDispatchRouter returns a new DispatchRouter.
func NewDispatchRouter() *DispatchRouter {
	return &DispatchRouter{topicRoutes: make(map[string][]EnvelopeHandler)}
}

// Bind attaches a handler to one topic. Multiple handlers per topic are
// delivered in registration order.
func (router *DispatchRouter) Bind(topic string, handler EnvelopeHandler) {
	if handler == nil {
		return
	}
	router.lock.Lock()
	router.topicRoutes[topic] = append(router.topicRoutes[topic], handler)
	router.lock.Unlock()
}

// Unbind drops every handler bound to the topic.
func (router *DispatchRouter) Unbind(topic string) {
	router.lock.Lock()
	delete(router.topicRoutes, topic)
	router.lock.Unlock()
}

// OnMessageReceived registers an observer for every caller-visible envelope.
func (router *DispatchRouter) OnMessageReceived(handler EnvelopeHandler) {
	if handler == nil {
		return
	}
	router.lock.Lock()
	router.messageObservers = append(router.messageObservers, handler)
	router.lock.Unlock()
}

// OnOpened registers an observer for session-opened events.
func (router *DispatchRouter) OnOpened(observer func()) {
	if observer == nil {
		return
	}
	router.lock.Lock()
	router.openObservers = append(router.openObservers, observer)
	router.lock.Unlock()
}

// OnClosed registers an observer for session-closed events.
func (router *DispatchRouter) OnClosed(observer func()) {
	if observer == nil {
		return
	}
	router.lock.Lock()
	router.closeObservers = append(router.closeObservers, observer)
	router.lock.Unlock()
}

// Dispatch delivers an envelope to the topic's handlers and to every
// message observer. The first handler error is returned after all handlers
// have run.
func (router *DispatchRouter) Dispatch(envelope Envelope) (err error) {
	router.lock.Lock()
	handlers := append([]EnvelopeHandler(nil), router.topicRoutes[envelope.Topic]...)
	observers := append([]EnvelopeHandler(nil), router.messageObservers...)
	router.lock.Unlock()

	for _, handler := range handlers {
		if handlerErr := handler(envelope); handlerErr != nil && err == nil {
			err = handlerErr
		}
	}
	for _, observer := range observers {
		if observerErr := observer(envelope); observerErr != nil && err == nil {
			err = observerErr
		}
	}
	return err
}

func (router *DispatchRouter) notifyOpened() {
	router.lock.Lock()
	observers := append([]func(){}, router.openObservers...)
	router.lock.Unlock()
	for _, observer := range observers {
		observer()
	}
}

func (router *DispatchRouter) notifyClosed() {
	router.lock.Lock()
	observers := append([]func(){}, router.closeObservers...)
	router.lock.Unlock()
	for _, observer := range observers {
		observer()
	}
}
