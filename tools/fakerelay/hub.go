package main

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/relaymesh/relay-client-go/relay"
)

var (
	metricConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fakerelay_connections_total",
		Help: "Accepted websocket connections.",
	})
	metricEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fakerelay_envelopes_total",
		Help: "Inbound envelopes by type.",
	}, []string{"type"})
	metricCached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fakerelay_cached_envelopes",
		Help: "Envelopes retained for topics with no subscriber.",
	})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fakerelay_dropped_envelopes_total",
		Help: "Envelopes discarded by cache eviction or rate limiting.",
	})
)

// subscriber receives envelopes fanned out for a topic.
type subscriber interface {
	id() string
	deliver(envelope relay.Envelope) error
}

// hub routes envelopes between connections by topic. Envelopes published to a
// topic with no subscriber are cached (bounded per topic) and handed to the
// next subscriber, so a client that reconnects after a gap still sees traffic
// addressed to it.
type hub struct {
	log        zerolog.Logger
	cacheDepth int

	lock        sync.Mutex
	subscribers map[string]map[subscriber]struct{}
	cache       map[string][]relay.Envelope
}

func newHub(log zerolog.Logger, cacheDepth int) *hub {
	if cacheDepth < 0 {
		cacheDepth = 0
	}
	return &hub{
		log:         log,
		cacheDepth:  cacheDepth,
		subscribers: make(map[string]map[subscriber]struct{}),
		cache:       make(map[string][]relay.Envelope),
	}
}

// handleEnvelope dispatches one decoded inbound envelope. Acks terminate at
// the relay; subscribe envelopes register the sender; everything else is
// published to the topic.
func (h *hub) handleEnvelope(from subscriber, envelope relay.Envelope) {
	metricEnvelopes.WithLabelValues(envelope.Type).Inc()

	switch envelope.Type {
	case relay.TypeSub:
		h.subscribe(from, envelope.Topic)
	case relay.TypeAck:
		h.log.Debug().Str("client", from.id()).Str("topic", envelope.Topic).Msg("ack received")
	default:
		h.publish(from, envelope)
	}
}

// subscribe registers the sender for a topic and drains any cached envelopes
// to it.
func (h *hub) subscribe(from subscriber, topic string) {
	h.lock.Lock()
	if h.subscribers[topic] == nil {
		h.subscribers[topic] = make(map[subscriber]struct{})
	}
	h.subscribers[topic][from] = struct{}{}
	cached := h.cache[topic]
	delete(h.cache, topic)
	metricCached.Sub(float64(len(cached)))
	h.lock.Unlock()

	h.log.Debug().Str("client", from.id()).Str("topic", topic).
		Int("cached", len(cached)).Msg("subscribed")

	for _, envelope := range cached {
		if err := from.deliver(envelope); err != nil {
			h.log.Warn().Err(err).Str("client", from.id()).Msg("cached delivery failed")
			return
		}
	}
}

// publish fans an envelope out to every topic subscriber except the sender.
// With no other subscriber the envelope is cached up to the per-topic bound.
func (h *hub) publish(from subscriber, envelope relay.Envelope) {
	h.lock.Lock()
	var targets []subscriber
	for target := range h.subscribers[envelope.Topic] {
		if target != from {
			targets = append(targets, target)
		}
	}
	if len(targets) == 0 && h.cacheDepth > 0 {
		entries := append(h.cache[envelope.Topic], envelope)
		if len(entries) > h.cacheDepth {
			entries = entries[len(entries)-h.cacheDepth:]
			metricDropped.Inc()
		} else {
			metricCached.Inc()
		}
		h.cache[envelope.Topic] = entries
	}
	h.lock.Unlock()

	for _, target := range targets {
		if err := target.deliver(envelope); err != nil {
			h.log.Warn().Err(err).Str("client", target.id()).Msg("fan-out delivery failed")
		}
	}
}

// remove unregisters a connection from every topic.
func (h *hub) remove(from subscriber) {
	h.lock.Lock()
	for topic, members := range h.subscribers {
		delete(members, from)
		if len(members) == 0 {
			delete(h.subscribers, topic)
		}
	}
	h.lock.Unlock()
}

// subscriberCount reports the current subscriber count for a topic.
func (h *hub) subscriberCount(topic string) int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.subscribers[topic])
}

// cachedCount reports the cached envelope count for a topic.
func (h *hub) cachedCount(topic string) int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.cache[topic])
}
