package main

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/relaymesh/relay-client-go/relay"
)

// clientConn is one accepted websocket connection. Writes are serialized;
// the read loop decodes envelopes and hands them to the hub.
type clientConn struct {
	connID  string
	conn    *websocket.Conn
	log     zerolog.Logger
	limiter *rate.Limiter

	writeLock sync.Mutex
}

func newClientConn(conn *websocket.Conn, log zerolog.Logger, publishRPS float64, burst int) *clientConn {
	client := &clientConn{
		connID: uuid.NewString(),
		conn:   conn,
	}
	client.log = log.With().Str("client", client.connID).Logger()
	if publishRPS > 0 {
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(publishRPS), burst)
	}
	return client
}

func (c *clientConn) id() string { return c.connID }

func (c *clientConn) deliver(envelope relay.Envelope) error {
	data, err := relay.EncodeEnvelope(envelope)
	if err != nil {
		return err
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop consumes frames until the connection ends. Malformed frames are
// logged and dropped; rate-limited publishes are discarded.
func (c *clientConn) readLoop(h *hub) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
		c.log.Debug().Msg("disconnected")
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		envelope, decodeErr := relay.DecodeEnvelope(data)
		if decodeErr != nil {
			c.log.Warn().Err(decodeErr).Msg("dropping malformed frame")
			continue
		}
		if c.limiter != nil && envelope.Type != relay.TypeSub && !c.limiter.Allow() {
			metricDropped.Inc()
			c.log.Warn().Str("topic", envelope.Topic).Msg("rate limit exceeded, envelope dropped")
			continue
		}

		h.handleEnvelope(c, envelope)
	}
}
