package main

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// server accepts websocket sessions, feeds them into the hub, and exposes the
// metrics and drop endpoints.
type server struct {
	hub      *hub
	log      zerolog.Logger
	opts     options
	upgrader websocket.Upgrader

	lock  sync.Mutex
	conns map[*clientConn]struct{}
}

func newServer(opts options, log zerolog.Logger) *server {
	return &server{
		hub:      newHub(log, opts.CacheDepth),
		log:      log,
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[*clientConn]struct{}),
	}
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSocket)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/drop", s.handleDrop)
	return mux
}

func (s *server) handleSocket(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	metricConnections.Inc()

	client := newClientConn(conn, s.log, s.opts.PublishRPS, s.opts.PublishBurst)
	s.lock.Lock()
	s.conns[client] = struct{}{}
	s.lock.Unlock()
	client.log.Info().Str("remote", request.RemoteAddr).Msg("connected")

	client.readLoop(s.hub)

	s.lock.Lock()
	delete(s.conns, client)
	s.lock.Unlock()
}

// handleDrop force-closes every connection without a close handshake so
// clients observe an abnormal close. Used to exercise reconnect paths.
func (s *server) handleDrop(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(writer, "POST required", http.StatusMethodNotAllowed)
		return
	}

	s.lock.Lock()
	clients := make([]*clientConn, 0, len(s.conns))
	for client := range s.conns {
		clients = append(clients, client)
	}
	s.lock.Unlock()

	for _, client := range clients {
		_ = client.conn.Close()
	}
	s.log.Info().Int("dropped", len(clients)).Msg("dropped all connections")
	writer.WriteHeader(http.StatusNoContent)
}
