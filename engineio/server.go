// Package engineio provides the WebSocket transport layer: it upgrades HTTP
// requests, performs the handshake, runs heartbeats and hands live sessions
// to the messaging core.
package engineio

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSlowClient    = errors.New("slow client")
)

// Config holds transport configuration.
type Config struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	MaxPayload   int64
	// CheckOrigin validates upgrade requests. Nil allows every origin.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() *Config {
	return &Config{
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		MaxPayload:   1e6,
	}
}

// Server upgrades HTTP requests to WebSocket sessions.
type Server struct {
	config   *Config
	upgrader websocket.Upgrader
	sessions sync.Map

	mu             sync.RWMutex
	onConnection   func(*Session)
	initialPayload [][]byte
}

// NewServer creates a transport server. A nil config selects the defaults.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin:       checkOrigin,
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			EnableCompression: true,
		},
	}
}

// OnConnection sets the handler invoked once per established session.
func (s *Server) OnConnection(fn func(*Session)) {
	s.mu.Lock()
	s.onConnection = fn
	s.mu.Unlock()
}

// SetInitialPayload sets message frames that are written immediately after
// the handshake, before any client frame is processed. The caller uses this
// to fuse an application-level greeting with the handshake response. Passing
// nil clears it.
func (s *Server) SetInitialPayload(frames [][]byte) {
	s.mu.Lock()
	s.initialPayload = frames
	s.mu.Unlock()
}

// ServeHTTP upgrades the request and starts the session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "only the websocket transport is supported", http.StatusBadRequest)
		return
	}

	request := &Request{
		Headers:    r.Header.Clone(),
		RemoteAddr: r.RemoteAddr,
		URL:        r.URL,
		Secure:     r.TLS != nil,
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(s.config.MaxPayload)

	sid := uuid.NewString()
	session := newSession(sid, conn, s, request)
	s.sessions.Store(sid, session)

	handshake, err := encodeHandshake(sid, s.config)
	if err != nil {
		conn.Close()
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, handshake); err != nil {
		conn.Close()
		return
	}

	s.mu.RLock()
	initial := s.initialPayload
	s.mu.RUnlock()
	for _, frame := range initial {
		payload := (&Packet{Type: PacketTypeMessage, Data: frame}).Encode()
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			return
		}
	}

	session.start()
	serverLog.Debug().Str("sid", sid).Msg("session opened")

	s.mu.RLock()
	fn := s.onConnection
	s.mu.RUnlock()
	if fn != nil {
		fn(session)
	}
}

// Session retrieves a live session by id.
func (s *Server) Session(sid string) (*Session, bool) {
	val, ok := s.sessions.Load(sid)
	if !ok {
		return nil, false
	}
	return val.(*Session), true
}

// Close closes every live session.
func (s *Server) Close() {
	s.sessions.Range(func(_, value any) bool {
		value.(*Session).Close("server shutting down")
		return true
	})
}
