package engineio

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Request is an immutable snapshot of the HTTP request that opened the
// session, captured at upgrade time.
type Request struct {
	Headers    http.Header
	RemoteAddr string
	URL        *url.URL
	Secure     bool
}

type outFrame struct {
	data     []byte
	binary   bool
	compress bool
}

// Session is one live transport connection. All exported methods are safe
// for concurrent use.
type Session struct {
	id      string
	conn    *websocket.Conn
	server  *Server
	request *Request

	outgoing    chan outFrame
	closed      chan struct{}
	closeOnce   sync.Once
	writeMu     sync.Mutex // serializes writes on conn; gorilla allows one writer
	pingTimer   *time.Timer
	pingTimeout *time.Timer
	timerMu     sync.Mutex

	mu        sync.RWMutex
	state     string
	onMessage func(data []byte, binary bool)
	onError   func(err error)
	onClose   func(reason string)
}

func newSession(id string, conn *websocket.Conn, server *Server, request *Request) *Session {
	return &Session{
		id:       id,
		conn:     conn,
		server:   server,
		request:  request,
		outgoing: make(chan outFrame, 256),
		closed:   make(chan struct{}),
		state:    "open",
	}
}

// ID returns the session id, unique within the process.
func (s *Session) ID() string {
	return s.id
}

// Request returns the snapshot of the originating HTTP request.
func (s *Session) Request() *Request {
	return s.request
}

// ReadyState reports the connection state: "open", "closing" or "closed".
func (s *Session) ReadyState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Writable reports whether a write would currently be accepted without
// queueing pressure. Volatile senders use it to decide whether to drop.
func (s *Session) Writable() bool {
	s.mu.RLock()
	open := s.state == "open"
	s.mu.RUnlock()
	return open && len(s.outgoing) < cap(s.outgoing)
}

// start spins up the read and write loops and schedules the first ping.
func (s *Session) start() {
	go s.writeLoop()
	go s.readLoop()
	s.schedulePing()
}

// WriteMessage queues one message frame. Text frames are wrapped in the
// engine message framing; binary frames are written raw.
func (s *Session) WriteMessage(data []byte, binary, compress bool) error {
	var f outFrame
	if binary {
		f = outFrame{data: data, binary: true, compress: compress}
	} else {
		f = outFrame{data: (&Packet{Type: PacketTypeMessage, Data: data}).Encode(), compress: compress}
	}
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.outgoing <- f:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		return ErrSlowClient
	}
}

func (s *Session) sendPacket(p *Packet) {
	select {
	case s.outgoing <- outFrame{data: p.Encode()}:
	case <-s.closed:
	default:
	}
}

// OnMessage sets the message handler. Passing nil detaches it.
func (s *Session) OnMessage(fn func(data []byte, binary bool)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

// OnError sets the error handler. Passing nil detaches it.
func (s *Session) OnError(fn func(err error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// OnClose sets the close handler. Passing nil detaches it.
func (s *Session) OnClose(fn func(reason string)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// Close tears the session down. Safe to call more than once; only the first
// call has any effect.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = "closing"
		s.mu.Unlock()

		close(s.closed)
		s.stopTimers()

		s.writeMu.Lock()
		s.conn.WriteMessage(websocket.TextMessage, (&Packet{Type: PacketTypeClose}).Encode())
		s.conn.Close()
		s.writeMu.Unlock()

		s.mu.Lock()
		s.state = "closed"
		fn := s.onClose
		s.mu.Unlock()

		s.server.sessions.Delete(s.id)
		sessionLog.Debug().Str("sid", s.id).Str("reason", reason).Msg("session closed")
		if fn != nil {
			fn(reason)
		}
	})
}

func (s *Session) readLoop() {
	defer s.Close("transport close")

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emitError(err)
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			s.emitMessage(data, true)
			continue
		}

		packet, err := DecodePacket(data)
		if err != nil {
			s.emitError(err)
			continue
		}
		s.handlePacket(packet)
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.outgoing:
			messageType := websocket.TextMessage
			if f.binary {
				messageType = websocket.BinaryMessage
			}
			s.writeMu.Lock()
			s.conn.EnableWriteCompression(f.compress)
			err := s.conn.WriteMessage(messageType, f.data)
			s.writeMu.Unlock()
			if err != nil {
				s.Close("write error")
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) handlePacket(p *Packet) {
	switch p.Type {
	case PacketTypePing:
		s.sendPacket(&Packet{Type: PacketTypePong})
	case PacketTypePong:
		s.timerMu.Lock()
		if s.pingTimeout != nil {
			s.pingTimeout.Stop()
		}
		s.timerMu.Unlock()
		s.schedulePing()
	case PacketTypeMessage:
		s.emitMessage(p.Data, false)
	case PacketTypeClose:
		s.Close("transport close")
	}
}

func (s *Session) emitMessage(data []byte, binary bool) {
	s.mu.RLock()
	fn := s.onMessage
	s.mu.RUnlock()
	if fn != nil {
		fn(data, binary)
	}
}

func (s *Session) emitError(err error) {
	s.mu.RLock()
	fn := s.onError
	s.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (s *Session) schedulePing() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.pingTimer = time.AfterFunc(s.server.config.PingInterval, func() {
		s.sendPacket(&Packet{Type: PacketTypePing})
		s.timerMu.Lock()
		s.pingTimeout = time.AfterFunc(s.server.config.PingTimeout, func() {
			s.Close("ping timeout")
		})
		s.timerMu.Unlock()
	})
}

func (s *Session) stopTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	if s.pingTimeout != nil {
		s.pingTimeout.Stop()
	}
}
