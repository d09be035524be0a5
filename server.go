package sio

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evelar/sio/engineio"
	"github.com/evelar/sio/parser"
)

// Config holds server configuration. The zero value selects the defaults.
type Config struct {
	// ConnectTimeout is how long a transport connection may stay without
	// joining any namespace before it is dropped. Defaults to 45s.
	ConnectTimeout time.Duration
	// Engine configures the transport layer.
	Engine *engineio.Config
	// Adapter builds the per-namespace adapter. Defaults to NewMemoryAdapter.
	Adapter AdapterFactory
}

// Server accepts transport connections and routes their packets into
// namespaces.
type Server struct {
	eio     *engineio.Server
	encoder parser.Encoder

	connectTimeout time.Duration
	adapterFactory AdapterFactory

	mu            sync.RWMutex
	nsps          map[string]*Namespace
	parentNsps    []*ParentNamespace
	parentCounter atomic.Uint64

	initialMu      sync.RWMutex
	initialEnabled bool
}

// NewServer creates a server with its default namespace and transport
// attached. A nil config selects the defaults.
func NewServer(config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	connectTimeout := config.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 45 * time.Second
	}
	adapterFactory := config.Adapter
	if adapterFactory == nil {
		adapterFactory = NewMemoryAdapter
	}

	server := &Server{
		connectTimeout: connectTimeout,
		adapterFactory: adapterFactory,
		nsps:           make(map[string]*Namespace),
	}
	server.Of("/")
	server.Attach(engineio.NewServer(config.Engine))
	return server
}

// Attach binds the server to a transport. When the default namespace has no
// middleware, the CONNECT ack for "/" is fused with the transport handshake
// so a fresh client needs no extra round trip.
func (s *Server) Attach(eio *engineio.Server) {
	s.eio = eio
	eio.OnConnection(func(session *engineio.Session) {
		serverLog.Debug().Str("sid", session.ID()).Msg("incoming connection")
		client := newClient(s, session)
		client.enqueue(func() { client.connect("/", nil) })
	})

	if s.Of("/").middlewareCount() == 0 {
		frames, err := s.encoder.Encode(&parser.Packet{Type: parser.PacketTypeConnect, Nsp: "/"})
		if err == nil && len(frames) == 1 && !frames[0].Binary {
			s.initialMu.Lock()
			s.initialEnabled = true
			s.initialMu.Unlock()
			eio.SetInitialPayload([][]byte{frames[0].Data})
		}
	}
}

// initialPacketEnabled reports whether the handshake carries the CONNECT ack
// for the default namespace.
func (s *Server) initialPacketEnabled() bool {
	s.initialMu.RLock()
	defer s.initialMu.RUnlock()
	return s.initialEnabled
}

// clearInitialPacket cancels the fused CONNECT ack. Called when middleware is
// installed on the default namespace.
func (s *Server) clearInitialPacket() {
	s.initialMu.Lock()
	enabled := s.initialEnabled
	s.initialEnabled = false
	s.initialMu.Unlock()
	if enabled && s.eio != nil {
		s.eio.SetInitialPayload(nil)
	}
}

// Of returns the namespace under the given name, creating it on first use.
// Names are canonicalized to start with "/".
func (s *Server) Of(name string) *Namespace {
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}

	s.mu.RLock()
	nsp, ok := s.nsps[name]
	s.mu.RUnlock()
	if ok {
		return nsp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if nsp, ok := s.nsps[name]; ok {
		return nsp
	}
	serverLog.Debug().Str("nsp", name).Msg("initializing namespace")
	nsp = newNamespace(s, name)
	s.nsps[name] = nsp
	return nsp
}

// OfMatcher registers a parent namespace: connects to names no static
// namespace serves are offered to the matcher, and accepted names spawn
// concrete child namespaces from the parent template.
func (s *Server) OfMatcher(matcher MatcherFunc) *ParentNamespace {
	parent := newParentNamespace(s, matcher)
	s.mu.Lock()
	s.parentNsps = append(s.parentNsps, parent)
	s.mu.Unlock()
	return parent
}

// OfRegexp registers a parent namespace matching names against the pattern.
func (s *Server) OfRegexp(pattern *regexp.Regexp) *ParentNamespace {
	return s.OfMatcher(func(name string, _ url.Values, fn func(error, bool)) {
		fn(nil, pattern.MatchString(name))
	})
}

func (s *Server) hasNamespace(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nsps[name]
	return ok
}

func (s *Server) storeNamespace(nsp *Namespace) {
	s.mu.Lock()
	if _, ok := s.nsps[nsp.Name()]; !ok {
		s.nsps[nsp.Name()] = nsp
	}
	s.mu.Unlock()
}

// checkNamespace offers the name to the registered parent namespaces in
// registration order. The first acceptance spawns (or reuses) the child and
// reports it through fn; exhaustion reports nil.
func (s *Server) checkNamespace(name string, query url.Values, fn func(*Namespace)) {
	s.mu.RLock()
	parents := append([]*ParentNamespace(nil), s.parentNsps...)
	s.mu.RUnlock()

	if len(parents) == 0 {
		fn(nil)
		return
	}

	var next func(i int)
	next = func(i int) {
		if i >= len(parents) {
			fn(nil)
			return
		}
		parent := parents[i]
		parent.matcher(name, query, func(err error, allow bool) {
			if err != nil || !allow {
				next(i + 1)
				return
			}
			s.mu.RLock()
			existing, ok := s.nsps[name]
			s.mu.RUnlock()
			if ok {
				fn(existing)
				return
			}
			fn(parent.CreateChild(name))
		})
	}
	next(0)
}

// Namespaces returns the static namespaces created so far.
func (s *Server) Namespaces() []*Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Namespace, 0, len(s.nsps))
	for _, nsp := range s.nsps {
		out = append(out, nsp)
	}
	return out
}

// Use appends connect middleware to the default namespace.
func (s *Server) Use(fn ConnectMiddleware) *Server {
	s.Of("/").Use(fn)
	return s
}

// OnConnect registers a connection listener on the default namespace.
func (s *Server) OnConnect(fn func(socket *Socket)) {
	s.Of("/").OnConnect(fn)
}

// To returns a broadcast operator on the default namespace.
func (s *Server) To(rooms ...Room) *BroadcastOperator {
	return s.Of("/").To(rooms...)
}

// In is an alias of To.
func (s *Server) In(rooms ...Room) *BroadcastOperator {
	return s.To(rooms...)
}

// Except returns a broadcast operator on the default namespace excluding the
// given socket ids.
func (s *Server) Except(ids ...SocketID) *BroadcastOperator {
	return s.Of("/").Except(ids...)
}

// Emit broadcasts on the default namespace.
func (s *Server) Emit(event string, args ...any) error {
	return s.Of("/").Emit(event, args...)
}

// Send emits a "message" event on the default namespace.
func (s *Server) Send(args ...any) error {
	return s.Of("/").Send(args...)
}

// Write is an alias of Send.
func (s *Server) Write(args ...any) error {
	return s.Send(args...)
}

// Sockets returns the connected sockets of the default namespace.
func (s *Server) Sockets() []*Socket {
	return s.Of("/").Sockets()
}

// ServeHTTP delegates to the transport.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.eio.ServeHTTP(w, r)
}

// Close shuts the server down: every socket of every namespace closes, the
// adapters release their state and the transport stops. fn, when non-nil,
// runs after shutdown completes.
func (s *Server) Close(fn func()) {
	s.mu.RLock()
	nsps := make([]*Namespace, 0, len(s.nsps))
	for _, nsp := range s.nsps {
		nsps = append(nsps, nsp)
	}
	s.mu.RUnlock()

	for _, nsp := range nsps {
		for _, socket := range nsp.Sockets() {
			socket.onclose("server shutting down")
		}
		if err := nsp.Adapter().Close(); err != nil {
			serverLog.Error().Str("nsp", nsp.Name()).Err(err).Msg("adapter close failed")
		}
	}
	s.eio.Close()
	if fn != nil {
		fn()
	}
}
