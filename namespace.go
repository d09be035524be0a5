package sio

import (
	"net/url"
	"sync"
	"sync/atomic"
)

// ConnectMiddleware runs for every socket entering the namespace, before it
// is registered. Calling next with an error rejects the connection: the peer
// receives an ERROR packet and no socket is created.
type ConnectMiddleware func(socket *Socket, next func(error))

// Namespace scopes sockets, rooms and middleware under one name on a shared
// transport.
type Namespace struct {
	*emitter

	name   string
	server *Server
	ids    atomic.Uint64

	adapterMu sync.RWMutex
	adapter   Adapter

	mu        sync.RWMutex
	sockets   map[SocketID]*Socket // created, possibly not yet approved
	connected map[SocketID]*Socket // approved and visible to the adapter

	fnsMu sync.RWMutex
	fns   []ConnectMiddleware
}

func newNamespace(server *Server, name string) *Namespace {
	n := &Namespace{
		emitter:   newEmitter(),
		name:      name,
		server:    server,
		sockets:   make(map[SocketID]*Socket),
		connected: make(map[SocketID]*Socket),
	}
	n.adapter = server.adapterFactory(n)
	return n
}

// Name returns the namespace name, always beginning with "/".
func (n *Namespace) Name() string {
	return n.name
}

// Server returns the owning server.
func (n *Namespace) Server() *Server {
	return n.server
}

// Adapter returns the namespace adapter.
func (n *Namespace) Adapter() Adapter {
	n.adapterMu.RLock()
	defer n.adapterMu.RUnlock()
	return n.adapter
}

// SetAdapter swaps the adapter, e.g. for a distributed implementation.
func (n *Namespace) SetAdapter(adapter Adapter) {
	n.adapterMu.Lock()
	n.adapter = adapter
	n.adapterMu.Unlock()
}

// Use appends connect middleware. Installing the first middleware on the
// default namespace cancels the handshake CONNECT optimization, since the
// middleware might reject the connection.
func (n *Namespace) Use(fn ConnectMiddleware) *Namespace {
	n.fnsMu.Lock()
	n.fns = append(n.fns, fn)
	n.fnsMu.Unlock()
	if n.name == "/" {
		n.server.clearInitialPacket()
	}
	return n
}

func (n *Namespace) middlewareCount() int {
	n.fnsMu.RLock()
	defer n.fnsMu.RUnlock()
	return len(n.fns)
}

// nextID allocates the next packet id; ids are strictly monotonic per
// namespace and never reused.
func (n *Namespace) nextID() uint64 {
	return n.ids.Add(1)
}

// OnConnect registers a listener invoked with every approved socket.
func (n *Namespace) OnConnect(fn func(socket *Socket)) {
	n.On("connection", func(args ...any) {
		if socket, ok := args[0].(*Socket); ok {
			fn(socket)
		}
	})
}

// To returns a broadcast operator targeting the given rooms.
func (n *Namespace) To(rooms ...Room) *BroadcastOperator {
	return newBroadcastOperator(n).To(rooms...)
}

// In is an alias of To.
func (n *Namespace) In(rooms ...Room) *BroadcastOperator {
	return n.To(rooms...)
}

// Except returns a broadcast operator excluding the given socket ids.
func (n *Namespace) Except(ids ...SocketID) *BroadcastOperator {
	return newBroadcastOperator(n).Except(ids...)
}

// Compress returns a broadcast operator with the compress flag set.
func (n *Namespace) Compress(compress bool) *BroadcastOperator {
	return newBroadcastOperator(n).Compress(compress)
}

// Volatile returns a broadcast operator with the volatile flag set.
func (n *Namespace) Volatile() *BroadcastOperator {
	return newBroadcastOperator(n).Volatile()
}

// Local returns a broadcast operator confined to this node.
func (n *Namespace) Local() *BroadcastOperator {
	return newBroadcastOperator(n).Local()
}

// Binary returns a broadcast operator with forced binary framing.
func (n *Namespace) Binary(binary bool) *BroadcastOperator {
	return newBroadcastOperator(n).Binary(binary)
}

// Emit broadcasts an event to every connected socket in the namespace.
func (n *Namespace) Emit(event string, args ...any) error {
	return newBroadcastOperator(n).Emit(event, args...)
}

// Send emits a "message" event to every connected socket.
func (n *Namespace) Send(args ...any) error {
	return n.Emit("message", args...)
}

// Write is an alias of Send.
func (n *Namespace) Write(args ...any) error {
	return n.Send(args...)
}

// AllSockets returns the ids of every socket in the namespace, including
// those on other nodes when a distributed adapter is installed.
func (n *Namespace) AllSockets() ([]SocketID, error) {
	return n.Adapter().Sockets(nil)
}

// Sockets returns the approved sockets on this node.
func (n *Namespace) Sockets() []*Socket {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Socket, 0, len(n.connected))
	for _, socket := range n.connected {
		out = append(out, socket)
	}
	return out
}

// Socket retrieves an approved socket by id.
func (n *Namespace) Socket(id SocketID) (*Socket, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	socket, ok := n.connected[id]
	return socket, ok
}

func (n *Namespace) connectedSocket(id SocketID) (*Socket, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	socket, ok := n.connected[id]
	return socket, ok
}

// add constructs a socket for the client, runs the connect middleware chain
// over a snapshot taken at entry, and defers the continuation to the
// client's dispatch queue so that connection listeners observe
// post-registration state before any event packet.
func (n *Namespace) add(client *Client, query url.Values, onDone func(*Socket)) *Socket {
	namespaceLog.Debug().Str("nsp", n.name).Str("client", client.ID()).Msg("adding socket")
	socket := newSocket(n, client, query)

	n.run(socket, func(err error) {
		client.enqueueFront(func() {
			if client.conn.ReadyState() != "open" {
				namespaceLog.Debug().Str("nsp", n.name).Msg("client closed before approval, ignoring socket")
				return
			}
			if err != nil {
				namespaceLog.Debug().Str("nsp", n.name).Err(err).Msg("middleware rejected connection")
				socket.sendError(err.Error())
				client.connectFailed(n)
				return
			}

			n.mu.Lock()
			n.sockets[socket.id] = socket
			n.mu.Unlock()

			socket.onconnect()
			if onDone != nil {
				onDone(socket)
			}
			n.EmitLocal("connect", socket)
			n.EmitLocal("connection", socket)
		})
	})
	return socket
}

// run executes the connect middleware chain; the chain is a snapshot, so
// middleware installed during a run does not affect in-flight connections.
func (n *Namespace) run(socket *Socket, fn func(error)) {
	n.fnsMu.RLock()
	fns := append([]ConnectMiddleware(nil), n.fns...)
	n.fnsMu.RUnlock()

	if len(fns) == 0 {
		fn(nil)
		return
	}
	var next func(i int)
	next = func(i int) {
		fns[i](socket, func(err error) {
			if err != nil {
				fn(err)
				return
			}
			if i >= len(fns)-1 {
				fn(nil)
				return
			}
			next(i + 1)
		})
	}
	next(0)
}

// addConnected marks the socket as approved.
func (n *Namespace) addConnected(socket *Socket) {
	n.mu.Lock()
	n.connected[socket.id] = socket
	n.mu.Unlock()
}

// remove drops the socket from both maps; idempotent.
func (n *Namespace) remove(socket *Socket) {
	n.mu.Lock()
	delete(n.sockets, socket.id)
	delete(n.connected, socket.id)
	n.mu.Unlock()
}
